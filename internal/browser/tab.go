package browser

import (
	"context"
	"sync"

	"github.com/go-rod/rod"
)

// maxInflight bounds the requests remembered per tab while waiting for their bodies.
const maxInflight = 512

type request struct {
	method   string
	url      string
	postData string
	status   int
}

// tab tracks the in-flight requests of one page between request, response and loading-finished events.
type tab struct {
	id     string
	page   *rod.Page
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	requests map[string]request
	order    []string
}

func newTab(id string, page *rod.Page) *tab {
	ctx, cancel := context.WithCancel(context.Background())
	return &tab{
		id:       id,
		page:     page,
		ctx:      ctx,
		cancel:   cancel,
		requests: make(map[string]request),
	}
}

func (t *tab) stop() { t.cancel() }

func (t *tab) requestSent(id, method, url, postData string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Redirects reuse the request id; keep the latest hop.
	if _, ok := t.requests[id]; !ok {
		if len(t.order) == maxInflight {
			delete(t.requests, t.order[0])
			t.order = t.order[1:]
		}
		t.order = append(t.order, id)
	}
	t.requests[id] = request{method: method, url: url, postData: postData}
}

func (t *tab) responseReceived(id string, status int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if req, ok := t.requests[id]; ok {
		req.status = status
		t.requests[id] = req
	}
}

// take removes and returns a tracked request.
func (t *tab) take(id string) (request, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, ok := t.requests[id]
	if !ok {
		return request{}, false
	}
	delete(t.requests, id)
	for i, rid := range t.order {
		if rid == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return req, true
}

func (t *tab) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.requests)
}
