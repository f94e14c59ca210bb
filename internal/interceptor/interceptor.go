// Package interceptor routes network exchanges observed in capture tabs to the session watching that tab.
// The browser driver feeds every completed response through Dispatch; subscribers only ever see
// exchanges from their own tab whose GraphQL operation is in their active identifier set.
package interceptor

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// Exchange is one completed request/response pair reported by the browser.
type Exchange struct {
	TabID         string
	RequestID     string
	URL           string
	Method        string
	Status        int
	RequestBody   string // POST data, empty for GET
	Body          string // Response body as reported by the devtools protocol
	Base64Encoded bool   // Body is base64 encoded
}

// Match is delivered to a subscriber for every exchange that matched one of its identifiers.
// Exactly one of Payload and Err is set.
type Match struct {
	TabID      string
	Identifier string
	URL        string
	Payload    []byte
	Err        error
}

// DecodeError reports a matched response body that could not be decoded into JSON.
type DecodeError struct {
	Identifier string
	URL        string
	Reason     string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s response from %s: %s", e.Identifier, e.URL, e.Reason)
}

// Stats are cumulative dispatch counters.
type Stats struct {
	Dispatched     int64 `json:"dispatched"`
	Matched        int64 `json:"matched"`
	Ignored        int64 `json:"ignored"`
	DecodeFailures int64 `json:"decodeFailures"`
}

// Subscription is one tab's registration. Its identifier set can be changed in place.
type Subscription struct {
	tabID   string
	onMatch func(Match)

	mu          sync.Mutex
	identifiers map[string]bool
	stopped     bool
}

// TabID returns the tab the subscription watches.
func (s *Subscription) TabID() string { return s.tabID }

// SetIdentifiers replaces the active identifier set.
func (s *Subscription) SetIdentifiers(identifiers ...string) {
	set := make(map[string]bool, len(identifiers))
	for _, id := range identifiers {
		if id = strings.TrimSpace(id); id != "" {
			set[id] = true
		}
	}

	s.mu.Lock()
	s.identifiers = set
	s.mu.Unlock()
}

// Identifiers returns a copy of the active identifier set.
func (s *Subscription) Identifiers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.identifiers))
	for id := range s.identifiers {
		out = append(out, id)
	}
	return out
}

// match returns the first active identifier the exchange carries.
func (s *Subscription) match(segments []string, operationName string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return "", false
	}
	if operationName != "" && s.identifiers[operationName] {
		return operationName, true
	}
	for _, seg := range segments {
		if s.identifiers[seg] {
			return seg, true
		}
	}
	return "", false
}

func (s *Subscription) active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.stopped
}

// Interceptor is the process-wide routing table from tab id to subscription.
type Interceptor struct {
	mu   sync.RWMutex
	subs map[string]*Subscription

	dispatched     atomic.Int64
	matched        atomic.Int64
	ignored        atomic.Int64
	decodeFailures atomic.Int64

	logger zerolog.Logger
}

// New creates an interceptor with no subscriptions.
func New(logger zerolog.Logger) *Interceptor {
	return &Interceptor{
		subs:   make(map[string]*Subscription),
		logger: logger,
	}
}

// StartWatching registers onMatch for exchanges of tabID matching any of the identifiers.
// A tab has at most one subscription; a new one replaces the previous.
// onMatch runs on the dispatching goroutine; a slow callback delays the exchanges of every tab.
func (i *Interceptor) StartWatching(tabID string, identifiers []string, onMatch func(Match)) *Subscription {
	sub := &Subscription{tabID: tabID, onMatch: onMatch}
	sub.SetIdentifiers(identifiers...)

	i.mu.Lock()
	prev := i.subs[tabID]
	i.subs[tabID] = sub
	i.mu.Unlock()

	if prev != nil {
		prev.stop()
		i.logger.Debug().Str("tab_id", tabID).Msg("Replaced existing subscription")
	}
	i.logger.Debug().Str("tab_id", tabID).Strs("identifiers", identifiers).Msg("Started watching")
	return sub
}

// StopWatching removes a subscription. Calling it more than once, or with nil, is a no-op.
func (i *Interceptor) StopWatching(sub *Subscription) {
	if sub == nil {
		return
	}
	sub.stop()

	i.mu.Lock()
	if i.subs[sub.tabID] == sub {
		delete(i.subs, sub.tabID)
	}
	i.mu.Unlock()
}

func (s *Subscription) stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

// Watching reports whether tabID has a live subscription.
func (i *Interceptor) Watching(tabID string) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	_, ok := i.subs[tabID]
	return ok
}

// Dispatch routes one exchange. Exchanges for unwatched tabs or inactive identifiers are dropped.
func (i *Interceptor) Dispatch(ex Exchange) {
	i.dispatched.Add(1)

	i.mu.RLock()
	sub := i.subs[ex.TabID]
	i.mu.RUnlock()

	if sub == nil {
		i.ignored.Add(1)
		return
	}

	identifier, ok := sub.match(pathSegments(ex.URL), operationName(ex.RequestBody))
	if !ok {
		i.ignored.Add(1)
		return
	}

	m := Match{TabID: ex.TabID, Identifier: identifier, URL: ex.URL}
	payload, err := decodeBody(ex)
	if err != nil {
		i.decodeFailures.Add(1)
		m.Err = &DecodeError{Identifier: identifier, URL: ex.URL, Reason: err.Error()}
		i.logger.Warn().Str("tab_id", ex.TabID).Str("identifier", identifier).Err(err).Msg("Failed to decode matched response")
	} else {
		m.Payload = payload
	}

	// StopWatching may have raced with decoding.
	if !sub.active() {
		i.ignored.Add(1)
		return
	}

	i.matched.Add(1)
	sub.onMatch(m)
}

// Stats returns a snapshot of the dispatch counters.
func (i *Interceptor) Stats() Stats {
	return Stats{
		Dispatched:     i.dispatched.Load(),
		Matched:        i.matched.Load(),
		Ignored:        i.ignored.Load(),
		DecodeFailures: i.decodeFailures.Load(),
	}
}

func pathSegments(rawURL string) []string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	var out []string
	for _, seg := range strings.Split(u.Path, "/") {
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

func operationName(requestBody string) string {
	if requestBody == "" || !gjson.Valid(requestBody) {
		return ""
	}
	return gjson.Get(requestBody, "operationName").String()
}

func decodeBody(ex Exchange) ([]byte, error) {
	body := []byte(ex.Body)
	if ex.Base64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(ex.Body)
		if err != nil {
			return nil, fmt.Errorf("invalid base64 body: %w", err)
		}
		body = decoded
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("empty body (status %d)", ex.Status)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("body is not JSON (status %d)", ex.Status)
	}
	return body, nil
}
