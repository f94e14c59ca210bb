// Package browser drives Chrome over the DevTools protocol with go-rod. It implements the tab manager's
// driver and reports navigation, completed network exchanges and destroyed tabs to a Sink.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"proof-capture-engine/internal/interceptor"
	"proof-capture-engine/internal/tabs"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog"
)

// ErrNotConnected is returned by tab operations before Start.
var ErrNotConnected = errors.New("browser not connected")

// Sink receives browser events. Calls arrive on the event goroutine of the tab.
type Sink interface {
	Exchange(ex interceptor.Exchange)
	Navigated(tabID, url string)
	TabDestroyed(tabID string)
}

// Config selects the Chrome instance. An empty ControlURL launches Chrome.
type Config struct {
	ControlURL        string
	Bin               string
	Headless          bool
	UserDataDir       string // Profile holding the logged-in platform session
	NavigationTimeout time.Duration
	Logger            zerolog.Logger
}

// Chrome is the rod-backed tab driver.
type Chrome struct {
	cfg    Config
	logger zerolog.Logger

	mu         sync.RWMutex
	browser    *rod.Browser
	launched   bool
	controlURL string
	sink       Sink
	tabs       map[string]*tab
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

var _ tabs.Driver = (*Chrome)(nil)

// New creates a driver. Call SetSink and Start before opening tabs.
func New(cfg Config) *Chrome {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 30 * time.Second
	}
	return &Chrome{
		cfg:    cfg,
		logger: cfg.Logger,
		tabs:   make(map[string]*tab),
	}
}

// SetSink sets the receiver of browser events.
func (c *Chrome) SetSink(sink Sink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = sink
}

// Start connects to the configured Chrome or launches one.
func (c *Chrome) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.browser != nil {
		return nil
	}

	controlURL := c.cfg.ControlURL
	launched := false
	if controlURL == "" {
		l := launcher.New().Headless(c.cfg.Headless)
		if c.cfg.Bin != "" {
			l = l.Bin(c.cfg.Bin)
		}
		if c.cfg.UserDataDir != "" {
			l = l.UserDataDir(c.cfg.UserDataDir)
		}
		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("launch chrome: %w", err)
		}
		controlURL = u
		launched = true
	}

	runCtx, cancel := context.WithCancel(context.Background())
	browser := rod.New().ControlURL(controlURL).Context(runCtx)
	if err := browser.Connect(); err != nil {
		cancel()
		return fmt.Errorf("connect to chrome: %w", err)
	}
	if err := (proto.TargetSetDiscoverTargets{Discover: true}).Call(browser); err != nil {
		cancel()
		_ = browser.Close()
		return fmt.Errorf("enable target discovery: %w", err)
	}

	c.browser = browser
	c.launched = launched
	c.controlURL = controlURL
	c.cancel = cancel

	wait := browser.EachEvent(func(ev *proto.TargetTargetDestroyed) {
		c.targetDestroyed(string(ev.TargetID))
	})
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		wait()
	}()

	c.logger.Info().Str("control_url", controlURL).Bool("launched", launched).Msg("Connected to Chrome")
	return nil
}

// Shutdown disconnects, closing Chrome only if this driver launched it.
func (c *Chrome) Shutdown() error {
	c.mu.Lock()
	browser := c.browser
	launched := c.launched
	cancel := c.cancel
	open := c.tabs
	c.browser = nil
	c.tabs = make(map[string]*tab)
	c.mu.Unlock()

	if browser == nil {
		return nil
	}
	for _, t := range open {
		t.stop()
	}

	var err error
	if launched {
		err = browser.Close()
	}
	cancel()
	c.wg.Wait()
	return err
}

// Ping checks the DevTools connection.
func (c *Chrome) Ping(ctx context.Context) error {
	c.mu.RLock()
	browser := c.browser
	c.mu.RUnlock()
	if browser == nil {
		return ErrNotConnected
	}
	_, err := proto.BrowserGetVersion{}.Call(browser.Context(ctx))
	return err
}

// ControlURL returns the DevTools websocket URL in use.
func (c *Chrome) ControlURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.controlURL
}

// Open creates a blank tab with network tracking enabled.
func (c *Chrome) Open(ctx context.Context) (string, error) {
	c.mu.RLock()
	browser := c.browser
	c.mu.RUnlock()
	if browser == nil {
		return "", ErrNotConnected
	}

	page, err := browser.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return "", fmt.Errorf("create page: %w", err)
	}
	// Detach from the caller's context; the tab outlives the request that opened it.
	page = page.Context(context.Background())

	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		_ = page.Close()
		return "", fmt.Errorf("enable network events: %w", err)
	}

	t := newTab(string(page.TargetID), page)
	c.mu.Lock()
	c.tabs[t.id] = t
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.watch(t)
	}()
	return t.id, nil
}

// Navigate loads url in the tab. Events for the navigation are already being watched.
func (c *Chrome) Navigate(ctx context.Context, tabID, url string) error {
	t, err := c.lookup(tabID)
	if err != nil {
		return err
	}
	return t.page.Context(ctx).Timeout(c.cfg.NavigationTimeout).Navigate(url)
}

// WaitLoad waits for the tab's load event.
func (c *Chrome) WaitLoad(ctx context.Context, tabID string) error {
	t, err := c.lookup(tabID)
	if err != nil {
		return err
	}
	return t.page.Context(ctx).WaitLoad()
}

// Close closes the tab.
func (c *Chrome) Close(ctx context.Context, tabID string) error {
	c.mu.Lock()
	t, ok := c.tabs[tabID]
	delete(c.tabs, tabID)
	c.mu.Unlock()
	if !ok {
		return tabs.ErrTabGone
	}

	t.stop()
	if err := t.page.Context(ctx).Close(); err != nil {
		return fmt.Errorf("close page: %w", err)
	}
	return nil
}

// Scroll moves the tab to the bottom of the document so the client requests the next page.
func (c *Chrome) Scroll(ctx context.Context, tabID string) error {
	t, err := c.lookup(tabID)
	if err != nil {
		return err
	}
	_, err = t.page.Context(ctx).Eval(`() => window.scrollTo(0, document.documentElement.scrollHeight)`)
	return err
}

func (c *Chrome) lookup(tabID string) (*tab, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.browser == nil {
		return nil, ErrNotConnected
	}
	t, ok := c.tabs[tabID]
	if !ok {
		return nil, tabs.ErrTabGone
	}
	return t, nil
}

func (c *Chrome) currentSink() Sink {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sink
}

func (c *Chrome) targetDestroyed(tabID string) {
	c.mu.Lock()
	t, ok := c.tabs[tabID]
	delete(c.tabs, tabID)
	c.mu.Unlock()
	if !ok {
		return
	}

	t.stop()
	c.logger.Info().Str("tab_id", tabID).Msg("Capture tab destroyed outside the engine")
	if sink := c.currentSink(); sink != nil {
		sink.TabDestroyed(tabID)
	}
}

// watch forwards the tab's events until the tab is stopped.
func (c *Chrome) watch(t *tab) {
	wait := t.page.Context(t.ctx).EachEvent(
		func(ev *proto.PageFrameNavigated) {
			if ev.Frame == nil || ev.Frame.ParentID != "" {
				return
			}
			if sink := c.currentSink(); sink != nil {
				sink.Navigated(t.id, ev.Frame.URL)
			}
		},
		func(ev *proto.NetworkRequestWillBeSent) {
			if ev.Request == nil || !tracked(ev.Type) {
				return
			}
			t.requestSent(string(ev.RequestID), ev.Request.Method, ev.Request.URL, ev.Request.PostData)
		},
		func(ev *proto.NetworkResponseReceived) {
			if ev.Response == nil {
				return
			}
			t.responseReceived(string(ev.RequestID), ev.Response.Status)
		},
		func(ev *proto.NetworkLoadingFailed) {
			t.take(string(ev.RequestID))
		},
		func(ev *proto.NetworkLoadingFinished) {
			req, ok := t.take(string(ev.RequestID))
			if !ok {
				return
			}
			c.deliver(t, string(ev.RequestID), req)
		},
	)
	wait()
}

func (c *Chrome) deliver(t *tab, requestID string, req request) {
	body, err := proto.NetworkGetResponseBody{RequestID: proto.NetworkRequestID(requestID)}.Call(t.page.Context(t.ctx))
	if err != nil {
		if t.ctx.Err() == nil {
			c.logger.Debug().Err(err).Str("tab_id", t.id).Str("url", req.url).Msg("Response body unavailable")
		}
		return
	}

	sink := c.currentSink()
	if sink == nil {
		return
	}
	sink.Exchange(interceptor.Exchange{
		TabID:         t.id,
		RequestID:     requestID,
		URL:           req.url,
		Method:        req.method,
		Status:        req.status,
		RequestBody:   req.postData,
		Body:          body.Body,
		Base64Encoded: body.Base64Encoded,
	})
}

// tracked limits body retrieval to requests issued by page scripts.
func tracked(t proto.NetworkResourceType) bool {
	return t == proto.NetworkResourceTypeXHR || t == proto.NetworkResourceTypeFetch
}
