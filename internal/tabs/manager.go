// Package tabs tracks the browser tabs used for capture.
// The Manager owns tab creation and teardown through a Driver so the session runtime never talks to the
// browser directly and tests can substitute a fake.
package tabs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	// ErrTabGone is returned by drivers when the tab no longer exists.
	ErrTabGone = errors.New("tab is gone")
	// ErrTabBusy is returned by Bind when another session already owns the tab.
	ErrTabBusy = errors.New("tab already bound to a session")
	// ErrUnknownTab is returned for tab ids the manager does not track.
	ErrUnknownTab = errors.New("unknown tab")
)

// TabLifecycleError reports a tab that could not be created, driven, or that disappeared mid-session.
type TabLifecycleError struct {
	Op    string
	TabID string
	Err   error
}

func (e *TabLifecycleError) Error() string {
	if e.TabID == "" {
		return fmt.Sprintf("tab %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("tab %s %s: %v", e.Op, e.TabID, e.Err)
}

func (e *TabLifecycleError) Unwrap() error { return e.Err }

// Driver is the browser surface the manager needs.
type Driver interface {
	Open(ctx context.Context) (string, error)
	Navigate(ctx context.Context, tabID, url string) error
	WaitLoad(ctx context.Context, tabID string) error
	Close(ctx context.Context, tabID string) error
	Scroll(ctx context.Context, tabID string) error
}

// Tab is the registry entry of one capture tab.
type Tab struct {
	ID               string    `json:"id"`
	URL              string    `json:"url"`
	TargetIdentifier string    `json:"targetIdentifier"`
	SessionID        string    `json:"sessionId,omitempty"`
	OpenedAt         time.Time `json:"openedAt"`
}

// Options tune the manager.
type Options struct {
	SettleDelay   time.Duration // Extra wait after load for client-side requests to fire
	NudgeInterval time.Duration // Minimum spacing of pagination scrolls per tab
	NudgeBurst    int
}

// DefaultOptions returns the production settings.
func DefaultOptions() Options {
	return Options{
		SettleDelay:   1500 * time.Millisecond,
		NudgeInterval: 750 * time.Millisecond,
		NudgeBurst:    1,
	}
}

type entry struct {
	tab     Tab
	limiter *rate.Limiter
}

// Manager is the process-wide tab registry.
type Manager struct {
	driver Driver
	opts   Options
	logger zerolog.Logger

	mu   sync.Mutex
	tabs map[string]*entry
}

// NewManager creates a manager over the given driver.
func NewManager(driver Driver, opts Options, logger zerolog.Logger) *Manager {
	if opts.NudgeBurst <= 0 {
		opts.NudgeBurst = 1
	}
	return &Manager{
		driver: driver,
		opts:   opts,
		logger: logger,
		tabs:   make(map[string]*entry),
	}
}

// OpenTab opens a tab on url for the given target.
func (m *Manager) OpenTab(ctx context.Context, url, targetIdentifier string) (string, error) {
	return m.OpenTabWith(ctx, url, targetIdentifier, nil)
}

// OpenTabWith opens a blank tab, registers it, runs beforeNavigate and only then navigates to url, so that
// callers can start watching the tab before its first request goes out. The tab is closed again if any step
// fails.
func (m *Manager) OpenTabWith(ctx context.Context, url, targetIdentifier string, beforeNavigate func(tabID string) error) (string, error) {
	tabID, err := m.driver.Open(ctx)
	if err != nil {
		return "", &TabLifecycleError{Op: "open", Err: err}
	}

	limit := rate.Inf
	if m.opts.NudgeInterval > 0 {
		limit = rate.Every(m.opts.NudgeInterval)
	}

	m.mu.Lock()
	m.tabs[tabID] = &entry{
		tab: Tab{
			ID:               tabID,
			URL:              url,
			TargetIdentifier: targetIdentifier,
			OpenedAt:         time.Now(),
		},
		limiter: rate.NewLimiter(limit, m.opts.NudgeBurst),
	}
	m.mu.Unlock()

	m.logger.Debug().Str("tab_id", tabID).Str("url", url).Msg("Opened capture tab")

	if beforeNavigate != nil {
		if err := beforeNavigate(tabID); err != nil {
			m.closeQuietly(tabID)
			return "", err
		}
	}

	if err := m.driver.Navigate(ctx, tabID, url); err != nil {
		m.closeQuietly(tabID)
		return "", &TabLifecycleError{Op: "navigate", TabID: tabID, Err: err}
	}
	return tabID, nil
}

func (m *Manager) closeQuietly(tabID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.CloseTab(ctx, tabID); err != nil {
		m.logger.Warn().Err(err).Str("tab_id", tabID).Msg("Failed to close tab after open error")
	}
}

// AwaitLoad waits for the tab's load event and then the settle delay.
func (m *Manager) AwaitLoad(ctx context.Context, tabID string) error {
	if _, ok := m.Lookup(tabID); !ok {
		return &TabLifecycleError{Op: "wait", TabID: tabID, Err: ErrUnknownTab}
	}
	if err := m.driver.WaitLoad(ctx, tabID); err != nil {
		return &TabLifecycleError{Op: "wait", TabID: tabID, Err: err}
	}
	if m.opts.SettleDelay <= 0 {
		return nil
	}

	timer := time.NewTimer(m.opts.SettleDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// CloseTab closes a tab once. Unknown tabs and tabs the browser already closed are not errors.
func (m *Manager) CloseTab(ctx context.Context, tabID string) error {
	m.mu.Lock()
	_, ok := m.tabs[tabID]
	delete(m.tabs, tabID)
	m.mu.Unlock()

	if !ok {
		return nil
	}

	if err := m.driver.Close(ctx, tabID); err != nil && !errors.Is(err, ErrTabGone) {
		return &TabLifecycleError{Op: "close", TabID: tabID, Err: err}
	}
	m.logger.Debug().Str("tab_id", tabID).Msg("Closed capture tab")
	return nil
}

// Forget drops a tab the browser reported as destroyed without calling the driver.
// It reports whether the tab was tracked.
func (m *Manager) Forget(tabID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tabs[tabID]
	delete(m.tabs, tabID)
	return ok
}

// CloseAll closes every tracked tab.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.tabs))
	for id := range m.tabs {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := m.CloseTab(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Bind associates a tab with a session. A tab serves at most one session.
func (m *Manager) Bind(tabID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.tabs[tabID]
	if !ok {
		return &TabLifecycleError{Op: "bind", TabID: tabID, Err: ErrUnknownTab}
	}
	if e.tab.SessionID != "" && e.tab.SessionID != sessionID {
		return ErrTabBusy
	}
	e.tab.SessionID = sessionID
	return nil
}

// Release removes the binding if sessionID still owns the tab.
func (m *Manager) Release(tabID, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.tabs[tabID]; ok && e.tab.SessionID == sessionID {
		e.tab.SessionID = ""
	}
}

// Lookup returns a tracked tab.
func (m *Manager) Lookup(tabID string) (Tab, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tabs[tabID]
	if !ok {
		return Tab{}, false
	}
	return e.tab, true
}

// Active lists tracked tabs, oldest first.
func (m *Manager) Active() []Tab {
	m.mu.Lock()
	out := make([]Tab, 0, len(m.tabs))
	for _, e := range m.tabs {
		out = append(out, e.tab)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// Nudge scrolls the tab to make the page load more items. Calls faster than the configured interval are
// dropped and reported as false.
func (m *Manager) Nudge(ctx context.Context, tabID string) (bool, error) {
	m.mu.Lock()
	e, ok := m.tabs[tabID]
	m.mu.Unlock()

	if !ok {
		return false, &TabLifecycleError{Op: "scroll", TabID: tabID, Err: ErrUnknownTab}
	}
	if !e.limiter.Allow() {
		return false, nil
	}
	if err := m.driver.Scroll(ctx, tabID); err != nil {
		return false, &TabLifecycleError{Op: "scroll", TabID: tabID, Err: err}
	}
	return true, nil
}
