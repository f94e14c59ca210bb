package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"proof-capture-engine/internal/tabs"
)

// FakeDriver is an in-memory tabs.Driver that records every call.
type FakeDriver struct {
	mu        sync.Mutex
	next      int
	open      map[string]string
	closes    map[string]int
	scrolls   map[string]int
	navigated []string

	OpenErr     error
	NavigateErr error
	LoadErr     error

	// NavigateDelay holds Navigate back like a slow page load; cancelling ctx cuts it short.
	NavigateDelay time.Duration

	// OnNavigate runs on its own goroutine after every successful Navigate.
	OnNavigate func(tabID, url string)
}

// NewFakeDriver creates an empty driver.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{
		open:    make(map[string]string),
		closes:  make(map[string]int),
		scrolls: make(map[string]int),
	}
}

var _ tabs.Driver = (*FakeDriver)(nil)

func (d *FakeDriver) Open(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.OpenErr != nil {
		return "", d.OpenErr
	}
	d.next++
	id := fmt.Sprintf("tab-%d", d.next)
	d.open[id] = "about:blank"
	return id, nil
}

func (d *FakeDriver) Navigate(ctx context.Context, tabID, url string) error {
	d.mu.Lock()
	delay := d.NavigateDelay
	d.mu.Unlock()
	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	d.mu.Lock()
	if d.NavigateErr != nil {
		d.mu.Unlock()
		return d.NavigateErr
	}
	if _, ok := d.open[tabID]; !ok {
		d.mu.Unlock()
		return tabs.ErrTabGone
	}
	d.open[tabID] = url
	d.navigated = append(d.navigated, url)
	hook := d.OnNavigate
	d.mu.Unlock()

	if hook != nil {
		go hook(tabID, url)
	}
	return nil
}

func (d *FakeDriver) WaitLoad(ctx context.Context, tabID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.LoadErr != nil {
		return d.LoadErr
	}
	if _, ok := d.open[tabID]; !ok {
		return tabs.ErrTabGone
	}
	return nil
}

func (d *FakeDriver) Close(ctx context.Context, tabID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes[tabID]++
	if _, ok := d.open[tabID]; !ok {
		return tabs.ErrTabGone
	}
	delete(d.open, tabID)
	return nil
}

func (d *FakeDriver) Scroll(ctx context.Context, tabID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.open[tabID]; !ok {
		return tabs.ErrTabGone
	}
	d.scrolls[tabID]++
	return nil
}

// Destroy removes a tab as if the user closed it.
func (d *FakeDriver) Destroy(tabID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.open, tabID)
}

// CloseCount returns how many times Close was called for a tab.
func (d *FakeDriver) CloseCount(tabID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closes[tabID]
}

// ScrollCount returns how many scrolls reached a tab.
func (d *FakeDriver) ScrollCount(tabID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.scrolls[tabID]
}

// OpenTabs returns the number of tabs currently open.
func (d *FakeDriver) OpenTabs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.open)
}

// Navigated returns every URL passed to Navigate, in order.
func (d *FakeDriver) Navigated() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.navigated...)
}
