package engine

import (
	"proof-capture-engine/internal/interceptor"
	"proof-capture-engine/internal/session"
	"proof-capture-engine/internal/tabs"
)

// The methods below receive browser events from the driver. They never block on a finished session.

// Exchange routes a completed network exchange through the interceptor.
func (e *Engine) Exchange(ex interceptor.Exchange) {
	e.interceptor.Dispatch(ex)
}

// Navigated reports that a tab's main frame committed a navigation.
func (e *Engine) Navigated(tabID, url string) {
	if r := e.runnerForTab(tabID); r != nil {
		r.post(session.Navigation(url))
	}
}

// TabDestroyed reports a tab closed outside the engine, e.g. by the user.
func (e *Engine) TabDestroyed(tabID string) {
	if !e.tabs.Forget(tabID) {
		return
	}
	if r := e.runnerForTab(tabID); r != nil {
		r.post(session.TabClosed(&tabs.TabLifecycleError{Op: "watch", TabID: tabID, Err: tabs.ErrTabGone}))
	}
}
