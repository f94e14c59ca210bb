package session

import (
	"errors"
	"fmt"
	"time"
)

// EventKind discriminates the inputs a Machine accepts.
type EventKind int

const (
	EventStart EventKind = iota
	EventNavigation
	EventNetworkMatch
	EventDecodeFailure
	EventFail
	EventCancel
	EventTimeout
	EventTabClosed
	EventGraceExpired
)

var eventNames = map[EventKind]string{
	EventStart:         "start",
	EventNavigation:    "navigation",
	EventNetworkMatch:  "network_match",
	EventDecodeFailure: "decode_failure",
	EventFail:          "fail",
	EventCancel:        "cancel",
	EventTimeout:       "timeout",
	EventTabClosed:     "tab_closed",
	EventGraceExpired:  "grace_expired",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is one discrete input to a session.
type Event struct {
	Kind       EventKind
	URL        string        // Navigation
	Identifier string        // NetworkMatch, DecodeFailure
	Payload    []byte        // NetworkMatch
	Err        error         // Fail, DecodeFailure, TabClosed
	After      time.Duration // Timeout
}

func Start() Event                  { return Event{Kind: EventStart} }
func Navigation(url string) Event   { return Event{Kind: EventNavigation, URL: url} }
func Cancel() Event                 { return Event{Kind: EventCancel} }
func GraceExpired() Event           { return Event{Kind: EventGraceExpired} }
func Fail(err error) Event          { return Event{Kind: EventFail, Err: err} }
func TabClosed(err error) Event     { return Event{Kind: EventTabClosed, Err: err} }
func Timeout(d time.Duration) Event { return Event{Kind: EventTimeout, After: d} }

func NetworkMatch(identifier string, payload []byte) Event {
	return Event{Kind: EventNetworkMatch, Identifier: identifier, Payload: payload}
}

func DecodeFailure(identifier string, err error) Event {
	return Event{Kind: EventDecodeFailure, Identifier: identifier, Err: err}
}

// NavigationMismatchError reports a tab that left every page the proof config recognizes and did not return
// within the grace period.
type NavigationMismatchError struct {
	URL string
}

func (e *NavigationMismatchError) Error() string {
	return fmt.Sprintf("navigated away from capture page to %s", e.URL)
}

// TimeoutError reports a session that exceeded its wall-clock budget.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("session timeout after %s", e.After)
}

// BudgetError reports an exhausted retry budget.
type BudgetError struct {
	Reason string
}

func (e *BudgetError) Error() string {
	return e.Reason
}

// ErrCancelled is the terminal error of a session cancelled by its caller.
var ErrCancelled = errors.New("cancelled by caller")
