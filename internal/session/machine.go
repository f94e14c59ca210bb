// Package session implements the proof session state machine.
//
// A Machine is pure and synchronous: Handle consumes one event, mutates the session and returns an Outcome
// describing the side effects the caller must perform (narrow the interceptor, nudge pagination, arm a timer).
// It never blocks, spawns goroutines or touches the browser, so one goroutine per session can drive it and
// tests can feed it events directly.
package session

import (
	"errors"
	"time"

	"proof-capture-engine/pkg/models"
	"proof-capture-engine/pkg/proofconfig"
)

// Default retry budgets.
const (
	DefaultMaxContextAttempts = 5
	DefaultMaxActionPages     = 50
	DefaultMaxParseFailures   = 10

	// maxPending bounds the payloads held back until the session can evaluate them.
	maxPending = 8
)

// Budget exhaustion reasons.
const (
	ReasonContextExhausted = "context capture exhausted"
	ReasonActionExhausted  = "action retry budget exhausted"
	ReasonParseExhausted   = "parse failure budget exhausted"
)

// Config binds a session to its proof config and target. It is immutable after New.
type Config struct {
	SessionID        string
	Handler          proofconfig.Handler
	TargetURL        string
	TargetIdentifier string

	MaxContextAttempts int
	MaxActionPages     int
	MaxParseFailures   int

	// Now defaults to time.Now.
	Now func() time.Time
}

// Outcome lists what the driver of a Machine must do after an event.
type Outcome struct {
	Changed     bool     // Session state changed; publish a snapshot
	Watch       []string // New interceptor identifier set, nil when unchanged
	Scroll      bool     // Target not on the current page; nudge pagination
	ArmGrace    bool     // Start the navigation grace timer
	DisarmGrace bool     // Stop the navigation grace timer
	Terminal    bool     // Session reached completed or error in this step
	Proof       *models.CompletedProof
}

type pendingMatch struct {
	identifier string
	payload    []byte
}

// Machine is one verification attempt.
type Machine struct {
	cfg Config

	status      models.SessionStatus
	context     *models.NormalizedUser
	action      []models.ActionParseResult
	proof       *models.CompletedProof
	err         error
	updatedAt   time.Time
	lastURL     string
	mismatched  bool
	pending     []pendingMatch
	contextHits int
	actionPages int
	parseFails  int
}

// New creates an idle session.
func New(cfg Config) *Machine {
	if cfg.MaxContextAttempts <= 0 {
		cfg.MaxContextAttempts = DefaultMaxContextAttempts
	}
	if cfg.MaxActionPages <= 0 {
		cfg.MaxActionPages = DefaultMaxActionPages
	}
	if cfg.MaxParseFailures <= 0 {
		cfg.MaxParseFailures = DefaultMaxParseFailures
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Machine{cfg: cfg, status: models.StatusIdle, updatedAt: cfg.Now()}
}

// Status returns the current status.
func (m *Machine) Status() models.SessionStatus { return m.status }

// Err returns the terminal error of a failed session, nil otherwise.
func (m *Machine) Err() error { return m.err }

// Proof returns the completed proof, nil unless the session completed.
func (m *Machine) Proof() *models.CompletedProof { return m.proof }

// Handle processes one event. Terminal sessions ignore every event.
func (m *Machine) Handle(ev Event) Outcome {
	if m.status.Terminal() {
		return Outcome{}
	}

	switch ev.Kind {
	case EventStart:
		return m.start()
	case EventNavigation:
		return m.navigate(ev.URL)
	case EventNetworkMatch:
		return m.networkMatch(ev.Identifier, ev.Payload)
	case EventDecodeFailure:
		if m.status == models.StatusIdle {
			return Outcome{}
		}
		return m.parseFailure()
	case EventFail:
		err := ev.Err
		if err == nil {
			err = errors.New("session failed")
		}
		return m.fail(err)
	case EventCancel:
		return m.fail(ErrCancelled)
	case EventTimeout:
		return m.fail(&TimeoutError{After: ev.After})
	case EventTabClosed:
		err := ev.Err
		if err == nil {
			err = errors.New("capture tab closed")
		}
		return m.fail(err)
	case EventGraceExpired:
		if !m.mismatched {
			return Outcome{}
		}
		return m.fail(&NavigationMismatchError{URL: m.lastURL})
	}
	return Outcome{}
}

func (m *Machine) start() Outcome {
	if m.status != models.StatusIdle {
		return Outcome{}
	}
	m.status = models.StatusWaitingForNavigation
	m.touch()
	return Outcome{Changed: true, Watch: m.endpoints(true, true)}
}

func (m *Machine) navigate(url string) Outcome {
	if m.status == models.StatusIdle {
		return Outcome{}
	}
	m.lastURL = url
	recognized := m.cfg.Handler.MatchesURL(url)

	if m.status == models.StatusWaitingForNavigation {
		if !recognized {
			// Redirects and login interstitials; keep waiting.
			return Outcome{}
		}
		m.status = models.StatusCapturingContext
		m.touch()
		out := Outcome{Changed: true}
		pending := m.pending
		m.pending = nil
		for _, p := range pending {
			out = merge(out, m.networkMatch(p.identifier, p.payload))
			if out.Terminal {
				break
			}
		}
		return out
	}

	switch {
	case !recognized && !m.mismatched:
		m.mismatched = true
		return Outcome{ArmGrace: true}
	case recognized && m.mismatched:
		m.mismatched = false
		return Outcome{DisarmGrace: true}
	}
	return Outcome{}
}

func (m *Machine) networkMatch(identifier string, payload []byte) Outcome {
	contextEndpoint := m.cfg.Handler.ContextEndpoint()
	actionEndpoint := m.cfg.Handler.ActionEndpoint()

	switch m.status {
	case models.StatusWaitingForNavigation:
		m.hold(identifier, payload)
		return Outcome{}

	case models.StatusCapturingContext:
		if identifier != contextEndpoint {
			if identifier == actionEndpoint {
				m.hold(identifier, payload)
			}
			return Outcome{}
		}
		return m.captureContext(payload)

	case models.StatusWaitingForAction:
		if identifier != actionEndpoint {
			return Outcome{}
		}
		return m.captureAction(payload)
	}
	return Outcome{}
}

func (m *Machine) captureContext(payload []byte) Outcome {
	m.contextHits++
	user := m.cfg.Handler.ParseContext(payload)

	if !user.Valid() {
		if m.contextHits >= m.cfg.MaxContextAttempts {
			return m.fail(&BudgetError{Reason: ReasonContextExhausted})
		}
		if user.ParseError != "" {
			return m.parseFailure()
		}
		return Outcome{}
	}

	m.context = &user
	m.status = models.StatusWaitingForAction
	m.touch()
	out := Outcome{Changed: true, Watch: m.endpoints(false, true)}

	if m.cfg.Handler.ContextEndpoint() == m.cfg.Handler.ActionEndpoint() {
		out = merge(out, m.captureAction(payload))
		if out.Terminal {
			return out
		}
	}

	pending := m.pending
	m.pending = nil
	for _, p := range pending {
		if p.identifier != m.cfg.Handler.ActionEndpoint() {
			continue
		}
		out = merge(out, m.captureAction(p.payload))
		if out.Terminal {
			break
		}
	}
	return out
}

func (m *Machine) captureAction(payload []byte) Outcome {
	result := m.parseAction(payload)
	if result.ParseError != "" {
		return m.parseFailure()
	}

	m.actionPages++
	m.action = append(m.action, result)
	m.touch()

	if result.ProofResult {
		return m.complete()
	}
	if m.actionPages >= m.cfg.MaxActionPages {
		return m.fail(&BudgetError{Reason: ReasonActionExhausted})
	}
	return Outcome{Changed: true, Scroll: true}
}

func (m *Machine) parseAction(payload []byte) models.ActionParseResult {
	if ap, ok := m.cfg.Handler.(proofconfig.ActorParser); ok && m.context != nil {
		return ap.ParseActionBy(payload, m.cfg.TargetIdentifier, m.context.Handle)
	}
	return m.cfg.Handler.ParseAction(payload, m.cfg.TargetIdentifier)
}

func (m *Machine) complete() Outcome {
	action := make([]models.ActionParseResult, len(m.action))
	copy(action, m.action)

	m.proof = &models.CompletedProof{
		Type:        m.cfg.Handler.Type(),
		Platform:    m.cfg.Handler.Platform(),
		ContentType: m.cfg.Handler.ContentType(),
		Context:     *m.context,
		Action:      action,
		Timestamp:   m.cfg.Now().UTC(),
		SessionID:   m.cfg.SessionID,
	}
	m.status = models.StatusCompleted
	m.touch()
	return Outcome{Changed: true, Terminal: true, DisarmGrace: m.mismatched, Watch: []string{}, Proof: m.proof}
}

func (m *Machine) parseFailure() Outcome {
	m.parseFails++
	if m.parseFails >= m.cfg.MaxParseFailures {
		return m.fail(&BudgetError{Reason: ReasonParseExhausted})
	}
	return Outcome{}
}

func (m *Machine) fail(err error) Outcome {
	m.err = err
	m.status = models.StatusError
	m.pending = nil
	m.touch()
	return Outcome{Changed: true, Terminal: true, DisarmGrace: m.mismatched, Watch: []string{}}
}

func (m *Machine) hold(identifier string, payload []byte) {
	if len(m.pending) == maxPending {
		m.pending = m.pending[1:]
	}
	m.pending = append(m.pending, pendingMatch{identifier: identifier, payload: payload})
}

func (m *Machine) endpoints(context, action bool) []string {
	var ids []string
	if context {
		ids = append(ids, m.cfg.Handler.ContextEndpoint())
	}
	if action && (!context || m.cfg.Handler.ActionEndpoint() != m.cfg.Handler.ContextEndpoint()) {
		ids = append(ids, m.cfg.Handler.ActionEndpoint())
	}
	return ids
}

func (m *Machine) touch() {
	m.updatedAt = m.cfg.Now()
}

// merge folds a later outcome into an earlier one from the same step.
func merge(a, b Outcome) Outcome {
	a.Changed = a.Changed || b.Changed
	if b.Watch != nil {
		a.Watch = b.Watch
	}
	a.Scroll = (a.Scroll || b.Scroll) && !b.Terminal
	a.ArmGrace = a.ArmGrace || b.ArmGrace
	a.DisarmGrace = a.DisarmGrace || b.DisarmGrace
	a.Terminal = a.Terminal || b.Terminal
	if b.Proof != nil {
		a.Proof = b.Proof
	}
	return a
}

// Snapshot returns a copy of the session suitable for publishing.
func (m *Machine) Snapshot() models.SessionSnapshot {
	snap := models.SessionSnapshot{
		SessionID:        m.cfg.SessionID,
		ProofType:        m.cfg.Handler.Type(),
		TargetURL:        m.cfg.TargetURL,
		TargetIdentifier: m.cfg.TargetIdentifier,
		Status:           m.status,
		ActionData:       make([]models.ActionParseResult, len(m.action)),
		UpdatedAt:        m.updatedAt,
	}
	copy(snap.ActionData, m.action)
	if m.context != nil {
		user := *m.context
		snap.ContextData = &user
	}
	if m.err != nil {
		snap.ErrorReason = m.err.Error()
	}
	if m.proof != nil {
		proof := *m.proof
		snap.Proof = &proof
	}
	return snap
}
