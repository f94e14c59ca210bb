// Package engine runs proof sessions.
//
// The Engine owns every in-flight session. Each session gets one goroutine that feeds browser and timer events
// into its state machine in arrival order and performs the side effects the machine asks for: narrowing the
// interceptor, nudging pagination, arming timers, building evidence and queueing the backend submission.
// Readers only ever see snapshots.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"proof-capture-engine/internal/interceptor"
	"proof-capture-engine/internal/session"
	"proof-capture-engine/internal/tabs"
	"proof-capture-engine/pkg/db"
	"proof-capture-engine/pkg/models"
	"proof-capture-engine/pkg/proofconfig"
	"proof-capture-engine/pkg/validator"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrEvidenceUnavailable = errors.New("evidence not available")
	ErrEngineClosed        = errors.New("engine is shut down")
	ErrInvalidRequest      = errors.New("invalid verification request")

	// ErrShuttingDown is the terminal reason of sessions still running at Shutdown.
	ErrShuttingDown = errors.New("engine shutting down")
)

// ReasonInterrupted marks sessions found in flight at startup.
const ReasonInterrupted = "interrupted by restart"

// Submitter delivers completed proofs to the backend task API.
type Submitter interface {
	Start(ctx context.Context) error
	Stop()
	Enqueue(ctx context.Context, proof models.CompletedProof, evidence models.TaskEvidence) error
}

// Options tune session behavior.
type Options struct {
	SessionTimeout     time.Duration
	GracePeriod        time.Duration
	MaxContextAttempts int
	MaxActionPages     int
	MaxParseFailures   int
	ArchiveSize        int           // Terminated sessions kept for late readers
	StoreTimeout       time.Duration // Bound on each persistence call
	Now                func() time.Time
}

// DefaultOptions returns the production settings.
func DefaultOptions() Options {
	return Options{
		SessionTimeout:     30 * time.Second,
		GracePeriod:        5 * time.Second,
		MaxContextAttempts: session.DefaultMaxContextAttempts,
		MaxActionPages:     session.DefaultMaxActionPages,
		MaxParseFailures:   session.DefaultMaxParseFailures,
		ArchiveSize:        256,
		StoreTimeout:       5 * time.Second,
		Now:                time.Now,
	}
}

// Deps are the collaborators of an Engine. Store and Submitter are optional.
type Deps struct {
	Registry    *proofconfig.Registry
	Interceptor *interceptor.Interceptor
	Tabs        *tabs.Manager
	Validator   *validator.Validator
	Store       db.SessionStore
	Submitter   Submitter
	Logger      zerolog.Logger
}

type archived struct {
	snapshot models.SessionSnapshot
	evidence *models.TaskEvidence
}

// Engine is the capture runtime.
type Engine struct {
	registry    *proofconfig.Registry
	interceptor *interceptor.Interceptor
	tabs        *tabs.Manager
	validator   *validator.Validator
	store       db.SessionStore
	submitter   Submitter
	logger      zerolog.Logger
	opts        Options

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]*runner
	byTab    map[string]*runner
	archive  *lru.Cache[string, *archived]
	closed   bool
	wg       sync.WaitGroup
}

// New creates an engine. Zero option values fall back to DefaultOptions.
func New(deps Deps, opts Options) (*Engine, error) {
	if deps.Registry == nil || deps.Interceptor == nil || deps.Tabs == nil {
		return nil, fmt.Errorf("engine requires a registry, an interceptor and a tab manager")
	}
	if deps.Validator == nil {
		deps.Validator = validator.NewValidator()
	}

	def := DefaultOptions()
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = def.SessionTimeout
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = def.GracePeriod
	}
	if opts.ArchiveSize <= 0 {
		opts.ArchiveSize = def.ArchiveSize
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = def.StoreTimeout
	}
	if opts.Now == nil {
		opts.Now = def.Now
	}

	archive, err := lru.New[string, *archived](opts.ArchiveSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create session archive: %w", err)
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	return &Engine{
		registry:    deps.Registry,
		interceptor: deps.Interceptor,
		tabs:        deps.Tabs,
		validator:   deps.Validator,
		store:       deps.Store,
		submitter:   deps.Submitter,
		logger:      deps.Logger,
		opts:        opts,
		rootCtx:     rootCtx,
		rootCancel:  rootCancel,
		sessions:    make(map[string]*runner),
		byTab:       make(map[string]*runner),
		archive:     archive,
	}, nil
}

// Init closes stray tabs, marks sessions persisted by a previous run as interrupted and starts the submitter.
func (e *Engine) Init(ctx context.Context) error {
	if err := e.tabs.CloseAll(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to close stray tabs")
	}

	if e.store != nil {
		records, err := e.store.ListInflight(ctx)
		if err != nil {
			return fmt.Errorf("failed to list in-flight sessions: %w", err)
		}
		for _, rec := range records {
			e.recoverInterrupted(ctx, rec)
		}
	}

	if e.submitter != nil {
		if err := e.submitter.Start(ctx); err != nil {
			return fmt.Errorf("failed to start submitter: %w", err)
		}
	}
	return nil
}

func (e *Engine) recoverInterrupted(ctx context.Context, rec *models.ResumptionRecord) {
	snap := models.SessionSnapshot{
		SessionID:        rec.SessionID,
		ProofType:        rec.ProofType,
		TargetURL:        rec.TargetURL,
		TargetIdentifier: rec.TargetIdentifier,
		Status:           models.StatusError,
		ActionData:       []models.ActionParseResult{},
		ErrorReason:      ReasonInterrupted,
		UpdatedAt:        e.opts.Now().UTC(),
	}

	if err := e.store.SaveProof(ctx, &models.ProofRecord{
		SessionID:   rec.SessionID,
		ProofType:   rec.ProofType,
		Status:      models.StatusError,
		ErrorReason: ReasonInterrupted,
		CreatedAt:   snap.UpdatedAt,
	}); err != nil {
		e.logger.Warn().Err(err).Str("session_id", rec.SessionID).Msg("Failed to record interrupted session")
	}
	if err := e.store.DeleteInflight(ctx, rec.SessionID); err != nil {
		e.logger.Warn().Err(err).Str("session_id", rec.SessionID).Msg("Failed to drop resumption record")
	}

	e.archive.Add(rec.SessionID, &archived{snapshot: snap})
	e.logger.Warn().
		Str("session_id", rec.SessionID).
		Str("previous_status", string(rec.Status)).
		Msg("Marked interrupted session as failed")
}

// Shutdown cancels every session, waits for their teardown, stops the submitter and closes remaining tabs.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.rootCancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	var errs []error
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for sessions: %w", ctx.Err()))
	}

	if e.submitter != nil {
		e.submitter.Stop()
	}
	if err := e.tabs.CloseAll(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// StartVerification creates a session and returns its id. The config is resolved first, so an unsupported
// platform or action fails with *proofconfig.ConfigNotFoundError and no session exists.
// Browser failures after this point end the session in the error state rather than failing the call.
func (e *Engine) StartVerification(ctx context.Context, req models.StartVerificationRequest) (string, error) {
	handler, err := e.registry.Resolve(req.Platform, req.ActionType)
	if err != nil {
		return "", err
	}

	target := strings.TrimSpace(req.TargetIdentifier)
	if target == "" {
		return "", fmt.Errorf("%w: targetIdentifier is required", ErrInvalidRequest)
	}

	targetURL := strings.TrimSpace(req.TargetURL)
	if targetURL == "" {
		targetURL = handler.ProfileURL(req.ViewerHandle)
		if targetURL == "" {
			return "", fmt.Errorf("%w: targetUrl or viewerHandle is required", ErrInvalidRequest)
		}
	} else if !handler.MatchesURL(targetURL) {
		return "", fmt.Errorf("%w: %s is not a %s page", ErrInvalidRequest, targetURL, handler.Type())
	}

	required := req.RequiredTargets
	if len(required) == 0 {
		required = []string{target}
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", ErrEngineClosed
	}
	r := e.newRunner(uuid.NewString(), handler, targetURL, target, required)
	e.sessions[r.id] = r
	e.wg.Add(1)
	e.mu.Unlock()

	go r.run()
	return r.id, nil
}

// CancelVerification asks a session to stop. Cancelling a finished session is a no-op.
func (e *Engine) CancelVerification(sessionID string) error {
	e.mu.RLock()
	r := e.sessions[sessionID]
	e.mu.RUnlock()

	if r == nil {
		if e.archive.Contains(sessionID) {
			return nil
		}
		return ErrSessionNotFound
	}
	r.post(session.Cancel())
	return nil
}

// Snapshot returns the latest state of a running or recently finished session.
func (e *Engine) Snapshot(sessionID string) (models.SessionSnapshot, error) {
	e.mu.RLock()
	r := e.sessions[sessionID]
	e.mu.RUnlock()

	if r != nil {
		return r.currentSnapshot(), nil
	}
	if a, ok := e.archive.Get(sessionID); ok {
		return a.snapshot, nil
	}
	return models.SessionSnapshot{}, ErrSessionNotFound
}

// Sessions lists the running sessions, oldest update first.
func (e *Engine) Sessions() []models.SessionSnapshot {
	e.mu.RLock()
	runners := make([]*runner, 0, len(e.sessions))
	for _, r := range e.sessions {
		runners = append(runners, r)
	}
	e.mu.RUnlock()

	out := make([]models.SessionSnapshot, 0, len(runners))
	for _, r := range runners {
		out = append(out, r.currentSnapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out
}

// Subscribe streams the snapshots of a session, starting with the current one. The channel is closed after
// the terminal snapshot once the session is torn down. A slow reader misses intermediate snapshots but never
// the terminal one. The returned func unsubscribes and is safe to call more than once.
func (e *Engine) Subscribe(sessionID string) (<-chan models.SessionSnapshot, func(), error) {
	e.mu.RLock()
	r := e.sessions[sessionID]
	e.mu.RUnlock()

	if r != nil {
		ch, cancel := r.subscribe()
		return ch, cancel, nil
	}
	if a, ok := e.archive.Get(sessionID); ok {
		ch := make(chan models.SessionSnapshot, 1)
		ch <- a.snapshot
		close(ch)
		return ch, func() {}, nil
	}
	return nil, nil, ErrSessionNotFound
}

// Evidence returns the task evidence of a completed session, falling back to the store for sessions no longer
// held in memory.
func (e *Engine) Evidence(ctx context.Context, sessionID string) (models.TaskEvidence, error) {
	e.mu.RLock()
	r := e.sessions[sessionID]
	e.mu.RUnlock()

	if r != nil {
		if ev := r.currentEvidence(); ev != nil {
			return *ev, nil
		}
		return models.TaskEvidence{}, ErrEvidenceUnavailable
	}
	if a, ok := e.archive.Get(sessionID); ok {
		if a.evidence != nil {
			return *a.evidence, nil
		}
		return models.TaskEvidence{}, ErrEvidenceUnavailable
	}

	if e.store != nil {
		rec, err := e.store.GetProof(ctx, sessionID)
		if err != nil {
			return models.TaskEvidence{}, err
		}
		if rec != nil {
			if len(rec.Evidence) == 0 {
				return models.TaskEvidence{}, ErrEvidenceUnavailable
			}
			var ev models.TaskEvidence
			if err := json.Unmarshal(rec.Evidence, &ev); err != nil {
				return models.TaskEvidence{}, fmt.Errorf("failed to decode stored evidence: %w", err)
			}
			return ev, nil
		}
	}
	return models.TaskEvidence{}, ErrSessionNotFound
}

// Interceptor exposes the routing table, mainly for its counters.
func (e *Engine) Interceptor() *interceptor.Interceptor { return e.interceptor }

// Tabs exposes the tab registry.
func (e *Engine) Tabs() *tabs.Manager { return e.tabs }

func (e *Engine) runnerForTab(tabID string) *runner {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.byTab[tabID]
}

func (e *Engine) bindTab(tabID string, r *runner) {
	e.mu.Lock()
	e.byTab[tabID] = r
	e.mu.Unlock()
}

// retire moves a torn-down session from the live maps into the archive.
func (e *Engine) retire(r *runner, tabID string, snap models.SessionSnapshot, evidence *models.TaskEvidence) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.archive.Add(r.id, &archived{snapshot: snap, evidence: evidence})
	delete(e.sessions, r.id)
	if tabID != "" && e.byTab[tabID] == r {
		delete(e.byTab, tabID)
	}
}

func (e *Engine) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), e.opts.StoreTimeout)
}
