package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"proof-capture-engine/internal/interceptor"
	"proof-capture-engine/internal/session"
	"proof-capture-engine/pkg/logger"
	"proof-capture-engine/pkg/models"
	"proof-capture-engine/pkg/proofconfig"

	"github.com/rs/zerolog"
)

const (
	eventBuffer      = 64
	subscriberBuffer = 16
	closeTimeout     = 5 * time.Second
)

// runner drives one session. Fields in the first block are only touched by the run goroutine.
type runner struct {
	e        *Engine
	id       string
	handler  proofconfig.Handler
	machine  *session.Machine
	target   string
	url      string
	required []string
	logger   zerolog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	events  chan session.Event
	stopped chan struct{}

	timeout *time.Timer
	grace   *time.Timer
	aux     sync.WaitGroup

	teardownOnce sync.Once

	mu          sync.Mutex
	watch       []string
	sub         *interceptor.Subscription
	tabID       string
	snapshot    models.SessionSnapshot
	evidence    *models.TaskEvidence
	subscribers map[int]chan models.SessionSnapshot
	nextSub     int
	final       bool
}

func (e *Engine) newRunner(id string, handler proofconfig.Handler, targetURL, target string, required []string) *runner {
	ctx, cancel := context.WithCancel(e.rootCtx)
	r := &runner{
		e:        e,
		id:       id,
		handler:  handler,
		target:   target,
		url:      targetURL,
		required: required,
		logger:   logger.WithSessionID(e.logger, id),
		machine: session.New(session.Config{
			SessionID:          id,
			Handler:            handler,
			TargetURL:          targetURL,
			TargetIdentifier:   target,
			MaxContextAttempts: e.opts.MaxContextAttempts,
			MaxActionPages:     e.opts.MaxActionPages,
			MaxParseFailures:   e.opts.MaxParseFailures,
			Now:                e.opts.Now,
		}),
		ctx:         ctx,
		cancel:      cancel,
		events:      make(chan session.Event, eventBuffer),
		stopped:     make(chan struct{}),
		subscribers: make(map[int]chan models.SessionSnapshot),
	}
	r.snapshot = r.machine.Snapshot()
	return r
}

func (r *runner) run() {
	defer r.e.wg.Done()

	r.logger.Info().
		Str("proof_type", string(r.handler.Type())).
		Str("target_url", r.url).
		Str("target", r.target).
		Msg("Session started")

	r.apply(r.machine.Handle(session.Start()))

	budget := r.e.opts.SessionTimeout
	r.timeout = time.AfterFunc(budget, func() { r.post(session.Timeout(budget)) })

	// The tab opens off the event loop so Cancel and Timeout stay responsive during a slow navigation.
	r.aux.Add(1)
	go func() {
		defer r.aux.Done()
		if err := r.openTab(); err != nil {
			if r.ctx.Err() != nil {
				return
			}
			r.logger.Error().Err(err).Msg("Failed to open capture tab")
			r.post(session.TabClosed(err))
		}
	}()

	for !r.machine.Status().Terminal() {
		select {
		case ev := <-r.events:
			r.logger.Debug().Str("event", ev.Kind.String()).Msg("Handling event")
			r.apply(r.machine.Handle(ev))
		case <-r.ctx.Done():
			r.apply(r.machine.Handle(session.Fail(ErrShuttingDown)))
		}
	}

	close(r.stopped)
	r.teardown()
}

// post queues an event for the run goroutine. Events arriving after the session stopped are dropped.
func (r *runner) post(ev session.Event) bool {
	select {
	case r.events <- ev:
		return true
	case <-r.stopped:
		return false
	}
}

func (r *runner) openTab() error {
	tabID, err := r.e.tabs.OpenTabWith(r.ctx, r.url, r.target, func(tabID string) error {
		if err := r.e.tabs.Bind(tabID, r.id); err != nil {
			return err
		}
		r.e.bindTab(tabID, r)

		r.mu.Lock()
		defer r.mu.Unlock()
		r.tabID = tabID
		r.snapshot.TabID = tabID
		r.sub = r.e.interceptor.StartWatching(tabID, r.watch, r.onMatch)
		return nil
	})
	if err != nil {
		return err
	}

	tabLogger := logger.WithTabID(r.logger, tabID)
	if err := r.e.tabs.AwaitLoad(r.ctx, tabID); err != nil {
		if r.ctx.Err() == nil {
			tabLogger.Warn().Err(err).Msg("Capture tab did not finish loading")
		}
		return nil
	}
	tabLogger.Debug().Msg("Capture tab settled")
	return nil
}

func (r *runner) onMatch(m interceptor.Match) {
	if m.Err != nil {
		r.post(session.DecodeFailure(m.Identifier, m.Err))
		return
	}
	r.post(session.NetworkMatch(m.Identifier, m.Payload))
}

// apply performs the side effects of one machine step.
func (r *runner) apply(out session.Outcome) {
	if out.Watch != nil {
		r.mu.Lock()
		r.watch = out.Watch
		if r.sub != nil && len(out.Watch) > 0 {
			r.sub.SetIdentifiers(out.Watch...)
		}
		r.mu.Unlock()
	}

	if out.DisarmGrace && r.grace != nil {
		r.grace.Stop()
		r.grace = nil
	}
	if out.ArmGrace && !out.Terminal {
		if r.grace != nil {
			r.grace.Stop()
		}
		r.logger.Info().Dur("grace", r.e.opts.GracePeriod).Msg("Tab left the capture page")
		r.grace = time.AfterFunc(r.e.opts.GracePeriod, func() { r.post(session.GraceExpired()) })
	}

	if out.Scroll {
		r.nudge()
	}

	if !out.Changed {
		return
	}

	snap := r.machine.Snapshot()
	if out.Terminal {
		r.finish(snap, out.Proof)
	} else {
		r.saveInflight(snap)
	}

	r.mu.Lock()
	snap.TabID = r.tabID
	r.snapshot = snap
	for _, ch := range r.subscribers {
		offer(ch, snap)
	}
	r.mu.Unlock()
}

// finish records the outcome of a session that just reached a terminal state.
func (r *runner) finish(snap models.SessionSnapshot, proof *models.CompletedProof) {
	record := &models.ProofRecord{
		SessionID:   r.id,
		ProofType:   snap.ProofType,
		Status:      snap.Status,
		ErrorReason: snap.ErrorReason,
		CreatedAt:   snap.UpdatedAt,
	}

	if proof != nil {
		evidence := r.e.validator.BuildEvidence(*proof, r.required)
		r.mu.Lock()
		r.evidence = &evidence
		r.mu.Unlock()

		record.Proof, _ = json.Marshal(proof)
		record.Evidence, _ = json.Marshal(evidence)
		record.Digest = evidence.Digest

		r.logger.Info().
			Bool("valid", evidence.IsValid).
			Int("found", evidence.Summary.Found).
			Int("required", evidence.Summary.Required).
			Str("digest", evidence.Digest).
			Msg("Proof captured")

		if r.e.submitter != nil {
			ctx, cancel := r.e.storeContext()
			if err := r.e.submitter.Enqueue(ctx, *proof, evidence); err != nil {
				r.logger.Error().Err(err).Msg("Failed to queue submission")
			}
			cancel()
		}
	} else {
		r.logger.Warn().Str("reason", snap.ErrorReason).Msg("Session failed")
	}

	if r.e.store != nil {
		ctx, cancel := r.e.storeContext()
		defer cancel()
		if err := r.e.store.SaveProof(ctx, record); err != nil {
			r.logger.Error().Err(err).Msg("Failed to persist session outcome")
		}
	}
}

func (r *runner) saveInflight(snap models.SessionSnapshot) {
	if r.e.store == nil {
		return
	}
	ctx, cancel := r.e.storeContext()
	defer cancel()
	err := r.e.store.SaveInflight(ctx, &models.ResumptionRecord{
		SessionID:        r.id,
		ProofType:        snap.ProofType,
		TargetURL:        snap.TargetURL,
		TargetIdentifier: snap.TargetIdentifier,
		Status:           snap.Status,
		UpdatedAt:        snap.UpdatedAt,
	})
	if err != nil {
		r.logger.Warn().Err(err).Msg("Failed to persist resumption record")
	}
}

func (r *runner) nudge() {
	r.mu.Lock()
	tabID := r.tabID
	r.mu.Unlock()
	if tabID == "" {
		return
	}

	r.aux.Add(1)
	go func() {
		defer r.aux.Done()
		scrolled, err := r.e.tabs.Nudge(r.ctx, tabID)
		switch {
		case err != nil && r.ctx.Err() == nil:
			r.logger.Warn().Err(err).Msg("Failed to load more items")
		case scrolled:
			r.logger.Debug().Msg("Scrolled for more items")
		}
	}()
}

// teardown releases everything the session holds. It runs exactly once.
func (r *runner) teardown() {
	r.teardownOnce.Do(func() {
		if r.timeout != nil {
			r.timeout.Stop()
		}
		if r.grace != nil {
			r.grace.Stop()
		}
		r.cancel()
		// Waiting first guarantees a tab still being opened is recorded before it is closed.
		r.aux.Wait()

		r.mu.Lock()
		sub := r.sub
		tabID := r.tabID
		snap := r.snapshot
		evidence := r.evidence
		r.mu.Unlock()

		r.e.interceptor.StopWatching(sub)

		if tabID != "" {
			r.e.tabs.Release(tabID, r.id)
			ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
			if err := r.e.tabs.CloseTab(ctx, tabID); err != nil {
				r.logger.Warn().Err(err).Msg("Failed to close capture tab")
			}
			cancel()
		}

		if r.e.store != nil {
			ctx, cancel := r.e.storeContext()
			if err := r.e.store.DeleteInflight(ctx, r.id); err != nil {
				r.logger.Warn().Err(err).Msg("Failed to drop resumption record")
			}
			cancel()
		}

		r.e.retire(r, tabID, snap, evidence)
		r.closeSubscribers()

		r.logger.Info().Str("status", string(snap.Status)).Msg("Session torn down")
	})
}

func (r *runner) currentSnapshot() models.SessionSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot
}

func (r *runner) currentEvidence() *models.TaskEvidence {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evidence
}

func (r *runner) subscribe() (<-chan models.SessionSnapshot, func()) {
	ch := make(chan models.SessionSnapshot, subscriberBuffer)

	r.mu.Lock()
	defer r.mu.Unlock()

	ch <- r.snapshot
	if r.final {
		close(ch)
		return ch, func() {}
	}

	id := r.nextSub
	r.nextSub++
	r.subscribers[id] = ch

	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if sub, ok := r.subscribers[id]; ok {
			delete(r.subscribers, id)
			close(sub)
		}
	}
}

func (r *runner) closeSubscribers() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.final = true
	for id, ch := range r.subscribers {
		close(ch)
		delete(r.subscribers, id)
	}
}

// offer delivers snap without blocking, evicting the oldest queued snapshot when the reader is behind.
// The caller holds the runner lock, so it is the only sender.
func offer(ch chan models.SessionSnapshot, snap models.SessionSnapshot) {
	select {
	case ch <- snap:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}
