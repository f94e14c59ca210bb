// Package submitter delivers completed proofs and their evidence to the backend task API.
// Deliveries are queued durably, claimed by a pool of workers, signed with HMAC and retried
// with exponential backoff and jitter until they are delivered or fail permanently.
package submitter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"proof-capture-engine/pkg/auth"
	"proof-capture-engine/pkg/db"
	"proof-capture-engine/pkg/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	MaxRetryAttempts = 6
	BaseDelay        = 500 * time.Millisecond
	MaxDelay         = 30 * time.Second
	JitterMin        = 0.85
	JitterMax        = 1.15

	APIVersion      = "v1"
	SubmissionsPath = "/v1/submissions"
)

// Config tunes a WorkerPool. Zero values fall back to the package defaults.
type Config struct {
	BackendURL   string
	KeyID        string
	Workers      int
	PollInterval time.Duration
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
	Client       *http.Client
	Logger       zerolog.Logger
}

// Stats counts delivery outcomes since the pool was created.
type Stats struct {
	Enqueued  int
	Delivered int
	Retried   int
	Failed    int
}

// WorkerPool is the backend submission pool.
type WorkerPool struct {
	cfg    Config
	queue  db.SubmissionQueue
	signer *auth.HMACAuth
	client *http.Client
	logger zerolog.Logger
	now    func() time.Time

	jobQueue chan *models.PendingSubmission
	wake     chan struct{}

	mu      sync.Mutex
	stats   Stats
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewWorkerPool creates a pool delivering to cfg.BackendURL.
func NewWorkerPool(cfg Config, queue db.SubmissionQueue, signer *auth.HMACAuth) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = MaxDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = MaxRetryAttempts
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	cfg.BackendURL = strings.TrimRight(cfg.BackendURL, "/")

	return &WorkerPool{
		cfg:      cfg,
		queue:    queue,
		signer:   signer,
		client:   client,
		logger:   cfg.Logger,
		now:      time.Now,
		jobQueue: make(chan *models.PendingSubmission, cfg.Workers*2),
		wake:     make(chan struct{}, 1),
	}
}

// Enqueue stores a submission for the proof and wakes the dispatcher.
// Enqueueing the same session twice is a no-op.
func (wp *WorkerPool) Enqueue(ctx context.Context, proof models.CompletedProof, evidence models.TaskEvidence) error {
	payload, err := json.Marshal(models.SubmissionRequest{
		APIVersion:     APIVersion,
		SessionID:      proof.SessionID,
		CompletedProof: proof,
		TaskEvidence:   evidence,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal submission: %w", err)
	}

	now := wp.now().UTC()
	sub := &models.PendingSubmission{
		SessionID:     proof.SessionID,
		Payload:       payload,
		CreatedAt:     now,
		Status:        models.SubmissionPending,
		NextRetryTime: now,
	}
	if err := wp.queue.EnqueueSubmission(ctx, sub); err != nil {
		return fmt.Errorf("failed to enqueue submission: %w", err)
	}

	wp.mu.Lock()
	wp.stats.Enqueued++
	wp.mu.Unlock()
	wp.logger.Info().Str("session_id", proof.SessionID).Msg("Submission queued")

	select {
	case wp.wake <- struct{}{}:
	default:
	}
	return nil
}

// Start recovers submissions left in processing by a previous run and launches the workers.
func (wp *WorkerPool) Start(ctx context.Context) error {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.running {
		return nil
	}

	n, err := wp.queue.ResetProcessingSubmissions(ctx)
	if err != nil {
		return fmt.Errorf("failed to reset processing submissions: %w", err)
	}
	if n > 0 {
		wp.logger.Warn().Int64("count", n).Msg("Requeued submissions interrupted by shutdown")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	wp.cancel = cancel
	wp.running = true

	wp.logger.Info().Int("workers", wp.cfg.Workers).Str("backend", wp.cfg.BackendURL).Msg("Starting worker pool")

	for i := 0; i < wp.cfg.Workers; i++ {
		wp.wg.Add(1)
		go wp.worker(runCtx, i)
	}
	wp.wg.Add(1)
	go wp.dispatcher(runCtx)
	return nil
}

// Stop signals the dispatcher and all workers and waits for them to exit.
// A delivery in flight is abandoned and picked up again on the next Start.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if !wp.running {
		wp.mu.Unlock()
		return
	}
	wp.running = false
	cancel := wp.cancel
	wp.mu.Unlock()

	wp.logger.Info().Msg("Stopping worker pool")
	cancel()
	wp.wg.Wait()
}

// Stats returns a copy of the delivery counters.
func (wp *WorkerPool) Stats() Stats {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.stats
}

func (wp *WorkerPool) dispatcher(ctx context.Context) {
	defer wp.wg.Done()
	ticker := time.NewTicker(wp.cfg.PollInterval)
	defer ticker.Stop()

	for {
		wp.dispatchDue(ctx)

		select {
		case <-ctx.Done():
			wp.logger.Info().Msg("Worker pool dispatcher stopping")
			return
		case <-ticker.C:
		case <-wp.wake:
		}
	}
}

func (wp *WorkerPool) dispatchDue(ctx context.Context) {
	subs, err := wp.queue.GetDueSubmissions(ctx, wp.now().UTC(), wp.cfg.Workers*2)
	if err != nil {
		if ctx.Err() == nil {
			wp.logger.Error().Err(err).Msg("Failed to get due submissions")
		}
		return
	}

	for _, sub := range subs {
		claimed, err := wp.queue.ClaimSubmission(ctx, sub.SessionID)
		if err != nil {
			wp.logger.Error().Err(err).Str("session_id", sub.SessionID).Msg("Failed to claim submission")
			continue
		}
		if !claimed {
			continue
		}

		select {
		case wp.jobQueue <- sub:
		case <-ctx.Done():
			return
		}
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	defer wp.wg.Done()
	workerLogger := wp.logger.With().Int("worker_id", id).Logger()
	workerLogger.Debug().Msg("Worker started")
	defer workerLogger.Debug().Msg("Worker stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case sub := <-wp.jobQueue:
			wp.processSubmission(ctx, workerLogger, sub)
		}
	}
}

func (wp *WorkerPool) processSubmission(ctx context.Context, workerLogger zerolog.Logger, sub *models.PendingSubmission) {
	subLogger := workerLogger.With().
		Str("session_id", sub.SessionID).
		Int("attempt", sub.AttemptCount+1).
		Logger()

	statusCode, err := wp.Send(ctx, sub.Payload)
	if ctx.Err() != nil {
		// Left in processing; Start resets it on the next run
		return
	}

	if err == nil && statusCode >= 200 && statusCode < 300 {
		subLogger.Info().Int("status_code", statusCode).Msg("Submission delivered")
		wp.finish(ctx, subLogger, sub, models.SubmissionDelivered, sub.AttemptCount+1, "")
		wp.count(func(s *Stats) { s.Delivered++ })
		return
	}

	lastError := describeFailure(statusCode, err)
	attempts := sub.AttemptCount + 1
	retry := shouldRetry(statusCode, err) && attempts < wp.cfg.MaxAttempts

	subLogger.Error().
		Err(err).
		Int("status_code", statusCode).
		Bool("will_retry", retry).
		Msg("Submission failed")

	if !retry {
		wp.finish(ctx, subLogger, sub, models.SubmissionFailed, attempts, lastError)
		wp.count(func(s *Stats) { s.Failed++ })
		return
	}

	delay := wp.calculateBackoffDelay(attempts - 1)
	if err := wp.queue.UpdateSubmissionStatus(ctx, sub.SessionID, models.SubmissionPending, attempts, wp.now().Add(delay).UTC(), lastError); err != nil {
		subLogger.Error().Err(err).Msg("Failed to schedule retry")
		return
	}
	wp.count(func(s *Stats) { s.Retried++ })
	subLogger.Info().Dur("delay", delay).Msg("Retry scheduled")

	// Wake the dispatcher once the retry is due instead of waiting for the next poll
	time.AfterFunc(delay, func() {
		select {
		case wp.wake <- struct{}{}:
		default:
		}
	})
}

func (wp *WorkerPool) finish(ctx context.Context, subLogger zerolog.Logger, sub *models.PendingSubmission, status models.SubmissionStatus, attempts int, lastError string) {
	if err := wp.queue.UpdateSubmissionStatus(ctx, sub.SessionID, status, attempts, wp.now().UTC(), lastError); err != nil {
		subLogger.Error().Err(err).Str("status", string(status)).Msg("Failed to update submission status")
	}
}

func (wp *WorkerPool) count(f func(*Stats)) {
	wp.mu.Lock()
	f(&wp.stats)
	wp.mu.Unlock()
}

// Send posts one signed submission payload to the backend and returns the HTTP status code.
func (wp *WorkerPool) Send(ctx context.Context, payload []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wp.cfg.BackendURL+SubmissionsPath, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.New().String())

	if err := wp.signer.SignRequest(req, payload, wp.cfg.KeyID); err != nil {
		return 0, fmt.Errorf("failed to sign submission: %w", err)
	}

	resp, err := wp.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	// The backend answers 409 for a session it already holds
	if resp.StatusCode == http.StatusConflict {
		return http.StatusOK, nil
	}
	return resp.StatusCode, nil
}

func describeFailure(statusCode int, err error) string {
	if err != nil {
		return err.Error()
	}
	return fmt.Sprintf("backend returned %d", statusCode)
}

// shouldRetry retries network errors, 429 and 5xx; other 4xx are permanent.
func shouldRetry(statusCode int, err error) bool {
	if err != nil {
		return !errors.Is(err, auth.ErrUnknownKey)
	}
	if statusCode == http.StatusTooManyRequests {
		return true
	}
	return statusCode >= 500
}

func (wp *WorkerPool) calculateBackoffDelay(attempt int) time.Duration {
	// Exponential backoff: delay = min(max, base * 2^attempt)
	delay := wp.cfg.BaseDelay * time.Duration(math.Pow(2, float64(attempt)))
	if delay > wp.cfg.MaxDelay {
		delay = wp.cfg.MaxDelay
	}

	// Add jitter: delay * random(0.85, 1.15)
	jitter := JitterMin + rand.Float64()*(JitterMax-JitterMin)
	return time.Duration(float64(delay) * jitter)
}
