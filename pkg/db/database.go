package db

import (
	"context"
	"time"

	"proof-capture-engine/pkg/models"
)

// SessionStore persists in-flight session resumption data and finished proofs.
type SessionStore interface {
	SaveInflight(ctx context.Context, record *models.ResumptionRecord) error
	DeleteInflight(ctx context.Context, sessionID string) error
	ListInflight(ctx context.Context) ([]*models.ResumptionRecord, error)
	SaveProof(ctx context.Context, record *models.ProofRecord) error
	GetProof(ctx context.Context, sessionID string) (*models.ProofRecord, error)
}

// SubmissionQueue is the durable queue of backend deliveries.
type SubmissionQueue interface {
	EnqueueSubmission(ctx context.Context, sub *models.PendingSubmission) error
	GetSubmission(ctx context.Context, sessionID string) (*models.PendingSubmission, error)
	GetDueSubmissions(ctx context.Context, now time.Time, limit int) ([]*models.PendingSubmission, error)
	ClaimSubmission(ctx context.Context, sessionID string) (bool, error)
	UpdateSubmissionStatus(ctx context.Context, sessionID string, status models.SubmissionStatus, attemptCount int, nextRetryTime time.Time, lastError string) error
	ResetProcessingSubmissions(ctx context.Context) (int64, error)
}

// NonceStore records request nonces for replay protection.
type NonceStore interface {
	HasSeenNonce(nonce string) (bool, error)
	SaveNonce(nonce string) error
	CleanupOldNonces(olderThan time.Time) error
}

// NewDatabase creates the SQLite store at dbPath.
func NewDatabase(dbPath string) (*CaptureDB, error) {
	return NewCaptureDB(dbPath)
}

// Ensure CaptureDB implements every store interface
var (
	_ SessionStore    = (*CaptureDB)(nil)
	_ SubmissionQueue = (*CaptureDB)(nil)
	_ NonceStore      = (*CaptureDB)(nil)
)
