// Package db provides the SQLite storage layer for the Proof Capture Engine.
// It keeps in-flight session resumption data, finished proofs with their evidence,
// the backend submission queue and seen request nonces.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"proof-capture-engine/pkg/models"

	_ "github.com/mattn/go-sqlite3"
)

// CaptureDB provides database operations for the capture daemon.
type CaptureDB struct {
	db *sql.DB // SQLite database connection
}

// NewCaptureDB creates and initializes a new database instance.
// Opens SQLite connection, enables WAL mode for better concurrency, and creates required tables.
func NewCaptureDB(dbPath string) (*CaptureDB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrent access and set busy timeout
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	cdb := &CaptureDB{db: db}
	if err := cdb.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return cdb, nil
}

// createTables initializes all required database tables.
func (c *CaptureDB) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS inflight_sessions (
			session_id TEXT PRIMARY KEY,
			proof_type TEXT NOT NULL,
			target_url TEXT NOT NULL,
			target_identifier TEXT NOT NULL,
			status TEXT NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS proofs (
			session_id TEXT PRIMARY KEY,
			proof_type TEXT NOT NULL,
			status TEXT NOT NULL,
			error_reason TEXT,
			proof TEXT,
			evidence TEXT,
			digest TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS submissions (
			session_id TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			status TEXT NOT NULL DEFAULT 'pending',
			attempt_count INTEGER DEFAULT 0,
			next_retry_time TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			last_error TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS seen_nonces (
			nonce TEXT PRIMARY KEY,
			seen_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS ix_submissions_status_retry ON submissions(status, next_retry_time)`,
		`CREATE INDEX IF NOT EXISTS ix_seen_nonces_seen_at ON seen_nonces(seen_at)`,
	}

	for _, query := range queries {
		if _, err := c.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query %s: %w", query, err)
		}
	}

	return nil
}

// SaveInflight upserts the resumption record of a running session.
func (c *CaptureDB) SaveInflight(ctx context.Context, record *models.ResumptionRecord) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO inflight_sessions (session_id, proof_type, target_url, target_identifier, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		record.SessionID, record.ProofType, record.TargetURL, record.TargetIdentifier,
		record.Status, record.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save inflight session: %w", err)
	}
	return nil
}

// DeleteInflight removes a resumption record. Deleting a missing record is not an error.
func (c *CaptureDB) DeleteInflight(ctx context.Context, sessionID string) error {
	if _, err := c.db.ExecContext(ctx, "DELETE FROM inflight_sessions WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("failed to delete inflight session: %w", err)
	}
	return nil
}

// ListInflight returns every resumption record, oldest first.
func (c *CaptureDB) ListInflight(ctx context.Context) ([]*models.ResumptionRecord, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT session_id, proof_type, target_url, target_identifier, status, updated_at
		FROM inflight_sessions ORDER BY updated_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list inflight sessions: %w", err)
	}
	defer rows.Close()

	var records []*models.ResumptionRecord
	for rows.Next() {
		var r models.ResumptionRecord
		if err := rows.Scan(&r.SessionID, &r.ProofType, &r.TargetURL, &r.TargetIdentifier, &r.Status, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan inflight session: %w", err)
		}
		records = append(records, &r)
	}
	return records, rows.Err()
}

// SaveProof stores the outcome of a finished session. A session's outcome is written once.
func (c *CaptureDB) SaveProof(ctx context.Context, record *models.ProofRecord) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO proofs (session_id, proof_type, status, error_reason, proof, evidence, digest, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		record.SessionID, record.ProofType, record.Status, record.ErrorReason,
		string(record.Proof), string(record.Evidence), record.Digest, record.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save proof: %w", err)
	}
	return nil
}

// GetProof returns a stored outcome, or nil if the session has none.
func (c *CaptureDB) GetProof(ctx context.Context, sessionID string) (*models.ProofRecord, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT session_id, proof_type, status, error_reason, proof, evidence, digest, created_at
		FROM proofs WHERE session_id = ?`, sessionID)

	var r models.ProofRecord
	var errorReason, proofText, evidenceText, digest sql.NullString
	err := row.Scan(&r.SessionID, &r.ProofType, &r.Status, &errorReason, &proofText, &evidenceText, &digest, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get proof: %w", err)
	}

	r.ErrorReason = errorReason.String
	r.Digest = digest.String
	if proofText.String != "" {
		r.Proof = []byte(proofText.String)
	}
	if evidenceText.String != "" {
		r.Evidence = []byte(evidenceText.String)
	}
	return &r, nil
}

// EnqueueSubmission adds a delivery to the queue. Enqueueing the same session twice is ignored.
func (c *CaptureDB) EnqueueSubmission(ctx context.Context, sub *models.PendingSubmission) error {
	status := sub.Status
	if status == "" {
		status = models.SubmissionPending
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO submissions (session_id, payload, created_at, status, attempt_count, next_retry_time, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sub.SessionID, string(sub.Payload), sub.CreatedAt.UTC(), status,
		sub.AttemptCount, sub.NextRetryTime.UTC(), sub.LastError)
	if err != nil {
		return fmt.Errorf("failed to enqueue submission: %w", err)
	}
	return nil
}

const submissionColumns = `session_id, payload, created_at, status, attempt_count, next_retry_time, last_error`

func scanSubmission(scan func(dest ...any) error) (*models.PendingSubmission, error) {
	var s models.PendingSubmission
	var payload string
	var lastError sql.NullString
	if err := scan(&s.SessionID, &payload, &s.CreatedAt, &s.Status, &s.AttemptCount, &s.NextRetryTime, &lastError); err != nil {
		return nil, err
	}
	s.Payload = []byte(payload)
	s.LastError = lastError.String
	return &s, nil
}

// GetSubmission returns a queued delivery, or nil if there is none.
func (c *CaptureDB) GetSubmission(ctx context.Context, sessionID string) (*models.PendingSubmission, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE session_id = ?`, sessionID)
	s, err := scanSubmission(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get submission: %w", err)
	}
	return s, nil
}

// GetDueSubmissions returns pending deliveries whose retry time has passed, oldest first.
func (c *CaptureDB) GetDueSubmissions(ctx context.Context, now time.Time, limit int) ([]*models.PendingSubmission, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT `+submissionColumns+`
		FROM submissions
		WHERE status = ? AND next_retry_time <= ?
		ORDER BY created_at ASC
		LIMIT ?`, models.SubmissionPending, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get due submissions: %w", err)
	}
	defer rows.Close()

	var subs []*models.PendingSubmission
	for rows.Next() {
		s, err := scanSubmission(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan submission: %w", err)
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

// ClaimSubmission moves a pending delivery to processing. It reports false if another worker got there first.
func (c *CaptureDB) ClaimSubmission(ctx context.Context, sessionID string) (bool, error) {
	res, err := c.db.ExecContext(ctx, `UPDATE submissions SET status = ? WHERE session_id = ? AND status = ?`,
		models.SubmissionProcessing, sessionID, models.SubmissionPending)
	if err != nil {
		return false, fmt.Errorf("failed to claim submission: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim submission: %w", err)
	}
	return n == 1, nil
}

// UpdateSubmissionStatus records the result of a delivery attempt.
func (c *CaptureDB) UpdateSubmissionStatus(ctx context.Context, sessionID string, status models.SubmissionStatus, attemptCount int, nextRetryTime time.Time, lastError string) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE submissions
		SET status = ?, attempt_count = ?, next_retry_time = ?, last_error = ?
		WHERE session_id = ?`, status, attemptCount, nextRetryTime.UTC(), lastError, sessionID)
	if err != nil {
		return fmt.Errorf("failed to update submission status: %w", err)
	}
	return nil
}

// ResetProcessingSubmissions returns deliveries interrupted by a restart to the pending state.
func (c *CaptureDB) ResetProcessingSubmissions(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx, `UPDATE submissions SET status = ? WHERE status = ?`,
		models.SubmissionPending, models.SubmissionProcessing)
	if err != nil {
		return 0, fmt.Errorf("failed to reset submissions: %w", err)
	}
	return res.RowsAffected()
}

func (c *CaptureDB) HasSeenNonce(nonce string) (bool, error) {
	var count int
	err := c.db.QueryRow("SELECT COUNT(*) FROM seen_nonces WHERE nonce = ?", nonce).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check nonce: %w", err)
	}
	return count > 0, nil
}

func (c *CaptureDB) SaveNonce(nonce string) error {
	_, err := c.db.Exec("INSERT OR IGNORE INTO seen_nonces (nonce, seen_at) VALUES (?, ?)",
		nonce, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save nonce: %w", err)
	}
	return nil
}

func (c *CaptureDB) CleanupOldNonces(olderThan time.Time) error {
	_, err := c.db.Exec("DELETE FROM seen_nonces WHERE seen_at < ?", olderThan.UTC())
	if err != nil {
		return fmt.Errorf("failed to cleanup old nonces: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable.
func (c *CaptureDB) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *CaptureDB) Close() error {
	return c.db.Close()
}
