package db

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"proof-capture-engine/pkg/models"
)

func createTestCaptureDB(t *testing.T) *CaptureDB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test_capture.db")

	db, err := NewCaptureDB(dbPath)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func createTestResumptionRecord(id string, updatedAt time.Time) *models.ResumptionRecord {
	return &models.ResumptionRecord{
		SessionID:        id,
		ProofType:        models.ProofTypeXLike,
		TargetURL:        "https://x.com/alice/likes",
		TargetIdentifier: "7551115162124635447",
		Status:           models.StatusWaitingForNavigation,
		UpdatedAt:        updatedAt,
	}
}

func TestCaptureDB_InflightRoundTrip(t *testing.T) {
	db := createTestCaptureDB(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	if err := db.SaveInflight(ctx, createTestResumptionRecord("s2", now)); err != nil {
		t.Fatalf("Failed to save inflight session: %v", err)
	}
	if err := db.SaveInflight(ctx, createTestResumptionRecord("s1", now.Add(-time.Minute))); err != nil {
		t.Fatalf("Failed to save inflight session: %v", err)
	}

	// Upsert keeps one row per session
	updated := createTestResumptionRecord("s2", now.Add(time.Second))
	updated.Status = models.StatusWaitingForAction
	if err := db.SaveInflight(ctx, updated); err != nil {
		t.Fatalf("Failed to update inflight session: %v", err)
	}

	records, err := db.ListInflight(ctx)
	if err != nil {
		t.Fatalf("Failed to list inflight sessions: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(records))
	}
	if records[0].SessionID != "s1" {
		t.Errorf("Expected oldest record first, got %s", records[0].SessionID)
	}
	if records[1].Status != models.StatusWaitingForAction {
		t.Errorf("Expected updated status, got %s", records[1].Status)
	}
	if records[1].TargetURL != "https://x.com/alice/likes" {
		t.Errorf("Unexpected target URL %s", records[1].TargetURL)
	}

	if err := db.DeleteInflight(ctx, "s1"); err != nil {
		t.Fatalf("Failed to delete inflight session: %v", err)
	}
	if err := db.DeleteInflight(ctx, "s1"); err != nil {
		t.Fatalf("Deleting twice should not fail: %v", err)
	}

	records, err = db.ListInflight(ctx)
	if err != nil {
		t.Fatalf("Failed to list inflight sessions: %v", err)
	}
	if len(records) != 1 || records[0].SessionID != "s2" {
		t.Errorf("Expected only s2 to remain, got %+v", records)
	}
}

func TestCaptureDB_ProofRoundTrip(t *testing.T) {
	db := createTestCaptureDB(t)
	ctx := context.Background()

	missing, err := db.GetProof(ctx, "nope")
	if err != nil {
		t.Fatalf("Unexpected error for missing proof: %v", err)
	}
	if missing != nil {
		t.Error("Expected nil for missing proof")
	}

	proofJSON, _ := json.Marshal(models.CompletedProof{Type: models.ProofTypeXLike, SessionID: "s1"})
	record := &models.ProofRecord{
		SessionID: "s1",
		ProofType: models.ProofTypeXLike,
		Status:    models.StatusCompleted,
		Proof:     proofJSON,
		Evidence:  json.RawMessage(`{"isValid":true}`),
		Digest:    "abc",
		CreatedAt: time.Now(),
	}
	if err := db.SaveProof(ctx, record); err != nil {
		t.Fatalf("Failed to save proof: %v", err)
	}
	if err := db.SaveProof(ctx, record); err == nil {
		t.Error("Expected error when saving a session outcome twice")
	}

	got, err := db.GetProof(ctx, "s1")
	if err != nil {
		t.Fatalf("Failed to get proof: %v", err)
	}
	if got.Status != models.StatusCompleted || got.Digest != "abc" {
		t.Errorf("Unexpected record %+v", got)
	}
	if string(got.Evidence) != `{"isValid":true}` {
		t.Errorf("Unexpected evidence %s", got.Evidence)
	}

	var proof models.CompletedProof
	if err := json.Unmarshal(got.Proof, &proof); err != nil {
		t.Fatalf("Stored proof is not JSON: %v", err)
	}
	if proof.SessionID != "s1" {
		t.Errorf("Expected session s1, got %s", proof.SessionID)
	}

	failed := &models.ProofRecord{
		SessionID:   "s2",
		ProofType:   models.ProofTypeXFollow,
		Status:      models.StatusError,
		ErrorReason: "session timeout after 30s",
		CreatedAt:   time.Now(),
	}
	if err := db.SaveProof(ctx, failed); err != nil {
		t.Fatalf("Failed to save failed session: %v", err)
	}
	got, err = db.GetProof(ctx, "s2")
	if err != nil {
		t.Fatalf("Failed to get proof: %v", err)
	}
	if got.ErrorReason != "session timeout after 30s" || got.Proof != nil {
		t.Errorf("Unexpected failed record %+v", got)
	}
}

func TestCaptureDB_SubmissionQueue(t *testing.T) {
	db := createTestCaptureDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	due := &models.PendingSubmission{
		SessionID:     "due",
		Payload:       json.RawMessage(`{"sessionId":"due"}`),
		CreatedAt:     now.Add(-time.Minute),
		NextRetryTime: now.Add(-time.Second),
	}
	later := &models.PendingSubmission{
		SessionID:     "later",
		Payload:       json.RawMessage(`{"sessionId":"later"}`),
		CreatedAt:     now,
		NextRetryTime: now.Add(time.Hour),
	}
	for _, s := range []*models.PendingSubmission{due, later} {
		if err := db.EnqueueSubmission(ctx, s); err != nil {
			t.Fatalf("Failed to enqueue submission: %v", err)
		}
	}
	// Duplicate enqueue is ignored
	if err := db.EnqueueSubmission(ctx, due); err != nil {
		t.Fatalf("Duplicate enqueue should be ignored: %v", err)
	}

	subs, err := db.GetDueSubmissions(ctx, now, 10)
	if err != nil {
		t.Fatalf("Failed to get due submissions: %v", err)
	}
	if len(subs) != 1 || subs[0].SessionID != "due" {
		t.Fatalf("Expected only the due submission, got %+v", subs)
	}
	if subs[0].Status != models.SubmissionPending {
		t.Errorf("Expected pending status, got %s", subs[0].Status)
	}

	claimed, err := db.ClaimSubmission(ctx, "due")
	if err != nil || !claimed {
		t.Fatalf("Expected to claim submission, got %v %v", claimed, err)
	}
	claimed, err = db.ClaimSubmission(ctx, "due")
	if err != nil || claimed {
		t.Fatalf("Expected second claim to fail, got %v %v", claimed, err)
	}

	subs, err = db.GetDueSubmissions(ctx, now, 10)
	if err != nil {
		t.Fatalf("Failed to get due submissions: %v", err)
	}
	if len(subs) != 0 {
		t.Errorf("Claimed submissions must not be due, got %d", len(subs))
	}

	retryAt := now.Add(2 * time.Second)
	if err := db.UpdateSubmissionStatus(ctx, "due", models.SubmissionPending, 1, retryAt, "backend returned 503"); err != nil {
		t.Fatalf("Failed to update submission: %v", err)
	}
	got, err := db.GetSubmission(ctx, "due")
	if err != nil {
		t.Fatalf("Failed to get submission: %v", err)
	}
	if got.AttemptCount != 1 || got.LastError != "backend returned 503" {
		t.Errorf("Unexpected submission %+v", got)
	}

	subs, err = db.GetDueSubmissions(ctx, retryAt.Add(time.Second), 10)
	if err != nil {
		t.Fatalf("Failed to get due submissions: %v", err)
	}
	if len(subs) != 1 {
		t.Errorf("Expected retry to become due, got %d", len(subs))
	}

	missing, err := db.GetSubmission(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("Expected nil for missing submission, got %+v %v", missing, err)
	}
}

func TestCaptureDB_ResetProcessingSubmissions(t *testing.T) {
	db := createTestCaptureDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	sub := &models.PendingSubmission{SessionID: "s1", Payload: json.RawMessage(`{}`), CreatedAt: now, NextRetryTime: now}
	if err := db.EnqueueSubmission(ctx, sub); err != nil {
		t.Fatalf("Failed to enqueue submission: %v", err)
	}
	if _, err := db.ClaimSubmission(ctx, "s1"); err != nil {
		t.Fatalf("Failed to claim submission: %v", err)
	}

	n, err := db.ResetProcessingSubmissions(ctx)
	if err != nil {
		t.Fatalf("Failed to reset submissions: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 reset submission, got %d", n)
	}

	got, err := db.GetSubmission(ctx, "s1")
	if err != nil {
		t.Fatalf("Failed to get submission: %v", err)
	}
	if got.Status != models.SubmissionPending {
		t.Errorf("Expected pending after reset, got %s", got.Status)
	}
}

func TestCaptureDB_NonceOperations(t *testing.T) {
	db := createTestCaptureDB(t)
	nonce := "test_nonce_123"

	seen, err := db.HasSeenNonce(nonce)
	if err != nil {
		t.Fatalf("Failed to check nonce: %v", err)
	}
	if seen {
		t.Error("Expected nonce to not be seen initially")
	}

	if err := db.SaveNonce(nonce); err != nil {
		t.Fatalf("Failed to save nonce: %v", err)
	}

	seen, err = db.HasSeenNonce(nonce)
	if err != nil {
		t.Fatalf("Failed to check nonce: %v", err)
	}
	if !seen {
		t.Error("Expected nonce to be seen after saving")
	}

	// Saving the same nonce again is allowed
	if err := db.SaveNonce(nonce); err != nil {
		t.Fatalf("Failed to save nonce again: %v", err)
	}
}

func TestCaptureDB_CleanupOldNonces(t *testing.T) {
	db := createTestCaptureDB(t)

	if err := db.SaveNonce("old_nonce"); err != nil {
		t.Fatalf("Failed to save nonce: %v", err)
	}

	if err := db.CleanupOldNonces(time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("Failed to cleanup nonces: %v", err)
	}

	seen, err := db.HasSeenNonce("old_nonce")
	if err != nil {
		t.Fatalf("Failed to check nonce: %v", err)
	}
	if seen {
		t.Error("Expected old nonce to be removed")
	}
}

func TestCaptureDB_Ping(t *testing.T) {
	db := createTestCaptureDB(t)
	if err := db.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}
