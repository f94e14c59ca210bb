// Package models defines data structures for the Proof Capture Engine.
// This package contains the normalized proof data shared by the parsers, the session state machine,
// the evidence builder, persistence, and the API surfaces.
package models

import (
	"encoding/json"
	"time"
)

// ProofType identifies one platform+action pair, e.g. "X_LIKE".
type ProofType string

const (
	ProofTypeXLike    ProofType = "X_LIKE"
	ProofTypeXFollow  ProofType = "X_FOLLOW"
	ProofTypeXComment ProofType = "X_COMMENT"
)

// SessionStatus is the lifecycle state of a proof session.
type SessionStatus string

const (
	StatusIdle                 SessionStatus = "idle"
	StatusWaitingForNavigation SessionStatus = "waiting_for_navigation"
	StatusCapturingContext     SessionStatus = "capturing_context"
	StatusWaitingForAction     SessionStatus = "waiting_for_action"
	StatusCompleted            SessionStatus = "completed"
	StatusError                SessionStatus = "error"
)

// Terminal reports whether no further events are processed in this status.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Proof data

// NormalizedUser is a platform-agnostic identity snapshot of the actor (the "who").
// Only ID and Handle are expected to be present; everything else depends on what the platform exposed.
type NormalizedUser struct {
	ID             string     `json:"id"`                       // Platform user id
	Handle         string     `json:"handle"`                   // Screen name without the leading @
	DisplayName    string     `json:"displayName,omitempty"`    // Human readable name
	AvatarURL      string     `json:"avatarUrl,omitempty"`      // Profile image URL
	Verified       *bool      `json:"verified,omitempty"`       // Verified badge, nil when unknown
	FollowersCount *int       `json:"followersCount,omitempty"` // Follower count, nil when unknown
	FollowingCount *int       `json:"followingCount,omitempty"` // Following count, nil when unknown
	CreatedAt      *time.Time `json:"createdAt,omitempty"`      // Account creation date, nil when unknown
	ParseError     string     `json:"parseError,omitempty"`     // Diagnostic when the payload did not match
}

// Valid reports whether the snapshot identifies a user.
func (u NormalizedUser) Valid() bool {
	return u.ID != ""
}

// ActionKind describes what the items of an ActionParseResult are.
type ActionKind string

const (
	ActionKindTweets ActionKind = "tweets"
	ActionKindUsers  ActionKind = "users"
)

// ActionItem is one observed platform item: a liked tweet, a followed account, or a reply.
type ActionItem struct {
	ID           string `json:"id"`                     // Tweet id or user id
	Handle       string `json:"handle,omitempty"`       // Screen name for user items
	DisplayName  string `json:"displayName,omitempty"`  // Display name for user items
	Text         string `json:"text,omitempty"`         // Tweet text for tweet items
	AuthorHandle string `json:"authorHandle,omitempty"` // Tweet author for tweet items
	InReplyToID  string `json:"inReplyToId,omitempty"`  // Parent tweet id for replies
	IsTarget     bool   `json:"isTarget"`               // Whether this item satisfies the requested target
}

// ActionParseResult is the atomic "did the action happen" unit produced from one network payload.
type ActionParseResult struct {
	Kind        ActionKind   `json:"kind"`
	Items       []ActionItem `json:"items"`
	ProofResult bool         `json:"proofResult"`          // True iff the target was among Items
	TotalItems  int          `json:"totalItems"`           // Number of items seen in this payload
	ParseError  string       `json:"parseError,omitempty"` // Diagnostic when the payload did not match
}

// CompletedProof is the immutable output of a successful session.
type CompletedProof struct {
	Type        ProofType           `json:"type"`
	Platform    string              `json:"platform"`
	ContentType string              `json:"contentType"`
	Context     NormalizedUser      `json:"context"`
	Action      []ActionParseResult `json:"action"`
	Timestamp   time.Time           `json:"timestamp"`
	SessionID   string              `json:"sessionId"`
}

// EvidenceSummary is the count breakdown of a TaskEvidence.
type EvidenceSummary struct {
	Required  int `json:"required"`
	Found     int `json:"found"`
	Missing   int `json:"missing"`
	ItemsSeen int `json:"itemsSeen"`
}

// TaskEvidence is the validated comparison of a proof against a task's required targets.
type TaskEvidence struct {
	Proof           CompletedProof  `json:"proof"`
	RequiredTargets []string        `json:"requiredTargets"`
	FoundTargets    []string        `json:"foundTargets"`
	MissingTargets  []string        `json:"missingTargets"`
	IsValid         bool            `json:"isValid"`
	Summary         EvidenceSummary `json:"summary"`
	Digest          string          `json:"digest"` // Hex SHA-256 over the fields above
}

// SessionSnapshot is the read-only view of a session published to subscribers on every mutation.
type SessionSnapshot struct {
	SessionID        string              `json:"sessionId"`
	ProofType        ProofType           `json:"proofType"`
	TargetURL        string              `json:"targetUrl"`
	TargetIdentifier string              `json:"targetIdentifier"`
	TabID            string              `json:"tabId,omitempty"`
	Status           SessionStatus       `json:"status"`
	ContextData      *NormalizedUser     `json:"contextData"`
	ActionData       []ActionParseResult `json:"actionData"`
	ErrorReason      string              `json:"errorReason,omitempty"`
	Proof            *CompletedProof     `json:"proof,omitempty"`
	UpdatedAt        time.Time           `json:"updatedAt"`
}

// Persistence models

// ResumptionRecord is the minimal in-flight session data kept across restarts.
type ResumptionRecord struct {
	SessionID        string        `json:"session_id" db:"session_id"`
	ProofType        ProofType     `json:"proof_type" db:"proof_type"`
	TargetURL        string        `json:"target_url" db:"target_url"`
	TargetIdentifier string        `json:"target_identifier" db:"target_identifier"`
	Status           SessionStatus `json:"status" db:"status"`
	UpdatedAt        time.Time     `json:"updated_at" db:"updated_at"`
}

// ProofRecord stores a finished session's outcome and evidence for audit.
type ProofRecord struct {
	SessionID   string          `json:"session_id" db:"session_id"`
	ProofType   ProofType       `json:"proof_type" db:"proof_type"`
	Status      SessionStatus   `json:"status" db:"status"`
	ErrorReason string          `json:"error_reason" db:"error_reason"`
	Proof       json.RawMessage `json:"proof" db:"proof"`       // CompletedProof JSON, empty on failure
	Evidence    json.RawMessage `json:"evidence" db:"evidence"` // TaskEvidence JSON, empty on failure
	Digest      string          `json:"digest" db:"digest"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// SubmissionStatus is the delivery state of a backend submission.
type SubmissionStatus string

const (
	SubmissionPending    SubmissionStatus = "pending"
	SubmissionProcessing SubmissionStatus = "processing"
	SubmissionDelivered  SubmissionStatus = "delivered"
	SubmissionFailed     SubmissionStatus = "failed"
)

// PendingSubmission is a queued delivery of a proof and its evidence to the backend task API.
type PendingSubmission struct {
	SessionID     string           `json:"session_id" db:"session_id"`
	Payload       json.RawMessage  `json:"payload" db:"payload"` // SubmissionRequest JSON
	CreatedAt     time.Time        `json:"created_at" db:"created_at"`
	Status        SubmissionStatus `json:"status" db:"status"`
	AttemptCount  int              `json:"attempt_count" db:"attempt_count"`
	NextRetryTime time.Time        `json:"next_retry_time" db:"next_retry_time"`
	LastError     string           `json:"last_error" db:"last_error"`
}

// API Requests and Responses

// StartVerificationRequest asks the engine to verify one social action.
type StartVerificationRequest struct {
	Platform         string   `json:"platform"`                  // e.g. "x"
	ActionType       string   `json:"actionType"`                // follow, like, comment
	TargetIdentifier string   `json:"targetIdentifier"`          // Tweet id or account id/handle
	ViewerHandle     string   `json:"viewerHandle,omitempty"`    // Used to derive the page to open
	TargetURL        string   `json:"targetUrl,omitempty"`       // Overrides the derived page
	RequiredTargets  []string `json:"requiredTargets,omitempty"` // Defaults to [TargetIdentifier]
}

// StartVerificationResponse returns the id of the created session.
type StartVerificationResponse struct {
	SessionID string        `json:"sessionId"`
	Status    SessionStatus `json:"status"`
}

// SubmissionRequest is the body posted to the backend task API.
type SubmissionRequest struct {
	APIVersion     string         `json:"apiVersion"`
	SessionID      string         `json:"sessionId"`
	CompletedProof CompletedProof `json:"completedProof"`
	TaskEvidence   TaskEvidence   `json:"taskEvidence"`
}

// SubmissionResponse is the backend's acknowledgement.
type SubmissionResponse struct {
	Accepted  bool   `json:"accepted"`
	SessionID string `json:"sessionId"`
	Duplicate bool   `json:"duplicate"`
}

// Error Response

// ErrorResponse represents a standardized error response structure.
// Used to return consistent error information to API clients.
type ErrorResponse struct {
	Error ErrorDetails `json:"error"` // Detailed error information
}

// ErrorDetails contains specific error information including codes and messages.
type ErrorDetails struct {
	Code      string `json:"code"`                 // Machine-readable error code
	Message   string `json:"message"`              // Human-readable error message
	RequestID string `json:"request_id,omitempty"` // Request ID for tracing
}
