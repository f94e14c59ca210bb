// Package auth provides HMAC-SHA256 request signing for the Proof Capture Engine.
// The same scheme protects the daemon's mutating API routes and signs proof submissions
// sent to the backend task API, with nonce-based replay protection and clock skew tolerance.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	AuthHeaderPrefix = "PCE-HMAC-SHA256" // HTTP Authorization header prefix for this auth scheme
	DefaultClockSkew = 300               // Default clock skew tolerance: 300 seconds = 5 minutes
)

// ErrUnknownKey is returned when signing or verifying with a key id that has no secret.
var ErrUnknownKey = errors.New("unknown keyId")

// HMACAuth manages HMAC-SHA256 authentication with multiple key support.
// Handles both signing outbound requests and verifying inbound requests.
type HMACAuth struct {
	mu        sync.RWMutex
	secrets   map[string]string // Map of keyId to secret for multi-key support
	clockSkew time.Duration     // Maximum allowed time difference between request and verification
	now       func() time.Time
}

// AuthHeader represents the parsed components of an HMAC authentication header.
type AuthHeader struct {
	KeyID     string // Identifier for the signing key
	Timestamp string // Unix timestamp when request was signed
	Nonce     string // Unique identifier to prevent replay attacks
	Signature string // HMAC-SHA256 signature of the canonical request string
}

// NewHMACAuth creates a new HMAC authenticator with the provided secrets and clock skew.
// If clockSkew is 0, uses the default 5-minute tolerance.
func NewHMACAuth(secrets map[string]string, clockSkew time.Duration) *HMACAuth {
	if clockSkew == 0 {
		clockSkew = DefaultClockSkew * time.Second
	}
	copied := make(map[string]string, len(secrets))
	for k, v := range secrets {
		copied[k] = v
	}
	return &HMACAuth{
		secrets:   copied,
		clockSkew: clockSkew,
		now:       time.Now,
	}
}

// AddSecret adds or updates a signing secret for the given key ID.
func (h *HMACAuth) AddSecret(keyID, secret string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.secrets[keyID] = secret
}

// Enabled reports whether any key is configured.
func (h *HMACAuth) Enabled() bool {
	if h == nil {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.secrets) > 0
}

func (h *HMACAuth) secret(keyID string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.secrets[keyID]
	return s, ok
}

// BodySHA256Hex computes the SHA-256 hash of the request body and returns it as a hex string.
func BodySHA256Hex(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// CanonicalString creates the standardized string representation of a request for signing.
// Combines HTTP method, path, timestamp, nonce, and body hash, one per line.
func CanonicalString(method, path, ts, nonce, bodyHex string) string {
	return strings.Join([]string{
		strings.ToUpper(method),
		path, // EscapedPath only, no querystring
		ts,
		nonce,
		bodyHex,
	}, "\n")
}

// ComputeSignature generates an HMAC-SHA256 signature for the given request parameters.
func ComputeSignature(method, path string, body []byte, ts, nonce, secret string) string {
	canonical := CanonicalString(method, path, ts, nonce, BodySHA256Hex(body))
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// CreateAuthHeader generates a complete Authorization header for the given request.
// Returns empty string if the keyID is not found in the secrets map.
func (h *HMACAuth) CreateAuthHeader(method, path string, body []byte, keyID, nonce string) string {
	secret, exists := h.secret(keyID)
	if !exists {
		return ""
	}

	ts := strconv.FormatInt(h.now().Unix(), 10)
	sig := ComputeSignature(method, path, body, ts, nonce, secret)

	return fmt.Sprintf("%s keyId=%s,ts=%s,nonce=%s,sig=%s",
		AuthHeaderPrefix, keyID, ts, nonce, sig)
}

// SignRequest sets the Authorization header of an outbound request using a fresh nonce.
// body must be the exact bytes the request will send.
func (h *HMACAuth) SignRequest(req *http.Request, body []byte, keyID string) error {
	header := h.CreateAuthHeader(req.Method, req.URL.EscapedPath(), body, keyID, uuid.NewString())
	if header == "" {
		return fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
	}
	req.Header.Set("Authorization", header)
	return nil
}

// ParseAuthHeader parses an Authorization header into its component parts.
// Returns an error if the header format is invalid or required fields are missing.
func ParseAuthHeader(authHeader string) (*AuthHeader, error) {
	if !strings.HasPrefix(authHeader, AuthHeaderPrefix+" ") {
		return nil, fmt.Errorf("invalid auth header prefix")
	}

	parts := strings.TrimPrefix(authHeader, AuthHeaderPrefix+" ")
	auth := &AuthHeader{}

	for _, pair := range strings.Split(parts, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}

		value := strings.TrimSpace(kv[1])
		switch strings.TrimSpace(kv[0]) {
		case "keyId":
			auth.KeyID = value
		case "ts":
			auth.Timestamp = value
		case "nonce":
			auth.Nonce = value
		case "sig":
			auth.Signature = value
		}
	}

	if auth.KeyID == "" || auth.Timestamp == "" || auth.Nonce == "" || auth.Signature == "" {
		return nil, fmt.Errorf("missing required auth header fields")
	}

	return auth, nil
}

// VerifySignature validates an incoming request's HMAC signature.
// Checks key existence and timestamp freshness, then compares signatures in constant time.
func (h *HMACAuth) VerifySignature(method, path string, body []byte, auth *AuthHeader) error {
	secret, exists := h.secret(auth.KeyID)
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownKey, auth.KeyID)
	}

	ts, err := strconv.ParseInt(auth.Timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp: %s", auth.Timestamp)
	}

	now := h.now().Unix()
	if abs(now-ts) > int64(h.clockSkew.Seconds()) {
		return fmt.Errorf("timestamp outside allowed skew: %d vs %d", ts, now)
	}

	expectedSig := ComputeSignature(method, path, body, auth.Timestamp, auth.Nonce, secret)
	if !hmac.Equal([]byte(expectedSig), []byte(auth.Signature)) {
		return fmt.Errorf("signature mismatch")
	}

	return nil
}

func abs(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}
