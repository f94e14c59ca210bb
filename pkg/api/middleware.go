// Package api provides HTTP middleware components for the Proof Capture Engine daemon.
// Includes authentication, logging, CORS, request limiting, and health check functionality.
package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"proof-capture-engine/pkg/auth"
	"proof-capture-engine/pkg/db"
	"proof-capture-engine/pkg/logger"
	"proof-capture-engine/pkg/models"

	"github.com/google/uuid"
)

const (
	MaxRequestSize = 1 * 1024 * 1024 // Maximum allowed request size: 1MB
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Middleware provides HTTP middleware functionality with HMAC authentication and request logging.
type Middleware struct {
	hmacAuth *auth.HMACAuth // HMAC authenticator for request verification; nil or keyless disables auth
	nonces   db.NonceStore  // Replay protection store
}

// NewMiddleware creates a new middleware instance with HMAC authentication and a nonce store.
func NewMiddleware(hmacAuth *auth.HMACAuth, nonces db.NonceStore) *Middleware {
	return &Middleware{
		hmacAuth: hmacAuth,
		nonces:   nonces,
	}
}

// RequestLogging middleware logs HTTP request start and completion with timing.
// Automatically generates request IDs and tracks response status codes.
func (m *Middleware) RequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		r.Header.Set("X-Request-ID", requestID)
		w.Header().Set("X-Request-ID", requestID)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: 200}
		log := logger.WithRequestID(requestID)

		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote_addr", r.RemoteAddr).
			Str("user_agent", r.UserAgent()).
			Msg("Request started")

		next.ServeHTTP(wrapped, r)

		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.statusCode).
			Dur("duration", time.Since(start)).
			Msg("Request completed")
	})
}

// SizeLimit middleware restricts request body size to prevent resource exhaustion.
func (m *Middleware) SizeLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, MaxRequestSize)
		next.ServeHTTP(w, r)
	})
}

// HMACAuth middleware validates HMAC-SHA256 signatures and prevents replay attacks.
// Requests pass through unchecked when no API key is configured.
func (m *Middleware) HMACAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.hmacAuth.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		requestID := r.Header.Get("X-Request-ID")
		log := logger.WithRequestID(requestID)

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			m.writeError(w, http.StatusUnauthorized, "MISSING_AUTH", "Authorization header required", requestID)
			return
		}

		authInfo, err := auth.ParseAuthHeader(authHeader)
		if err != nil {
			log.Error().Err(err).Msg("Failed to parse auth header")
			m.writeError(w, http.StatusUnauthorized, "INVALID_AUTH", "Invalid authorization header", requestID)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				m.writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "Request body too large", requestID)
				return
			}
			log.Error().Err(err).Msg("Failed to read request body")
			m.writeError(w, http.StatusBadRequest, "READ_ERROR", "Failed to read request body", requestID)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		if err := m.checkNonce(authInfo.Nonce); err != nil {
			log.Error().Err(err).Str("nonce", authInfo.Nonce).Msg("Nonce replay detected")
			m.writeError(w, http.StatusUnauthorized, "REPLAY_ATTACK", "Nonce already seen", requestID)
			return
		}

		if err := m.hmacAuth.VerifySignature(r.Method, r.URL.EscapedPath(), body, authInfo); err != nil {
			log.Error().Err(err).Str("key_id", authInfo.KeyID).Msg("Signature verification failed")
			m.writeError(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "Signature verification failed", requestID)
			return
		}

		if m.nonces != nil {
			if err := m.nonces.SaveNonce(authInfo.Nonce); err != nil {
				// Not fatal: the signature already verified
				log.Error().Err(err).Msg("Failed to save nonce")
			}
		}

		r.Header.Set("X-Auth-KeyID", authInfo.KeyID)
		r.Header.Set("X-Auth-Timestamp", authInfo.Timestamp)
		r.Header.Set("X-Auth-Nonce", authInfo.Nonce)

		log.Debug().Str("key_id", authInfo.KeyID).Msg("Authentication successful")
		next.ServeHTTP(w, r)
	})
}

// CORS middleware adds Cross-Origin Resource Sharing headers for the local UI.
func (m *Middleware) CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// checkNonce returns an error if the nonce has been seen before.
func (m *Middleware) checkNonce(nonce string) error {
	if m.nonces == nil {
		return nil
	}
	seen, err := m.nonces.HasSeenNonce(nonce)
	if err != nil {
		return err
	}
	if seen {
		return fmt.Errorf("nonce already seen")
	}
	return nil
}

// writeError sends a standardized JSON error response to the client.
func (m *Middleware) writeError(w http.ResponseWriter, statusCode int, code, message, requestID string) {
	WriteError(w, statusCode, code, message, requestID)
}

// WriteError sends a standardized JSON error response.
// Includes structured error details with request ID for tracing.
func WriteError(w http.ResponseWriter, statusCode int, code, message, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResp := models.ErrorResponse{
		Error: models.ErrorDetails{
			Code:      code,
			Message:   message,
			RequestID: requestID,
		},
	}

	json.NewEncoder(w).Encode(errorResp)
}

// WriteJSON sends v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code and delegates to the wrapped writer.
func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the logging wrapper.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

// HealthCheck provides a simple liveness endpoint.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReadinessCheck provides a readiness probe that verifies every dependency responds.
// Returns 503 Service Unavailable naming the first failing dependency.
func ReadinessCheck(deps map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		for name, dep := range deps {
			if err := dep.Ping(ctx); err != nil {
				reqLogger := logger.WithRequestID(r.Header.Get("X-Request-ID"))
				reqLogger.Error().Err(err).Str("dependency", name).Msg("Readiness check failed")
				WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
					"status": name + " unavailable",
				})
				return
			}
		}

		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
