// Package server exposes the capture engine to the local UI over HTTP and a WebSocket snapshot stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"proof-capture-engine/internal/engine"
	"proof-capture-engine/pkg/api"
	"proof-capture-engine/pkg/logger"
	"proof-capture-engine/pkg/models"
	"proof-capture-engine/pkg/proofconfig"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Engine is the part of the capture engine the API serves.
type Engine interface {
	StartVerification(ctx context.Context, req models.StartVerificationRequest) (string, error)
	CancelVerification(sessionID string) error
	Snapshot(sessionID string) (models.SessionSnapshot, error)
	Sessions() []models.SessionSnapshot
	Subscribe(sessionID string) (<-chan models.SessionSnapshot, func(), error)
	Evidence(ctx context.Context, sessionID string) (models.TaskEvidence, error)
}

// Server routes API requests to the engine.
type Server struct {
	engine     Engine
	middleware *api.Middleware
	readiness  map[string]api.Pinger
	logger     zerolog.Logger
}

// New creates a server. readiness lists the dependencies probed by /readyz.
func New(eng Engine, middleware *api.Middleware, readiness map[string]api.Pinger, lg zerolog.Logger) *Server {
	return &Server{
		engine:     eng,
		middleware: middleware,
		readiness:  readiness,
		logger:     lg,
	}
}

// Handler builds the router. Mutating routes go through HMAC authentication.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(s.middleware.RequestLogging)

	router.HandleFunc("/healthz", api.HealthCheck).Methods("GET")
	router.HandleFunc("/readyz", api.ReadinessCheck(s.readiness)).Methods("GET")

	v1 := router.PathPrefix("/v1/verifications").Subrouter()
	v1.Use(s.middleware.SizeLimit)
	v1.Handle("", s.middleware.HMACAuth(http.HandlerFunc(s.handleStart))).Methods("POST")
	v1.HandleFunc("", s.handleList).Methods("GET")
	v1.HandleFunc("/{id}", s.handleGet).Methods("GET")
	v1.Handle("/{id}", s.middleware.HMACAuth(http.HandlerFunc(s.handleCancel))).Methods("DELETE")
	v1.HandleFunc("/{id}/evidence", s.handleEvidence).Methods("GET")
	v1.HandleFunc("/{id}/events", s.handleEvents).Methods("GET")

	// CORS wraps the router so preflight requests never reach method matching
	return s.middleware.CORS(router)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	log := s.logger.With().Str("request_id", requestID).Logger()

	var req models.StartVerificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Error().Err(err).Msg("Failed to decode verification request")
		api.WriteError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON body", requestID)
		return
	}

	id, err := s.engine.StartVerification(r.Context(), req)
	if err != nil {
		log.Warn().Err(err).
			Str("platform", req.Platform).
			Str("action_type", req.ActionType).
			Msg("Verification rejected")
		s.writeEngineError(w, err, requestID)
		return
	}

	status := models.StatusWaitingForNavigation
	if snap, err := s.engine.Snapshot(id); err == nil && snap.Status != models.StatusIdle {
		status = snap.Status
	}

	log.Info().Str("session_id", id).Str("platform", req.Platform).Str("action_type", req.ActionType).Msg("Verification started")
	api.WriteJSON(w, http.StatusAccepted, models.StartVerificationResponse{SessionID: id, Status: status})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, map[string]any{"sessions": s.engine.Sessions()})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Snapshot(mux.Vars(r)["id"])
	if err != nil {
		s.writeEngineError(w, err, r.Header.Get("X-Request-ID"))
		return
	}
	api.WriteJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.engine.CancelVerification(id); err != nil {
		s.writeEngineError(w, err, r.Header.Get("X-Request-ID"))
		return
	}
	s.logger.Info().Str("session_id", id).Str("request_id", r.Header.Get("X-Request-ID")).Msg("Cancellation requested")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEvidence(w http.ResponseWriter, r *http.Request) {
	evidence, err := s.engine.Evidence(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeEngineError(w, err, r.Header.Get("X-Request-ID"))
		return
	}
	api.WriteJSON(w, http.StatusOK, evidence)
}

// writeEngineError maps engine errors onto API error codes.
func (s *Server) writeEngineError(w http.ResponseWriter, err error, requestID string) {
	var notFound *proofconfig.ConfigNotFoundError
	switch {
	case errors.As(err, &notFound):
		api.WriteError(w, http.StatusUnprocessableEntity, "CONFIG_NOT_FOUND", err.Error(), requestID)
	case errors.Is(err, engine.ErrInvalidRequest):
		api.WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), requestID)
	case errors.Is(err, engine.ErrSessionNotFound):
		api.WriteError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "Session not found", requestID)
	case errors.Is(err, engine.ErrEvidenceUnavailable):
		api.WriteError(w, http.StatusConflict, "EVIDENCE_UNAVAILABLE", "Session has no evidence", requestID)
	case errors.Is(err, engine.ErrEngineClosed):
		api.WriteError(w, http.StatusServiceUnavailable, "SHUTTING_DOWN", "Engine is shutting down", requestID)
	default:
		reqLogger := logger.WithRequestID(requestID)
		reqLogger.Error().Err(err).Msg("Engine request failed")
		api.WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal error", requestID)
	}
}
