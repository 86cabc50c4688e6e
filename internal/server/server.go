// Package server wires the alerting pipeline together behind one HTTP
// surface: telemetry ingest, the capsule REST API, Prometheus metrics, and
// the WebSocket distribution gateway.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arclight-systems/arclight/internal/auth"
	"github.com/arclight-systems/arclight/internal/capsule"
	"github.com/arclight-systems/arclight/internal/consensus"
	"github.com/arclight-systems/arclight/internal/engine"
	"github.com/arclight-systems/arclight/internal/gateway"
	"github.com/arclight-systems/arclight/internal/ratelimit"
	"github.com/arclight-systems/arclight/internal/seq"
	"github.com/arclight-systems/arclight/internal/store"
)

// Server is the main HTTP server for the Arclight API.
type Server struct {
	db        *store.DB
	eng       *engine.Engine
	validator *consensus.Validator
	hub       *gateway.Hub
	authority *seq.Authority
	verifier  *auth.Verifier
	ingest    *ratelimit.KeyedLimiter
	mux       *http.ServeMux
}

// New creates a Server with all routes registered. ingestRate bounds readings
// per minute per authenticated feeder.
func New(db *store.DB, eng *engine.Engine, validator *consensus.Validator,
	hub *gateway.Hub, authority *seq.Authority, verifier *auth.Verifier, ingestRate int) *Server {
	s := &Server{
		db:        db,
		eng:       eng,
		validator: validator,
		hub:       hub,
		authority: authority,
		verifier:  verifier,
		ingest:    ratelimit.NewKeyed(ingestRate, time.Minute),
		mux:       http.NewServeMux(),
	}
	hub.SetActions(s)
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// routes registers all HTTP routes on the server mux.
func (s *Server) routes() {
	// Health and metrics
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	// Telemetry ingest
	s.mux.HandleFunc("POST /api/readings", s.handleIngest)

	// Capsules
	s.mux.HandleFunc("GET /api/capsules", s.handleListCapsules)
	s.mux.HandleFunc("GET /api/capsules/{id}", s.handleGetCapsule)
	s.mux.HandleFunc("GET /api/capsules/{id}/actions", s.handleListActions)
	s.mux.HandleFunc("POST /api/capsules/{id}/actions", s.handleCapsuleAction)

	// Predictor panel
	s.mux.HandleFunc("GET /api/predictors", s.handlePredictors)

	// Distribution gateway
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "arclight",
		"clients": s.hub.ConnectedCount(),
	})
}

// handlePredictors returns the reliability snapshot of the predictor panel.
func (s *Server) handlePredictors(w http.ResponseWriter, r *http.Request) {
	if _, err := s.verifier.Identity(r); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reliability": s.validator.Reliability().Snapshot(),
	})
}

// handleWS authenticates and hands the connection to the gateway hub.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	identity, err := s.verifier.Identity(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	s.hub.ServeWS(w, r, identity)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// actionStatus maps a lifecycle error to an HTTP status.
func actionStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, capsule.ErrTerminalState), errors.Is(err, capsule.ErrInvalidTransition),
		errors.Is(err, store.ErrStaleUpdate):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
