package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/arclight-systems/arclight/internal/capsule"
	"github.com/arclight-systems/arclight/internal/gateway"
	"github.com/arclight-systems/arclight/internal/metrics"
	"github.com/arclight-systems/arclight/internal/store"
)

// handleListCapsules returns capsules filtered by state and channel.
func (s *Server) handleListCapsules(w http.ResponseWriter, r *http.Request) {
	if _, err := s.verifier.Identity(r); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	capsules, err := s.db.ListCapsules(r.URL.Query().Get("state"), r.URL.Query().Get("channel"), limit)
	if err != nil {
		log.Printf("[server] list capsules: %v", err)
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	if capsules == nil {
		capsules = []*capsule.Capsule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"capsules": capsules})
}

// handleGetCapsule returns one capsule by ID.
func (s *Server) handleGetCapsule(w http.ResponseWriter, r *http.Request) {
	if _, err := s.verifier.Identity(r); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	c, err := s.db.GetCapsule(r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "capsule not found")
		return
	}
	if err != nil {
		log.Printf("[server] get capsule: %v", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// handleListActions returns the action history for a capsule.
func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	if _, err := s.verifier.Identity(r); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	id := r.PathValue("id")
	if _, err := s.db.GetCapsule(id); errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "capsule not found")
		return
	}

	actions, err := s.db.ListActions(id)
	if err != nil {
		log.Printf("[server] list actions: %v", err)
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	if actions == nil {
		actions = []store.ActionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": actions})
}

// actionRequest is a lifecycle action submitted over REST.
type actionRequest struct {
	Action     string `json:"action"`
	Resolution string `json:"resolution,omitempty"`
}

// handleCapsuleAction applies a lifecycle action to a capsule.
func (s *Server) handleCapsuleAction(w http.ResponseWriter, r *http.Request) {
	identity, err := s.verifier.Identity(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	action := capsule.Action(req.Action)
	if !capsule.ValidAction(action) {
		writeError(w, http.StatusBadRequest, "unknown action: "+req.Action)
		return
	}

	if err := s.ApplyAction(r.Context(), identity, r.PathValue("id"), action, req.Resolution); err != nil {
		writeError(w, actionStatus(err), err.Error())
		return
	}

	c, err := s.db.GetCapsule(r.PathValue("id"))
	if err != nil {
		log.Printf("[server] reload capsule after action: %v", err)
		writeError(w, http.StatusInternalServerError, "action applied, reload failed")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ApplyAction runs a lifecycle action through the state machine, persists the
// result, records the action history, and broadcasts the change. Shared by
// the REST API and the gateway. A terminal transition re-arms the engine for
// the capsule's (rule, source) pair.
func (s *Server) ApplyAction(ctx context.Context, identity, capsuleID string, action capsule.Action, resolution string) error {
	c, err := s.db.GetCapsule(capsuleID)
	if err != nil {
		return err
	}

	now := time.Now()
	readAt := c.UpdatedAt
	if err := c.Apply(action, resolution, now); err != nil {
		return err
	}
	// Guarded write: a concurrent actor that committed first wins, and the
	// loser surfaces a conflict instead of clobbering the newer state.
	if err := s.db.UpdateCapsule(c, readAt); err != nil {
		return fmt.Errorf("persist action: %w", err)
	}

	if err := s.db.RecordAction(&store.ActionRecord{
		CapsuleID:   c.ID,
		Action:      string(action),
		Actor:       identity,
		PerformedAt: now,
	}); err != nil {
		// History is advisory; the state change already committed.
		log.Printf("[server] record action %s on %s: %v", action, c.ID, err)
	}
	metrics.CapsuleActions.WithLabelValues(string(action)).Inc()

	msgType := gateway.MsgCapsuleUpdated
	if c.State.Terminal() {
		msgType = gateway.MsgCapsuleRemoved
		s.eng.Rearm(c.RuleID, c.SourceID)
	}
	if _, err := s.hub.BroadcastCapsule(ctx, msgType, c); err != nil {
		log.Printf("[server] broadcast %s for %s: %v", msgType, c.ID, err)
	}
	return nil
}
