package server

import (
	"encoding/json"
	"net/http"

	"github.com/arclight-systems/arclight/internal/capsule"
	"github.com/arclight-systems/arclight/internal/metrics"
)

// ingestRequest is a batch of telemetry readings from one feeder.
type ingestRequest struct {
	Readings []capsule.Reading `json:"readings"`
}

// handleIngest accepts telemetry readings and routes them into the rule
// engine. Rate limited per authenticated feeder identity.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	identity, err := s.verifier.Identity(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if !s.ingest.Allow(identity) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Readings) == 0 {
		writeError(w, http.StatusBadRequest, "no readings in request")
		return
	}

	accepted := 0
	for _, reading := range req.Readings {
		if err := s.eng.HandleReading(r.Context(), reading); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		accepted++
	}
	metrics.ReadingsIngested.Add(float64(accepted))

	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": accepted})
}
