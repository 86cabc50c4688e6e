package consensus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/arclight-systems/arclight/internal/capsule"
)

// Predictor is an independent validator queried for a confidence vote on a
// proposal.
type Predictor interface {
	ID() string
	Assess(ctx context.Context, p capsule.Proposal) (float64, error)
}

// HTTPPredictor queries a predictor service over HTTP. The request carries
// the proposal payload; the response is a single confidence value.
type HTTPPredictor struct {
	id     string
	url    string
	client *http.Client
}

// NewHTTPPredictor creates a predictor client for the given endpoint.
func NewHTTPPredictor(id, url string) *HTTPPredictor {
	return &HTTPPredictor{
		id:  id,
		url: url,
		// The per-proposal context bounds each request; the client timeout
		// is only a backstop.
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// ID returns the predictor's identifier.
func (p *HTTPPredictor) ID() string { return p.id }

type assessRequest struct {
	ProposalID string           `json:"proposal_id"`
	Proposal   capsule.Proposal `json:"proposal_payload"`
}

type assessResponse struct {
	PredictorID string  `json:"predictor_id"`
	Confidence  float64 `json:"confidence"`
}

// Assess posts the proposal and returns the predictor's confidence in [0,1].
func (p *HTTPPredictor) Assess(ctx context.Context, prop capsule.Proposal) (float64, error) {
	body, err := json.Marshal(assessRequest{ProposalID: prop.ID, Proposal: prop})
	if err != nil {
		return 0, fmt.Errorf("marshal assess request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build assess request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("assess %s: %w", p.id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("assess %s: unexpected status %d", p.id, resp.StatusCode)
	}

	var ar assessResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return 0, fmt.Errorf("decode assess response from %s: %w", p.id, err)
	}
	if ar.Confidence < 0 || ar.Confidence > 1 {
		return 0, fmt.Errorf("assess %s: confidence %g out of range", p.id, ar.Confidence)
	}
	return ar.Confidence, nil
}
