package consensus

import (
	"math"
	"sync"

	"github.com/arclight-systems/arclight/internal/capsule"
)

const (
	reliabilityBaseline = 0.5
	abstainPenalty      = 0.9  // multiplicative, per missed vote
	agreeBonus          = 0.02 // additive, per vote near the panel mean
	outlierPenalty      = 0.05 // additive, per vote far from the panel mean
	agreementBand       = 0.15 // max |confidence - mean| still counted as agreement
	decayRate           = 0.05 // pull toward baseline per decay tick
)

// Reliability tracks a running score per predictor in [0,1]. Scores start at
// the baseline, reward votes that track the panel mean, penalize outliers and
// abstentions, and decay back toward the baseline so old behavior fades.
// Scores are observational: they inform operators and metrics, not the
// consensus decision itself.
type Reliability struct {
	mu     sync.Mutex
	scores map[string]float64
}

// NewReliability creates an empty tracker.
func NewReliability() *Reliability {
	return &Reliability{scores: make(map[string]float64)}
}

// Observe updates a predictor's score from one vote. panelMean is the mean
// confidence of the responding panel for the same proposal.
func (r *Reliability) Observe(v capsule.Vote, panelMean float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	score := r.score(v.PredictorID)
	switch {
	case !v.Responded:
		score *= abstainPenalty
	case math.Abs(v.Confidence-panelMean) <= agreementBand:
		score += agreeBonus
	default:
		score -= outlierPenalty
	}
	r.scores[v.PredictorID] = clamp01(score)
}

// Decay pulls every score one step toward the baseline. Called periodically
// so a predictor's history has a horizon.
func (r *Reliability) Decay() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.scores {
		r.scores[id] = s + (reliabilityBaseline-s)*decayRate
	}
}

// Score returns the predictor's current score, or the baseline if it has
// never voted.
func (r *Reliability) Score(id string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.score(id)
}

// Snapshot returns a copy of all tracked scores.
func (r *Reliability) Snapshot() map[string]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]float64, len(r.scores))
	for id, s := range r.scores {
		out[id] = s
	}
	return out
}

func (r *Reliability) score(id string) float64 {
	if s, ok := r.scores[id]; ok {
		return s
	}
	return reliabilityBaseline
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
