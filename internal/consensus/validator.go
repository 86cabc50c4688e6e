// Package consensus turns capsule proposals into trusted capsules. Each
// proposal is cross-checked by a fixed panel of independent predictors; the
// dispersion of their confidence votes is condensed into an agreement score
// that gates capsule creation.
package consensus

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arclight-systems/arclight/internal/capsule"
)

// Rejection reasons. These are audit strings, never surfaced to clients.
const (
	ReasonUnavailable  = "validator unavailable"
	ReasonQuorum       = "insufficient quorum"
	ReasonDissent      = "confidence below floor"
	ReasonLowAgreement = "agreement below threshold"
)

// Dissent policies.
const (
	PolicyReject     = "reject"
	PolicyDownweight = "downweight"
)

// Options tunes the validator. FaultTolerance f implies a quorum of 2f+1
// responding predictors.
type Options struct {
	Timeout           time.Duration
	FaultTolerance    int
	ApprovalThreshold float64
	ConfidenceFloor   float64
	DissentPolicy     string
	DissentWeight     float64
}

// Outcome is the result of validating one proposal.
type Outcome struct {
	Approved bool
	Reason   string // rejection reason, empty on approval
	PCT      float64
	Votes    []capsule.Vote
	Capsule  *capsule.Capsule // populated on approval
}

// Validator queries the predictor panel and applies the agreement policy.
type Validator struct {
	panel       []Predictor
	opts        Options
	reliability *Reliability
}

// New creates a validator over a fixed predictor panel.
func New(panel []Predictor, opts Options, rel *Reliability) *Validator {
	if rel == nil {
		rel = NewReliability()
	}
	return &Validator{panel: panel, opts: opts, reliability: rel}
}

// Reliability exposes the predictor reliability tracker.
func (v *Validator) Reliability() *Reliability {
	return v.reliability
}

// Validate dispatches the proposal to every predictor concurrently, waits at
// most Timeout for their votes, and decides. Predictor failure or timeout is
// recorded as an abstention; only a fully unreachable panel is reported as
// ReasonUnavailable so the caller can retry at the proposal layer.
func (v *Validator) Validate(ctx context.Context, p capsule.Proposal) Outcome {
	ctx, cancel := context.WithTimeout(ctx, v.opts.Timeout)
	defer cancel()

	votes := make([]capsule.Vote, len(v.panel))
	var wg sync.WaitGroup
	for i, pred := range v.panel {
		wg.Add(1)
		go func(i int, pred Predictor) {
			defer wg.Done()
			vote := capsule.Vote{PredictorID: pred.ID(), ProposalID: p.ID}
			conf, err := pred.Assess(ctx, p)
			if err != nil {
				log.Printf("[consensus] predictor %s abstained on %s: %v", pred.ID(), p.ID, err)
			} else {
				vote.Confidence = conf
				vote.Responded = true
			}
			votes[i] = vote
		}(i, pred)
	}
	wg.Wait()

	outcome := v.Decide(votes)
	v.observe(votes)

	if outcome.Approved {
		outcome.Capsule = v.instantiate(p, outcome)
	}
	return outcome
}

// Decide applies the agreement policy to a vote set. It is a pure,
// deterministic function of the votes and the configured options.
func (v *Validator) Decide(votes []capsule.Vote) Outcome {
	out := Outcome{Votes: votes}

	var responding []capsule.Vote
	for _, vote := range votes {
		if vote.Responded {
			responding = append(responding, vote)
		}
	}

	f := v.opts.FaultTolerance
	if len(responding) == 0 {
		out.Reason = ReasonUnavailable
		return out
	}
	if len(responding) < 2*f+1 {
		out.Reason = ReasonQuorum
		return out
	}

	dissent := false
	for _, vote := range responding {
		if vote.Confidence < v.opts.ConfidenceFloor {
			dissent = true
			break
		}
	}

	if dissent && v.opts.DissentPolicy == PolicyReject {
		pct, ok := agreement(responding, nil)
		if ok {
			out.PCT = pct
		}
		out.Reason = ReasonDissent
		return out
	}

	var weights map[string]float64
	if dissent {
		// Downweight policy: dissenting votes still count, at reduced weight.
		weights = make(map[string]float64)
		for _, vote := range responding {
			if vote.Confidence < v.opts.ConfidenceFloor {
				weights[vote.PredictorID] = v.opts.DissentWeight
			} else {
				weights[vote.PredictorID] = 1
			}
		}
	}

	pct, ok := agreement(responding, weights)
	if !ok {
		// Zero mean confidence carries no signal; treat as a quorum failure
		// rather than inventing a score.
		out.Reason = ReasonQuorum
		return out
	}
	out.PCT = pct

	if pct < v.opts.ApprovalThreshold {
		out.Reason = ReasonLowAgreement
		return out
	}

	out.Approved = true
	return out
}

// agreement computes PCT = 1 - stdev/mean over the responding votes, clamped
// to [0,1]. weights may be nil for the unweighted form. ok is false when the
// score is undefined (fewer than two votes, zero mean, or zero total weight).
func agreement(votes []capsule.Vote, weights map[string]float64) (pct float64, ok bool) {
	if len(votes) < 2 {
		return 0, false
	}

	weight := func(v capsule.Vote) float64 {
		if weights == nil {
			return 1
		}
		return weights[v.PredictorID]
	}

	var sum, wsum float64
	for _, v := range votes {
		w := weight(v)
		sum += w * v.Confidence
		wsum += w
	}
	if wsum == 0 {
		return 0, false
	}
	mean := sum / wsum
	if mean == 0 {
		return 0, false
	}

	var sq float64
	for _, v := range votes {
		d := v.Confidence - mean
		sq += weight(v) * d * d
	}
	stdev := math.Sqrt(sq / wsum)

	pct = 1 - stdev/mean
	if pct < 0 {
		pct = 0
	} else if pct > 1 {
		pct = 1
	}
	return pct, true
}

// instantiate creates the active capsule for an approved proposal.
func (v *Validator) instantiate(p capsule.Proposal, out Outcome) *capsule.Capsule {
	now := time.Now()
	title, description := p.Template.Render(p.SourceID, p.Metric, p.ObservedValue)
	return &capsule.Capsule{
		ID:          uuid.New().String(),
		ProposalID:  p.ID,
		RuleID:      p.RuleID,
		SourceID:    p.SourceID,
		Title:       title,
		Description: description,
		State:       capsule.StateActive,
		Priority:    p.Template.Priority,
		Category:    p.Template.Category,
		Channel:     p.Template.Channel,
		Metrics: map[string]float64{
			"pct":            out.PCT,
			"observed_value": p.ObservedValue,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// observe feeds the vote set into the reliability tracker.
func (v *Validator) observe(votes []capsule.Vote) {
	var sum float64
	var n int
	for _, vote := range votes {
		if vote.Responded {
			sum += vote.Confidence
			n++
		}
	}
	if n == 0 {
		return
	}
	mean := sum / float64(n)
	for _, vote := range votes {
		v.reliability.Observe(vote, mean)
	}
}
