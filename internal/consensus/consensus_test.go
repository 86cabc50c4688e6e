package consensus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/arclight-systems/arclight/internal/capsule"
)

func defaultOptions() Options {
	return Options{
		Timeout:           200 * time.Millisecond,
		FaultTolerance:    1,
		ApprovalThreshold: 0.90,
		ConfidenceFloor:   0.5,
		DissentPolicy:     PolicyReject,
		DissentWeight:     0.25,
	}
}

func votes(confidences ...float64) []capsule.Vote {
	vs := make([]capsule.Vote, len(confidences))
	for i, c := range confidences {
		vs[i] = capsule.Vote{
			PredictorID: string(rune('a' + i)),
			ProposalID:  "prop-1",
			Confidence:  c,
			Responded:   true,
		}
	}
	return vs
}

func abstain(id string) capsule.Vote {
	return capsule.Vote{PredictorID: id, ProposalID: "prop-1"}
}

func TestDecide_TightAgreementApproves(t *testing.T) {
	v := New(nil, defaultOptions(), nil)
	out := v.Decide(votes(0.92, 0.91, 0.90))
	if !out.Approved {
		t.Fatalf("expected approval, got reason %q (pct %g)", out.Reason, out.PCT)
	}
	if out.PCT < 0.98 || out.PCT > 1 {
		t.Fatalf("unexpected pct %g", out.PCT)
	}
}

func TestDecide_UnanimousVotesScoreOne(t *testing.T) {
	v := New(nil, defaultOptions(), nil)
	out := v.Decide(votes(0.9, 0.9, 0.9))
	if !out.Approved || out.PCT != 1 {
		t.Fatalf("expected pct 1 approval, got %+v", out)
	}
}

func TestDecide_DissentRejects(t *testing.T) {
	v := New(nil, defaultOptions(), nil)
	out := v.Decide(votes(0.92, 0.91, 0.40))
	if out.Approved {
		t.Fatal("expected rejection, vote below confidence floor")
	}
	if out.Reason != ReasonDissent {
		t.Fatalf("expected dissent reason, got %q", out.Reason)
	}
}

func TestDecide_DissentDownweight(t *testing.T) {
	opts := defaultOptions()
	opts.DissentPolicy = PolicyDownweight
	opts.ApprovalThreshold = 0.80
	v := New(nil, opts, nil)

	out := v.Decide(votes(0.92, 0.91, 0.40))
	if !out.Approved {
		t.Fatalf("expected downweighted approval, got reason %q (pct %g)", out.Reason, out.PCT)
	}
	// Weighted pct is ~0.811; well below the unweighted tight-agreement score.
	if out.PCT < 0.80 || out.PCT > 0.82 {
		t.Fatalf("unexpected downweighted pct %g", out.PCT)
	}
}

func TestDecide_DownweightStillBelowThreshold(t *testing.T) {
	opts := defaultOptions()
	opts.DissentPolicy = PolicyDownweight
	v := New(nil, opts, nil)

	out := v.Decide(votes(0.92, 0.91, 0.40))
	if out.Approved || out.Reason != ReasonLowAgreement {
		t.Fatalf("expected low-agreement rejection, got %+v", out)
	}
}

func TestDecide_WideSpreadRejects(t *testing.T) {
	opts := defaultOptions()
	opts.ConfidenceFloor = 0.4
	v := New(nil, opts, nil)

	out := v.Decide(votes(0.9, 0.5, 0.5))
	if out.Approved || out.Reason != ReasonLowAgreement {
		t.Fatalf("expected low-agreement rejection, got %+v", out)
	}
	if out.PCT < 0.69 || out.PCT > 0.72 {
		t.Fatalf("unexpected pct %g", out.PCT)
	}
}

func TestDecide_AbstentionBreaksQuorum(t *testing.T) {
	v := New(nil, defaultOptions(), nil)
	vs := votes(0.95, 0.93)
	vs = append(vs, abstain("c"))

	out := v.Decide(vs)
	if out.Approved || out.Reason != ReasonQuorum {
		t.Fatalf("expected quorum failure with 2 of 3 responding, got %+v", out)
	}
}

func TestDecide_NoRespondersUnavailable(t *testing.T) {
	v := New(nil, defaultOptions(), nil)
	out := v.Decide([]capsule.Vote{abstain("a"), abstain("b"), abstain("c")})
	if out.Approved || out.Reason != ReasonUnavailable {
		t.Fatalf("expected unavailable, got %+v", out)
	}
}

func TestDecide_ZeroMeanIsQuorumFailure(t *testing.T) {
	opts := defaultOptions()
	opts.ConfidenceFloor = 0
	v := New(nil, opts, nil)

	out := v.Decide(votes(0, 0, 0))
	if out.Approved || out.Reason != ReasonQuorum {
		t.Fatalf("expected quorum failure on zero-signal votes, got %+v", out)
	}
}

type fakePredictor struct {
	id    string
	conf  float64
	err   error
	delay time.Duration
}

func (f *fakePredictor) ID() string { return f.id }

func (f *fakePredictor) Assess(ctx context.Context, _ capsule.Proposal) (float64, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if f.err != nil {
		return 0, f.err
	}
	return f.conf, nil
}

func testProposal() capsule.Proposal {
	return capsule.Proposal{
		ID:            "prop-1",
		RuleID:        "rule-1",
		SourceID:      "press-04",
		Metric:        "temperature",
		ObservedValue: 131.5,
		Template: capsule.Template{
			Title:    "{source} {metric} out of range",
			Priority: capsule.PriorityHigh,
			Channel:  "activities",
		},
		CreatedAt: time.Now(),
	}
}

func TestValidate_ApprovalInstantiatesCapsule(t *testing.T) {
	panel := []Predictor{
		&fakePredictor{id: "p1", conf: 0.92},
		&fakePredictor{id: "p2", conf: 0.91},
		&fakePredictor{id: "p3", conf: 0.90},
	}
	v := New(panel, defaultOptions(), nil)

	out := v.Validate(context.Background(), testProposal())
	if !out.Approved {
		t.Fatalf("expected approval, got reason %q", out.Reason)
	}
	c := out.Capsule
	if c == nil {
		t.Fatal("approved outcome missing capsule")
	}
	if c.State != capsule.StateActive {
		t.Fatalf("expected active capsule, got %s", c.State)
	}
	if c.Title != "press-04 temperature out of range" {
		t.Fatalf("template not rendered: %q", c.Title)
	}
	if c.ID == "" || c.ProposalID != "prop-1" {
		t.Fatalf("bad identity: %+v", c)
	}
	if _, ok := c.Metrics["pct"]; !ok {
		t.Fatal("capsule missing pct metric")
	}
}

func TestValidate_SlowPredictorCountsAsAbstention(t *testing.T) {
	panel := []Predictor{
		&fakePredictor{id: "p1", conf: 0.95},
		&fakePredictor{id: "p2", conf: 0.93},
		&fakePredictor{id: "p3", conf: 0.94, delay: time.Second},
	}
	opts := defaultOptions()
	opts.Timeout = 50 * time.Millisecond
	v := New(panel, opts, nil)

	out := v.Validate(context.Background(), testProposal())
	if out.Approved || out.Reason != ReasonQuorum {
		t.Fatalf("expected quorum failure from timed-out predictor, got %+v", out)
	}
	var abstained int
	for _, vote := range out.Votes {
		if !vote.Responded {
			abstained++
		}
	}
	if abstained != 1 {
		t.Fatalf("expected 1 abstention, got %d", abstained)
	}
}

func TestValidate_FailingPredictorAbstains(t *testing.T) {
	panel := []Predictor{
		&fakePredictor{id: "p1", conf: 0.92},
		&fakePredictor{id: "p2", conf: 0.91},
		&fakePredictor{id: "p3", err: errors.New("boom")},
	}
	v := New(panel, defaultOptions(), nil)

	out := v.Validate(context.Background(), testProposal())
	if out.Approved || out.Reason != ReasonQuorum {
		t.Fatalf("expected quorum failure, got %+v", out)
	}
}

func TestReliability_Observe(t *testing.T) {
	r := NewReliability()

	r.Observe(capsule.Vote{PredictorID: "p1", Confidence: 0.9, Responded: true}, 0.9)
	if got := r.Score("p1"); got != 0.52 {
		t.Fatalf("agreement should raise score to 0.52, got %g", got)
	}

	r.Observe(capsule.Vote{PredictorID: "p2", Confidence: 0.2, Responded: true}, 0.9)
	if got := r.Score("p2"); got != 0.45 {
		t.Fatalf("outlier should drop score to 0.45, got %g", got)
	}

	r.Observe(capsule.Vote{PredictorID: "p3"}, 0.9)
	if got := r.Score("p3"); got != 0.45 {
		t.Fatalf("abstention should drop score to 0.45, got %g", got)
	}
}

func TestReliability_DecayPullsTowardBaseline(t *testing.T) {
	r := NewReliability()
	for i := 0; i < 10; i++ {
		r.Observe(capsule.Vote{PredictorID: "p1", Confidence: 0.9, Responded: true}, 0.9)
	}
	before := r.Score("p1")

	r.Decay()
	after := r.Score("p1")
	if after >= before || after <= reliabilityBaseline {
		t.Fatalf("decay should move %g toward baseline, got %g", before, after)
	}
}

func TestReliability_UnknownPredictorBaseline(t *testing.T) {
	r := NewReliability()
	if got := r.Score("never-voted"); got != reliabilityBaseline {
		t.Fatalf("expected baseline, got %g", got)
	}
}
