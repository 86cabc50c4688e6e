package server

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/arclight-systems/arclight/internal/capsule"
	"github.com/arclight-systems/arclight/internal/consensus"
	"github.com/arclight-systems/arclight/internal/gateway"
	"github.com/arclight-systems/arclight/internal/metrics"
	"github.com/arclight-systems/arclight/internal/store"
)

const (
	// An unreachable panel is retried with exponential backoff before the
	// proposal is retired and its pair re-armed.
	maxValidationAttempts = 5
	validationRetryDelay  = time.Second
)

// RunPipeline consumes proposals from the rule engine and drives each one
// through consensus validation to a capsule or a rejection. Runs until ctx is
// cancelled.
func (s *Server) RunPipeline(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-s.eng.Proposals():
			s.processProposal(ctx, p)
		}
	}
}

func (s *Server) processProposal(ctx context.Context, p capsule.Proposal) {
	metrics.ProposalsEmitted.Inc()

	if err := s.db.OpenProposal(p.RuleID, p.SourceID, p.ID, p.CreatedAt); err != nil {
		if errors.Is(err, store.ErrProposalOpen) {
			// Another node claimed the pair first.
			log.Printf("[pipeline] proposal %s superseded for %s/%s", p.ID, p.RuleID, p.SourceID)
			return
		}
		log.Printf("[pipeline] open proposal %s: %v", p.ID, err)
		s.eng.Rearm(p.RuleID, p.SourceID)
		return
	}

	s.validateProposal(ctx, p, 1)
}

// validateProposal runs one consensus round for an open proposal. A panel
// that cannot form a quorum of responders is transient, so the proposal is
// retried instead of dropped; the attempt budget keeps a dead panel from
// pinning the pair open forever, with the stale sweep as the final backstop.
func (s *Server) validateProposal(ctx context.Context, p capsule.Proposal, attempt int) {
	out := s.validator.Validate(ctx, p)
	if out.Reason != consensus.ReasonUnavailable {
		metrics.ConsensusPCT.Observe(out.PCT)
	}
	s.exportReliability()

	if !out.Approved {
		if out.Reason == consensus.ReasonUnavailable {
			s.retryValidation(ctx, p, attempt)
			return
		}
		metrics.ProposalsDecided.WithLabelValues("rejected").Inc()
		log.Printf("[pipeline] proposal %s rejected: %s (pct %.3f)", p.ID, out.Reason, out.PCT)
		s.closeAndRearm(p)
		return
	}

	metrics.ProposalsDecided.WithLabelValues("approved").Inc()
	c := out.Capsule

	if err := s.db.CreateCapsule(c); err != nil {
		log.Printf("[pipeline] create capsule for proposal %s: %v", p.ID, err)
		s.closeAndRearm(p)
		return
	}
	if err := s.db.CloseProposal(p.RuleID, p.SourceID); err != nil {
		log.Printf("[pipeline] close proposal %s: %v", p.ID, err)
	}
	metrics.CapsulesCreated.WithLabelValues(string(c.Priority)).Inc()
	log.Printf("[pipeline] capsule %s created from proposal %s (pct %.3f)", c.ID, p.ID, out.PCT)

	if _, err := s.hub.BroadcastCapsule(ctx, gateway.MsgCapsuleCreated, c); err != nil {
		log.Printf("[pipeline] broadcast capsule %s: %v", c.ID, err)
	}
}

// retryValidation schedules another consensus round for a proposal whose
// panel was unreachable, or retires it once the attempt budget is spent.
func (s *Server) retryValidation(ctx context.Context, p capsule.Proposal, attempt int) {
	if attempt >= maxValidationAttempts {
		metrics.ProposalsDecided.WithLabelValues("rejected").Inc()
		log.Printf("[pipeline] proposal %s: panel unavailable after %d attempts, retiring", p.ID, attempt)
		s.closeAndRearm(p)
		return
	}

	delay := validationRetryDelay << (attempt - 1)
	log.Printf("[pipeline] proposal %s: panel unavailable, retrying in %s (attempt %d/%d)",
		p.ID, delay, attempt, maxValidationAttempts)
	go func() {
		select {
		case <-ctx.Done():
		case <-time.After(delay):
			s.validateProposal(ctx, p, attempt+1)
		}
	}()
}

func (s *Server) closeAndRearm(p capsule.Proposal) {
	if err := s.db.CloseProposal(p.RuleID, p.SourceID); err != nil {
		log.Printf("[pipeline] close proposal %s: %v", p.ID, err)
	}
	s.eng.Rearm(p.RuleID, p.SourceID)
}

func (s *Server) exportReliability() {
	for id, score := range s.validator.Reliability().Snapshot() {
		metrics.PredictorReliability.WithLabelValues(id).Set(score)
	}
}
