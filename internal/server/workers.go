package server

import (
	"context"
	"log"
	"time"
)

// staleProposalAge is how long a proposal may stay open before the sweep
// retires it and re-arms its pair.
const staleProposalAge = 5 * time.Minute

// StartWorkers launches all background goroutines. Call with a cancellable
// context for graceful shutdown.
func (s *Server) StartWorkers(ctx context.Context) {
	go s.runQueueSweep(ctx)
	go s.runStaleProposalSweep(ctx)
	go s.runReliabilityDecay(ctx)
	go s.runLimiterPrune(ctx)
}

// runQueueSweep periodically drops offline-queue entries past the age bound
// (every minute).
func (s *Server) runQueueSweep(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Minute):
			n, err := s.authority.SweepExpired(ctx)
			if err != nil {
				log.Printf("[worker] sweep offline queues: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("[worker] swept %d expired queued messages", n)
			}
		}
	}
}

// runStaleProposalSweep retires proposals whose validation never completed
// (every minute). Closing and re-arming lets the next breach fire again.
func (s *Server) runStaleProposalSweep(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Minute):
			n := s.sweepStaleProposals()
			if n > 0 {
				log.Printf("[worker] retired %d stale proposals", n)
			}
		}
	}
}

func (s *Server) sweepStaleProposals() int {
	stale, err := s.db.ListStaleProposals(time.Now().Add(-staleProposalAge))
	if err != nil {
		log.Printf("[worker] list stale proposals: %v", err)
		return 0
	}

	retired := 0
	for _, p := range stale {
		if err := s.db.CloseProposal(p.RuleID, p.SourceID); err != nil {
			log.Printf("[worker] close stale proposal %s: %v", p.ProposalID, err)
			continue
		}
		s.eng.Rearm(p.RuleID, p.SourceID)
		retired++
	}
	return retired
}

// runReliabilityDecay pulls predictor reliability scores toward their
// baseline (every hour) so old behavior stops dominating.
func (s *Server) runReliabilityDecay(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(1 * time.Hour):
			s.validator.Reliability().Decay()
			s.exportReliability()
		}
	}
}

// runLimiterPrune drops idle per-feeder rate limiters (every 10 minutes).
func (s *Server) runLimiterPrune(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(10 * time.Minute):
			if n := s.ingest.Prune(); n > 0 {
				log.Printf("[worker] pruned %d idle ingest limiters", n)
			}
		}
	}
}
