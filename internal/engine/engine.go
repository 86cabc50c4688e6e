// Package engine converts telemetry readings into capsule proposals. It
// evaluates configured rules against each reading, fires on edge transitions
// only, and enforces the single-open-proposal invariant per (rule, source)
// pair together with the store adapter.
package engine

import (
	"context"
	"fmt"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arclight-systems/arclight/internal/capsule"
)

// DedupStore answers whether a (rule, source) pair already has an open
// proposal or an unresolved capsule. The store adapter implements it.
type DedupStore interface {
	IsProposalOpen(ruleID, sourceID string) (bool, error)
	HasUnresolvedCapsule(ruleID, sourceID string) (bool, error)
}

// Engine is the rule evaluation engine. Work is partitioned by source ID so
// readings for one source are processed strictly in arrival order by a single
// worker, while different sources evaluate in parallel.
type Engine struct {
	rules    []*Rule
	byMetric map[string][]*Rule
	dedup    DedupStore
	workers  []*worker
	out      chan capsule.Proposal
}

type pairKey struct {
	ruleID   string
	sourceID string
}

// pairState is the keyed evaluation state for one (rule, source) pair. Each
// key is owned by exactly one worker (single writer).
type pairState struct {
	fired         bool      // an emitted proposal or its capsule is still outstanding
	satisfied     bool      // last condition evaluation, for edge detection
	everSatisfied bool
	calmSince     time.Time // anomaly hysteresis: when the score last dropped below the bound
}

type worker struct {
	mu      sync.Mutex
	in      chan capsule.Reading
	states  map[pairKey]*pairState
	windows map[pairKey]*window
	eng     *Engine
}

// New creates an engine over an immutable rule set for this evaluation epoch.
func New(rules []*Rule, dedup DedupStore, numWorkers int) *Engine {
	if numWorkers < 1 {
		numWorkers = 1
	}
	e := &Engine{
		rules:    rules,
		byMetric: make(map[string][]*Rule),
		dedup:    dedup,
		out:      make(chan capsule.Proposal, 64),
	}
	for _, r := range rules {
		e.byMetric[r.Metric] = append(e.byMetric[r.Metric], r)
	}
	for i := 0; i < numWorkers; i++ {
		e.workers = append(e.workers, &worker{
			in:      make(chan capsule.Reading, 256),
			states:  make(map[pairKey]*pairState),
			windows: make(map[pairKey]*window),
			eng:     e,
		})
	}
	return e
}

// Proposals is the stream of emitted capsule proposals.
func (e *Engine) Proposals() <-chan capsule.Proposal {
	return e.out
}

// Start launches the evaluation workers. They stop when ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	for _, w := range e.workers {
		go w.run(ctx)
	}
}

// HandleReading routes a reading to its source's worker. Blocks only if that
// worker's queue is full.
func (e *Engine) HandleReading(ctx context.Context, r capsule.Reading) error {
	if r.SourceID == "" || r.Metric == "" {
		return fmt.Errorf("reading missing source_id or metric")
	}
	if r.ObservedAt.IsZero() {
		r.ObservedAt = time.Now()
	}
	w := e.workerFor(r.SourceID)
	select {
	case w.in <- r:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Evaluate runs the reading through all matching rules synchronously and
// returns the emitted proposals. Deterministic given identical reading
// history for the source.
func (e *Engine) Evaluate(r capsule.Reading) []capsule.Proposal {
	w := e.workerFor(r.SourceID)
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.evaluate(r)
}

// Rearm clears the fired flag for a (rule, source) pair so a future edge
// transition can fire again. Called when a proposal is rejected or its
// capsule resolves or is dismissed.
func (e *Engine) Rearm(ruleID, sourceID string) {
	w := e.workerFor(sourceID)
	w.mu.Lock()
	defer w.mu.Unlock()
	if st, ok := w.states[pairKey{ruleID, sourceID}]; ok {
		st.fired = false
	}
}

func (e *Engine) workerFor(sourceID string) *worker {
	h := fnv.New32a()
	h.Write([]byte(sourceID))
	return e.workers[int(h.Sum32())%len(e.workers)]
}

func (w *worker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-w.in:
			w.mu.Lock()
			proposals := w.evaluate(r)
			w.mu.Unlock()
			for _, p := range proposals {
				select {
				case w.eng.out <- p:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// evaluate applies every matching rule to the reading. Callers hold w.mu.
func (w *worker) evaluate(r capsule.Reading) []capsule.Proposal {
	var proposals []capsule.Proposal

	for _, rule := range w.eng.byMetric[r.Metric] {
		if !rule.Matches(r.SourceID, r.Metric) {
			continue
		}

		key := pairKey{rule.ID, r.SourceID}
		st := w.states[key]
		if st == nil {
			st = &pairState{}
			w.states[key] = st
		}

		var satisfied, calmOK bool
		calmOK = true

		switch cond := rule.Condition.(type) {
		case Threshold:
			satisfied = cond.Satisfied(r.Value)

		case Anomaly:
			win := w.windows[key]
			if win == nil {
				win = newWindow(cond.Window)
				w.windows[key] = win
			}
			satisfied = win.score(r.Value) > cond.Sensitivity
			// Re-fire only after the score has stayed below the bound for
			// the full window duration.
			if st.everSatisfied {
				calmOK = !st.calmSince.IsZero() && r.ObservedAt.Sub(st.calmSince) >= cond.Window
			}
			if satisfied {
				st.calmSince = time.Time{}
			} else if st.calmSince.IsZero() {
				st.calmSince = r.ObservedAt
			}
			win.add(r.ObservedAt, r.Value)
		}

		fire := satisfied && !st.satisfied && !st.fired && calmOK
		if satisfied {
			st.everSatisfied = true
		}
		st.satisfied = satisfied

		if !fire {
			continue
		}
		if !w.clearToFire(rule.ID, r.SourceID) {
			continue
		}

		st.fired = true
		proposals = append(proposals, capsule.Proposal{
			ID:            uuid.New().String(),
			RuleID:        rule.ID,
			SourceID:      r.SourceID,
			Metric:        r.Metric,
			ObservedValue: r.Value,
			Template:      rule.Template,
			CreatedAt:     r.ObservedAt,
		})
	}
	return proposals
}

// clearToFire consults the store-backed dedup state. Lookup errors suppress
// firing so a store outage cannot produce duplicate proposals.
func (w *worker) clearToFire(ruleID, sourceID string) bool {
	open, err := w.eng.dedup.IsProposalOpen(ruleID, sourceID)
	if err != nil {
		log.Printf("[engine] dedup lookup for %s/%s: %v", ruleID, sourceID, err)
		return false
	}
	if open {
		return false
	}
	unresolved, err := w.eng.dedup.HasUnresolvedCapsule(ruleID, sourceID)
	if err != nil {
		log.Printf("[engine] capsule lookup for %s/%s: %v", ruleID, sourceID, err)
		return false
	}
	return !unresolved
}
