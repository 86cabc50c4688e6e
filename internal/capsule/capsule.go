// Package capsule defines the shared domain types for the alerting pipeline:
// telemetry readings, capsule proposals, predictor votes, and the capsule
// lifecycle state machine.
package capsule

import (
	"fmt"
	"time"
)

// Reading is a single normalized telemetry sample. Readings are ephemeral;
// they are consumed by the rule engine and never persisted.
type Reading struct {
	SourceID   string    `json:"source_id"`
	Metric     string    `json:"metric"`
	Value      float64   `json:"value"`
	ObservedAt time.Time `json:"observed_at"`
}

// Proposal is a candidate capsule emitted by the rule engine when a rule's
// condition transitions from false to true for a (rule, source) pair. At most
// one proposal may be open per pair until it is approved or rejected.
type Proposal struct {
	ID            string    `json:"proposal_id"`
	RuleID        string    `json:"rule_id"`
	SourceID      string    `json:"source_id"`
	Metric        string    `json:"metric"`
	ObservedValue float64   `json:"observed_value"`
	Template      Template  `json:"capsule_template"`
	CreatedAt     time.Time `json:"created_at"`
}

// Template is the validated capsule template attached to a rule. Token
// placeholders {source}, {metric} and {value} in Title and Description are
// expanded when the capsule is instantiated.
type Template struct {
	Title       string   `json:"title" yaml:"title"`
	Description string   `json:"description" yaml:"description"`
	Priority    Priority `json:"priority" yaml:"priority"`
	Category    string   `json:"category" yaml:"category"`
	Channel     string   `json:"channel" yaml:"channel"`
}

// Vote is one predictor's confidence assessment of a proposal. A predictor
// that does not answer within the validation timeout is recorded with
// Responded=false (abstention, not failure).
type Vote struct {
	PredictorID string  `json:"predictor_id"`
	ProposalID  string  `json:"proposal_id"`
	Confidence  float64 `json:"confidence"`
	Responded   bool    `json:"responded"`
}

// Priority is the severity tier of a capsule.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// ValidPriority reports whether p is one of the defined priority tiers.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// State is a capsule lifecycle state.
type State string

const (
	StateActive        State = "active"
	StateInvestigating State = "investigating"
	StateMitigating    State = "mitigating"
	StateResolved      State = "resolved"
	StateDismissed     State = "dismissed"
)

// Terminal reports whether s is a terminal state. Terminal capsules accept no
// further actions.
func (s State) Terminal() bool {
	return s == StateResolved || s == StateDismissed
}

// Action is a client or operator lifecycle action applied to a capsule.
type Action string

const (
	ActionAcknowledge Action = "acknowledge"
	ActionInspect     Action = "inspect"
	ActionMitigate    Action = "mitigate"
	ActionDismiss     Action = "dismiss"
	ActionEscalate    Action = "escalate"
	ActionResolve     Action = "resolve"
)

// ValidAction reports whether a is one of the accepted lifecycle actions.
func ValidAction(a Action) bool {
	switch a {
	case ActionAcknowledge, ActionInspect, ActionMitigate, ActionDismiss, ActionEscalate, ActionResolve:
		return true
	}
	return false
}

// Capsule is the durable alert record created from an approved proposal.
// CapsuleID is the sole external identity; ProposalID is internal lineage.
type Capsule struct {
	ID          string             `json:"capsule_id"`
	ProposalID  string             `json:"proposal_id"`
	RuleID      string             `json:"rule_id"`
	SourceID    string             `json:"source_id"`
	Title       string             `json:"title"`
	Description string             `json:"description"`
	State       State              `json:"state"`
	Priority    Priority           `json:"priority"`
	Category    string             `json:"category"`
	Channel     string             `json:"channel"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
	ResolvedAt  *time.Time         `json:"resolved_at,omitempty"`
	Resolution  string             `json:"resolution,omitempty"`
}

// Errors returned by Apply.
var (
	// ErrTerminalState is returned when any action is applied to a resolved
	// or dismissed capsule. Replaying a terminal action is a no-op error,
	// never a duplicate state change.
	ErrTerminalState = fmt.Errorf("capsule is in a terminal state")

	// ErrInvalidTransition is returned when the action is not valid from the
	// capsule's current state.
	ErrInvalidTransition = fmt.Errorf("invalid state transition")
)

// Apply mutates the capsule according to the lifecycle action and returns the
// resulting state. The transition graph:
//
//	active -> investigating (acknowledge, inspect)
//	active -> mitigating    (mitigate)
//	active -> dismissed     (dismiss)
//	investigating -> mitigating (mitigate)
//	any non-terminal -> resolved (resolve)
//
// escalate promotes the priority to critical from any non-terminal state
// without changing the lifecycle state. No transition ever regresses a
// capsule. UpdatedAt is stamped with now on success.
func (c *Capsule) Apply(a Action, resolution string, now time.Time) error {
	if c.State.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminalState, c.State)
	}

	switch a {
	case ActionAcknowledge, ActionInspect:
		if c.State != StateActive {
			return transitionErr(a, c.State)
		}
		c.State = StateInvestigating

	case ActionMitigate:
		if c.State != StateActive && c.State != StateInvestigating {
			return transitionErr(a, c.State)
		}
		c.State = StateMitigating

	case ActionDismiss:
		if c.State != StateActive {
			return transitionErr(a, c.State)
		}
		c.State = StateDismissed
		t := now
		c.ResolvedAt = &t
		c.Resolution = resolution

	case ActionEscalate:
		c.Priority = PriorityCritical

	case ActionResolve:
		c.State = StateResolved
		t := now
		c.ResolvedAt = &t
		c.Resolution = resolution

	default:
		return fmt.Errorf("unknown action %q", a)
	}

	c.UpdatedAt = now
	return nil
}

func transitionErr(a Action, s State) error {
	return fmt.Errorf("%w: %s not allowed from %s", ErrInvalidTransition, a, s)
}
