package store

import "time"

// ActionRecord is one row of capsule action history, keyed by
// (capsule_id, performed_at).
type ActionRecord struct {
	CapsuleID   string    `json:"capsule_id"`
	Action      string    `json:"action"`
	Actor       string    `json:"actor,omitempty"`
	Metadata    string    `json:"metadata,omitempty"`
	PerformedAt time.Time `json:"performed_at"`
}

// OpenProposal records that a proposal is awaiting consensus for a
// (rule, source) pair. The primary key on (rule_id, source_id) enforces the
// single-open-proposal invariant at the storage layer.
type OpenProposal struct {
	RuleID     string    `json:"rule_id"`
	SourceID   string    `json:"source_id"`
	ProposalID string    `json:"proposal_id"`
	OpenedAt   time.Time `json:"opened_at"`
}
