// Package store is the SQLite capsule store adapter. It is the source of
// truth for capsule state and action history; the gateway is only an
// order-preserving accelerant on top of it.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/arclight-systems/arclight/internal/capsule"
)

// ErrProposalOpen is returned by OpenProposal when the (rule, source) pair
// already has an open proposal.
var ErrProposalOpen = errors.New("proposal already open for rule/source pair")

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrStaleUpdate is returned by UpdateCapsule when the capsule changed after
// the caller read it. The caller's copy is stale; re-read before retrying.
var ErrStaleUpdate = errors.New("capsule modified concurrently")

// DB wraps a sql.DB connection to a SQLite database.
type DB struct {
	db *sql.DB
}

// NewDB opens (or creates) a SQLite database at path and runs schema migrations.
func NewDB(path string) (*DB, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	// Enable foreign keys.
	if _, err := sqlDB.Exec("PRAGMA foreign_keys = ON"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	d := &DB{db: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// migrate creates all required tables if they do not already exist.
func (d *DB) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS capsules (
    id TEXT PRIMARY KEY,
    proposal_id TEXT NOT NULL,
    rule_id TEXT NOT NULL,
    source_id TEXT NOT NULL,
    title TEXT NOT NULL,
    description TEXT,
    state TEXT NOT NULL,
    priority TEXT NOT NULL,
    category TEXT,
    channel TEXT NOT NULL,
    metrics TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    resolved_at INTEGER,
    resolution TEXT
);

CREATE TABLE IF NOT EXISTS capsule_actions (
    capsule_id TEXT NOT NULL,
    performed_at INTEGER NOT NULL,
    action TEXT NOT NULL,
    actor TEXT,
    metadata TEXT,
    PRIMARY KEY (capsule_id, performed_at),
    FOREIGN KEY (capsule_id) REFERENCES capsules(id)
);

CREATE TABLE IF NOT EXISTS open_proposals (
    rule_id TEXT NOT NULL,
    source_id TEXT NOT NULL,
    proposal_id TEXT NOT NULL,
    opened_at INTEGER NOT NULL,
    PRIMARY KEY (rule_id, source_id)
);

CREATE INDEX IF NOT EXISTS idx_capsules_state ON capsules(state);
CREATE INDEX IF NOT EXISTS idx_capsules_channel ON capsules(channel);
CREATE INDEX IF NOT EXISTS idx_capsules_rule_source ON capsules(rule_id, source_id);
CREATE INDEX IF NOT EXISTS idx_actions_capsule ON capsule_actions(capsule_id);`
	_, err := d.db.Exec(schema)
	return err
}

// --- Capsule CRUD ---

// CreateCapsule inserts a new capsule record.
func (d *DB) CreateCapsule(c *capsule.Capsule) error {
	metrics, err := marshalMetrics(c.Metrics)
	if err != nil {
		return err
	}
	_, err = d.db.Exec(
		`INSERT INTO capsules (id, proposal_id, rule_id, source_id, title, description,
		                       state, priority, category, channel, metrics,
		                       created_at, updated_at, resolved_at, resolution)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ProposalID, c.RuleID, c.SourceID, c.Title, c.Description,
		string(c.State), string(c.Priority), c.Category, c.Channel, metrics,
		c.CreatedAt.UnixMilli(), c.UpdatedAt.UnixMilli(), timePtrToMilli(c.ResolvedAt), c.Resolution,
	)
	if err != nil {
		return fmt.Errorf("create capsule: %w", err)
	}
	return nil
}

// GetCapsule retrieves a capsule by ID.
func (d *DB) GetCapsule(id string) (*capsule.Capsule, error) {
	row := d.db.QueryRow(
		`SELECT id, proposal_id, rule_id, source_id, title, description,
		        state, priority, category, channel, metrics,
		        created_at, updated_at, resolved_at, resolution
		 FROM capsules WHERE id = ?`, id,
	)
	c, err := scanCapsule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get capsule %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get capsule: %w", err)
	}
	return c, nil
}

// ListCapsules returns capsules filtered by state and channel (empty string
// matches all), newest first, bounded by limit.
func (d *DB) ListCapsules(state, channel string, limit int) ([]*capsule.Capsule, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.db.Query(
		`SELECT id, proposal_id, rule_id, source_id, title, description,
		        state, priority, category, channel, metrics,
		        created_at, updated_at, resolved_at, resolution
		 FROM capsules
		 WHERE (? = '' OR state = ?) AND (? = '' OR channel = ?)
		 ORDER BY created_at DESC LIMIT ?`,
		state, state, channel, channel, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list capsules: %w", err)
	}
	defer rows.Close()

	var out []*capsule.Capsule
	for rows.Next() {
		c, err := scanCapsule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan capsule: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateCapsule persists the mutable capsule fields after a lifecycle action.
// readAt is the updated_at value the caller loaded; the write only lands if
// the row is still unchanged since then, so two racing actors cannot both
// commit and a terminal state is never overwritten by a stale writer.
func (d *DB) UpdateCapsule(c *capsule.Capsule, readAt time.Time) error {
	metrics, err := marshalMetrics(c.Metrics)
	if err != nil {
		return err
	}
	res, err := d.db.Exec(
		`UPDATE capsules SET state = ?, priority = ?, metrics = ?, updated_at = ?,
		                     resolved_at = ?, resolution = ?
		 WHERE id = ? AND updated_at = ?`,
		string(c.State), string(c.Priority), metrics, c.UpdatedAt.UnixMilli(),
		timePtrToMilli(c.ResolvedAt), c.Resolution, c.ID, readAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("update capsule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update capsule rows affected: %w", err)
	}
	if n == 0 {
		var exists int
		if err := d.db.QueryRow(`SELECT COUNT(*) FROM capsules WHERE id = ?`, c.ID).Scan(&exists); err != nil {
			return fmt.Errorf("update capsule %s: %w", c.ID, err)
		}
		if exists == 0 {
			return fmt.Errorf("update capsule %s: %w", c.ID, ErrNotFound)
		}
		return fmt.Errorf("update capsule %s: %w", c.ID, ErrStaleUpdate)
	}
	return nil
}

// HasUnresolvedCapsule reports whether a non-terminal capsule exists for the
// (rule, source) pair. Used by the engine's deduplication check.
func (d *DB) HasUnresolvedCapsule(ruleID, sourceID string) (bool, error) {
	var n int
	err := d.db.QueryRow(
		`SELECT COUNT(*) FROM capsules
		 WHERE rule_id = ? AND source_id = ? AND state NOT IN ('resolved', 'dismissed')`,
		ruleID, sourceID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count unresolved capsules: %w", err)
	}
	return n > 0, nil
}

// --- Action history ---

// RecordAction appends one action to the capsule's history.
func (d *DB) RecordAction(rec *ActionRecord) error {
	_, err := d.db.Exec(
		`INSERT INTO capsule_actions (capsule_id, performed_at, action, actor, metadata)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.CapsuleID, rec.PerformedAt.UnixNano(), rec.Action, rec.Actor, rec.Metadata,
	)
	if err != nil {
		return fmt.Errorf("record action: %w", err)
	}
	return nil
}

// ListActions returns all actions for a capsule in performance order.
func (d *DB) ListActions(capsuleID string) ([]ActionRecord, error) {
	rows, err := d.db.Query(
		`SELECT capsule_id, performed_at, action, actor, metadata
		 FROM capsule_actions WHERE capsule_id = ? ORDER BY performed_at`, capsuleID,
	)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	var out []ActionRecord
	for rows.Next() {
		var rec ActionRecord
		var performedAt int64
		if err := rows.Scan(&rec.CapsuleID, &performedAt, &rec.Action, &rec.Actor, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		rec.PerformedAt = time.Unix(0, performedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// --- Open proposal dedup records ---

// OpenProposal records a proposal as open for the (rule, source) pair.
// Returns ErrProposalOpen if one is already open.
func (d *DB) OpenProposal(ruleID, sourceID, proposalID string, openedAt time.Time) error {
	_, err := d.db.Exec(
		`INSERT INTO open_proposals (rule_id, source_id, proposal_id, opened_at)
		 VALUES (?, ?, ?, ?)`,
		ruleID, sourceID, proposalID, openedAt.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrProposalOpen
		}
		return fmt.Errorf("open proposal: %w", err)
	}
	return nil
}

// CloseProposal removes the open-proposal record for the pair. Closing a pair
// with no open proposal is not an error.
func (d *DB) CloseProposal(ruleID, sourceID string) error {
	_, err := d.db.Exec(
		`DELETE FROM open_proposals WHERE rule_id = ? AND source_id = ?`, ruleID, sourceID,
	)
	if err != nil {
		return fmt.Errorf("close proposal: %w", err)
	}
	return nil
}

// IsProposalOpen reports whether the pair has an open proposal.
func (d *DB) IsProposalOpen(ruleID, sourceID string) (bool, error) {
	var n int
	err := d.db.QueryRow(
		`SELECT COUNT(*) FROM open_proposals WHERE rule_id = ? AND source_id = ?`,
		ruleID, sourceID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check open proposal: %w", err)
	}
	return n > 0, nil
}

// ListStaleProposals returns open proposals older than the cutoff. The rearm
// sweep uses this to recover pairs whose validation never completed.
func (d *DB) ListStaleProposals(olderThan time.Time) ([]OpenProposal, error) {
	rows, err := d.db.Query(
		`SELECT rule_id, source_id, proposal_id, opened_at
		 FROM open_proposals WHERE opened_at < ?`, olderThan.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("list stale proposals: %w", err)
	}
	defer rows.Close()

	var out []OpenProposal
	for rows.Next() {
		var p OpenProposal
		var openedAt int64
		if err := rows.Scan(&p.RuleID, &p.SourceID, &p.ProposalID, &openedAt); err != nil {
			return nil, fmt.Errorf("scan stale proposal: %w", err)
		}
		p.OpenedAt = time.UnixMilli(openedAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func scanCapsule(s scanner) (*capsule.Capsule, error) {
	c := &capsule.Capsule{}
	var state, priority, metrics string
	var createdAt, updatedAt int64
	var resolvedAt sql.NullInt64
	var resolution sql.NullString

	err := s.Scan(&c.ID, &c.ProposalID, &c.RuleID, &c.SourceID, &c.Title, &c.Description,
		&state, &priority, &c.Category, &c.Channel, &metrics,
		&createdAt, &updatedAt, &resolvedAt, &resolution)
	if err != nil {
		return nil, err
	}

	c.State = capsule.State(state)
	c.Priority = capsule.Priority(priority)
	c.CreatedAt = time.UnixMilli(createdAt)
	c.UpdatedAt = time.UnixMilli(updatedAt)
	if resolvedAt.Valid {
		t := time.UnixMilli(resolvedAt.Int64)
		c.ResolvedAt = &t
	}
	if resolution.Valid {
		c.Resolution = resolution.String
	}
	if metrics != "" {
		if err := json.Unmarshal([]byte(metrics), &c.Metrics); err != nil {
			return nil, fmt.Errorf("unmarshal capsule metrics: %w", err)
		}
	}
	return c, nil
}

func marshalMetrics(m map[string]float64) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal capsule metrics: %w", err)
	}
	return string(data), nil
}

func timePtrToMilli(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

// isUniqueViolation reports whether err is a SQLite unique constraint error.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
