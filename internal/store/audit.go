package store

import (
	"database/sql"
	"encoding/json"

	"holt.is/bulwark/internal/clock"
)

// Audit actions. Each state transition records one action; the
// facade's approval cancellation records "approval-cancelled", which
// has no constant here.
const (
	ActionProposalCreated    = "proposal-created"
	ActionProposalApproved   = "proposal-approved"
	ActionProposalRejected   = "proposal-rejected"
	ActionProposalSuperseded = "proposal-superseded"
	ActionDeploymentApplied  = "deployment-applied"
	ActionDeploymentCommit   = "deployment-committed"
	ActionRollbackOK         = "rollback-ok"
	ActionDeploymentFailed   = "deployment-failed"
	ActionHeartbeatMiss      = "heartbeat-miss"
	ActionCatastrophic       = "catastrophic"
	ActionEventObserved      = "event-observed"
	ActionEventsDropped      = "events-dropped"
	ActionThreatEscalated    = "threat-escalated"
	ActionAutonomousApplied  = "autonomous-applied"
	ActionAutonomySuppressed = "autonomy-suppressed"
	ActionBreakerTripped     = "breaker-tripped"
	ActionBreakerReset       = "breaker-reset"
	ActionAutonomyLevelSet   = "autonomy-level-set"
	ActionNeverBlockAdded    = "never-block-added"
	ActionNeverBlockRemoved  = "never-block-removed"
	ActionConfigReloaded     = "config-reloaded"
	ActionRuleExpired        = "rule-expired"
)

// AuditRecord is one append-only trail entry.
type AuditRecord struct {
	Seq           int64          `json:"seq"`
	At            string         `json:"at"`
	Action        string         `json:"action"`
	EntityKind    string         `json:"entity_kind,omitempty"`
	EntityID      string         `json:"entity_id,omitempty"`
	Detail        map[string]any `json:"detail,omitempty"`
	ErrorKind     string         `json:"error_kind,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// Entry is the write-side form of an audit record.
type Entry struct {
	Action        string
	EntityKind    string
	EntityID      string
	Detail        map[string]any
	ErrorKind     string
	CorrelationID string
}

func appendAudit(tx *sql.Tx, e Entry) error {
	_, err := tx.Exec(`
		INSERT INTO audit (at, action, entity_kind, entity_id, detail, error_kind, correlation_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ts(clock.Now()), e.Action, e.EntityKind, e.EntityID,
		marshal(e.Detail), e.ErrorKind, e.CorrelationID)
	return err
}

// Audit appends a standalone audit record (transitions not tied to a row
// change, e.g. gate trips and breaker events).
func (s *Store) Audit(e Entry) error {
	return s.withTx(func(tx *sql.Tx) error { return appendAudit(tx, e) })
}

// AuditSince returns audit records with seq > after, oldest first.
func (s *Store) AuditSince(after int64, limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.Query(`
		SELECT seq, at, action, entity_kind, entity_id, detail, error_kind, correlation_id
		FROM audit WHERE seq > ? ORDER BY seq ASC LIMIT ?`, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var r AuditRecord
		var detail string
		if err := rows.Scan(&r.Seq, &r.At, &r.Action, &r.EntityKind, &r.EntityID,
			&detail, &r.ErrorKind, &r.CorrelationID); err != nil {
			return nil, err
		}
		if detail != "" {
			_ = json.Unmarshal([]byte(detail), &r.Detail)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
