package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"holt.is/bulwark/internal/backend"
)

// DeploymentState is the lifecycle state of a deployment.
type DeploymentState string

const (
	DeploymentApplying   DeploymentState = "applying"
	DeploymentProbation  DeploymentState = "probation"
	DeploymentCommitted  DeploymentState = "committed"
	DeploymentRolledBack DeploymentState = "rolled-back"
	DeploymentFailed     DeploymentState = "failed"
)

// Deployment records applying one approved proposal.
type Deployment struct {
	ID                string            `json:"id"`
	ProposalID        string            `json:"proposal_id"`
	Backend           string            `json:"backend"`
	BackupRef         backend.BackupRef `json:"backup_ref"`
	State             DeploymentState   `json:"state"`
	AppliedAt         *time.Time        `json:"applied_at,omitempty"`
	HeartbeatDeadline *time.Time        `json:"heartbeat_deadline,omitempty"`
	LastHeartbeatAt   *time.Time        `json:"last_heartbeat_at,omitempty"`
	FailureReason     string            `json:"failure_reason,omitempty"`
	ExpiresAt         *time.Time        `json:"expires_at,omitempty"`
}

// CreateDeployment inserts the deployment with its audit entry. The
// UNIQUE constraint on proposal_id enforces at most one deployment per
// proposal.
func (s *Store) CreateDeployment(d *Deployment, e Entry) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO deployments (id, proposal_id, backend, backup_ref, state,
				applied_at, heartbeat_deadline, last_heartbeat_at, failure_reason, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.ID, d.ProposalID, d.Backend, marshal(d.BackupRef), string(d.State),
			nullableTS(d.AppliedAt), nullableTS(d.HeartbeatDeadline),
			nullableTS(d.LastHeartbeatAt), d.FailureReason, nullableTS(d.ExpiresAt))
		if err != nil {
			return fmt.Errorf("insert deployment: %w", err)
		}
		if e.EntityID == "" {
			e.EntityID = d.ID
		}
		if e.EntityKind == "" {
			e.EntityKind = "deployment"
		}
		return appendAudit(tx, e)
	})
}

// UpdateDeployment persists mutable deployment fields plus an audit
// entry atomically.
func (s *Store) UpdateDeployment(d *Deployment, e Entry) error {
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE deployments SET backup_ref = ?, state = ?, applied_at = ?,
				heartbeat_deadline = ?, last_heartbeat_at = ?, failure_reason = ?, expires_at = ?
			WHERE id = ?`,
			marshal(d.BackupRef), string(d.State), nullableTS(d.AppliedAt),
			nullableTS(d.HeartbeatDeadline), nullableTS(d.LastHeartbeatAt),
			d.FailureReason, nullableTS(d.ExpiresAt), d.ID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("deployment %s: %w", d.ID, ErrNotFound)
		}
		if e.EntityID == "" {
			e.EntityID = d.ID
		}
		if e.EntityKind == "" {
			e.EntityKind = "deployment"
		}
		return appendAudit(tx, e)
	})
}

// Heartbeat records a successful probe without a full audit entry per
// beat; the beat timestamp itself is the record.
func (s *Store) Heartbeat(id string, at time.Time) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE deployments SET last_heartbeat_at = ? WHERE id = ?`, ts(at), id)
		return err
	})
}

// GetDeployment fetches one deployment.
func (s *Store) GetDeployment(id string) (*Deployment, error) {
	row := s.db.QueryRow(deploymentSelect+` WHERE id = ?`, id)
	return scanDeployment(row)
}

// DeploymentForProposal fetches the deployment of a proposal, if any.
func (s *Store) DeploymentForProposal(proposalID string) (*Deployment, error) {
	row := s.db.QueryRow(deploymentSelect+` WHERE proposal_id = ?`, proposalID)
	return scanDeployment(row)
}

// InFlight returns the deployment in applying or probation for a
// backend, or nil. At most one exists; the controller serializes.
func (s *Store) InFlight(backendName string) (*Deployment, error) {
	row := s.db.QueryRow(deploymentSelect+`
		WHERE backend = ? AND state IN ('applying', 'probation')`, backendName)
	d, err := scanDeployment(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return d, err
}

// ListDeployments returns deployments newest first, optionally filtered
// by state.
func (s *Store) ListDeployments(state DeploymentState, limit int) ([]*Deployment, error) {
	if limit <= 0 {
		limit = 100
	}
	query := deploymentSelect
	args := []any{}
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, string(state))
	}
	query += ` ORDER BY applied_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CountRecentByOrigin counts deployments applied after since whose
// proposal carries the given origin. The circuit breaker window query.
func (s *Store) CountRecentByOrigin(origin string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM deployments d
		JOIN proposals p ON p.id = d.proposal_id
		WHERE d.applied_at >= ? AND json_extract(p.rule, '$.origin') = ?`,
		ts(since), origin).Scan(&n)
	return n, err
}

// ExpiredCommitted returns committed deployments whose rules are past
// expiry at now.
func (s *Store) ExpiredCommitted(now time.Time) ([]*Deployment, error) {
	rows, err := s.db.Query(deploymentSelect+`
		WHERE state = 'committed' AND expires_at IS NOT NULL AND expires_at <= ?`, ts(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

const deploymentSelect = `
	SELECT id, proposal_id, backend, backup_ref, state, applied_at,
		heartbeat_deadline, last_heartbeat_at, failure_reason, expires_at
	FROM deployments`

func scanDeployment(row scanner) (*Deployment, error) {
	var d Deployment
	var backupRef, state string
	var appliedAt, deadline, lastBeat, expires sql.NullString
	err := row.Scan(&d.ID, &d.ProposalID, &d.Backend, &backupRef, &state,
		&appliedAt, &deadline, &lastBeat, &d.FailureReason, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d.State = DeploymentState(state)
	if backupRef != "" {
		_ = json.Unmarshal([]byte(backupRef), &d.BackupRef)
	}
	d.AppliedAt = tsPtr(appliedAt)
	d.HeartbeatDeadline = tsPtr(deadline)
	d.LastHeartbeatAt = tsPtr(lastBeat)
	d.ExpiresAt = tsPtr(expires)
	return &d, nil
}

func tsPtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTS(ns.String)
	if t.IsZero() {
		return nil
	}
	return &t
}
