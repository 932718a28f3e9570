package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"holt.is/bulwark/internal/backend"
	"holt.is/bulwark/internal/clock"
	"holt.is/bulwark/internal/conflict"
	"holt.is/bulwark/internal/policy"
)

// ProposalState is the lifecycle state of a proposal.
type ProposalState string

const (
	ProposalDraft      ProposalState = "draft"
	ProposalPending    ProposalState = "pending-approval"
	ProposalApproved   ProposalState = "approved"
	ProposalRejected   ProposalState = "rejected"
	ProposalSuperseded ProposalState = "superseded"
)

// terminalProposal reports whether no further transitions are allowed.
func terminalProposal(s ProposalState) bool {
	return s == ProposalRejected || s == ProposalSuperseded
}

// Proposal is a candidate policy change with everything a reviewer needs.
type Proposal struct {
	ID          string               `json:"id"`
	Rule        policy.Rule          `json:"rule"`
	Rendered    backend.RenderedRule `json:"rendered"`
	Verdict     backend.Verdict      `json:"verdict"`
	Conflicts   conflict.Report      `json:"conflicts"`
	Explanation string               `json:"explanation,omitempty"`
	State       ProposalState        `json:"state"`
	CreatedAt   string               `json:"created_at"`
	UpdatedAt   string               `json:"updated_at"`
}

// ErrNotFound is returned for lookups of unknown entities.
var ErrNotFound = errors.New("not found")

// ErrTerminalState rejects transitions out of rejected/superseded.
var ErrTerminalState = errors.New("proposal is in a terminal state")

// CreateProposal inserts the proposal and its audit record atomically.
func (s *Store) CreateProposal(p *Proposal) error {
	now := ts(clock.Now())
	p.CreatedAt, p.UpdatedAt = now, now
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO proposals (id, rule, rendered, verdict, conflicts, explanation, state, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, marshal(p.Rule), marshal(p.Rendered), marshal(p.Verdict),
			marshal(p.Conflicts), p.Explanation, string(p.State), now, now)
		if err != nil {
			return fmt.Errorf("insert proposal: %w", err)
		}
		return appendAudit(tx, Entry{
			Action:     ActionProposalCreated,
			EntityKind: "proposal",
			EntityID:   p.ID,
			Detail: map[string]any{
				"origin": p.Rule.Origin,
				"rule":   p.Rule.Describe(),
				"state":  p.State,
			},
		})
	})
}

// TransitionProposal moves a proposal to a new state, appending the given
// audit entry in the same transaction.
func (s *Store) TransitionProposal(id string, to ProposalState, e Entry) error {
	return s.withTx(func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRow(`SELECT state FROM proposals WHERE id = ?`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("proposal %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if terminalProposal(ProposalState(current)) {
			return fmt.Errorf("proposal %s (%s): %w", id, current, ErrTerminalState)
		}
		if _, err := tx.Exec(`UPDATE proposals SET state = ?, updated_at = ? WHERE id = ?`,
			string(to), ts(clock.Now()), id); err != nil {
			return err
		}
		if e.EntityID == "" {
			e.EntityID = id
		}
		if e.EntityKind == "" {
			e.EntityKind = "proposal"
		}
		return appendAudit(tx, e)
	})
}

// GetProposal fetches one proposal.
func (s *Store) GetProposal(id string) (*Proposal, error) {
	row := s.db.QueryRow(`
		SELECT id, rule, rendered, verdict, conflicts, explanation, state, created_at, updated_at
		FROM proposals WHERE id = ?`, id)
	return scanProposal(row)
}

// ListProposals returns proposals in a state, newest first; empty state
// lists all.
func (s *Store) ListProposals(state ProposalState, limit int) ([]*Proposal, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, rule, rendered, verdict, conflicts, explanation, state, created_at, updated_at
		FROM proposals`
	args := []any{}
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, string(state))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type scanner interface{ Scan(dest ...any) error }

func scanProposal(row scanner) (*Proposal, error) {
	var p Proposal
	var rule, rendered, verdict, conflicts, state string
	err := row.Scan(&p.ID, &rule, &rendered, &verdict, &conflicts,
		&p.Explanation, &state, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.State = ProposalState(state)
	if err := json.Unmarshal([]byte(rule), &p.Rule); err != nil {
		return nil, fmt.Errorf("proposal %s rule: %w", p.ID, err)
	}
	if rendered != "" {
		_ = json.Unmarshal([]byte(rendered), &p.Rendered)
	}
	if verdict != "" {
		_ = json.Unmarshal([]byte(verdict), &p.Verdict)
	}
	if conflicts != "" {
		_ = json.Unmarshal([]byte(conflicts), &p.Conflicts)
	}
	return &p, nil
}
