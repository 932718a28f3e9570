package store

import (
	"database/sql"
	"errors"
	"fmt"

	"holt.is/bulwark/internal/clock"
)

// Daemon state keys.
const (
	KeyAutonomyLevel  = "autonomy.level"
	KeyBreakerTripped = "autonomy.breaker.tripped"
	KeyCursorPrefix   = "source.cursor." // + source name
)

// SetState upserts a daemon_state key.
func (s *Store) SetState(key, value string) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO daemon_state (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, value, ts(clock.Now()))
		return err
	})
}

// GetState reads a daemon_state key; missing keys return "".
func (s *Store) GetState(key string) (string, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM daemon_state WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

// NeverBlockEntry is one protected subject.
type NeverBlockEntry struct {
	Entry   string `json:"entry"`
	Kind    string `json:"kind"` // ip, cidr, hostname, interface
	Note    string `json:"note,omitempty"`
	AddedAt string `json:"added_at"`
}

// AddNeverBlock inserts a protected subject with its audit record.
func (s *Store) AddNeverBlock(entry, kind, note string) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO never_block (entry, kind, note, added_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(entry) DO UPDATE SET kind = excluded.kind, note = excluded.note`,
			entry, kind, note, ts(clock.Now()))
		if err != nil {
			return err
		}
		return appendAudit(tx, Entry{
			Action:     ActionNeverBlockAdded,
			EntityKind: "never-block",
			EntityID:   entry,
			Detail:     map[string]any{"kind": kind, "note": note},
		})
	})
}

// RemoveNeverBlock deletes a protected subject with its audit record.
func (s *Store) RemoveNeverBlock(entry string) error {
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM never_block WHERE entry = ?`, entry)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("never-block entry %q: %w", entry, ErrNotFound)
		}
		return appendAudit(tx, Entry{
			Action:     ActionNeverBlockRemoved,
			EntityKind: "never-block",
			EntityID:   entry,
		})
	})
}

// ListNeverBlock returns all protected subjects.
func (s *Store) ListNeverBlock() ([]NeverBlockEntry, error) {
	rows, err := s.db.Query(`SELECT entry, kind, note, added_at FROM never_block ORDER BY entry`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []NeverBlockEntry
	for rows.Next() {
		var e NeverBlockEntry
		if err := rows.Scan(&e.Entry, &e.Kind, &e.Note, &e.AddedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
