// Package store is the persistent audit and state store: a single-file
// sqlite database holding proposals, deployments, events, the append-only
// audit trail, daemon state and the never-block list.
//
// Every entity transition writes its row change and an audit record in
// one transaction, or neither. The audit table is append-only; a trigger
// aborts any delete so even a bug in retention cannot erase history.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"holt.is/bulwark/internal/clock"
)

// Store wraps the database. Readers may run concurrently; writers are
// serialized by sqlite's WAL plus a process-level mutex so audit
// sequence numbers allocate in commit order.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

const schema = `
CREATE TABLE IF NOT EXISTS proposals (
	id TEXT PRIMARY KEY,
	rule TEXT NOT NULL,
	rendered TEXT,
	verdict TEXT,
	conflicts TEXT,
	explanation TEXT,
	state TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_proposals_state ON proposals(state);

CREATE TABLE IF NOT EXISTS deployments (
	id TEXT PRIMARY KEY,
	proposal_id TEXT NOT NULL UNIQUE REFERENCES proposals(id),
	backend TEXT NOT NULL,
	backup_ref TEXT,
	state TEXT NOT NULL,
	applied_at TEXT,
	heartbeat_deadline TEXT,
	last_heartbeat_at TEXT,
	failure_reason TEXT,
	expires_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_deployments_state ON deployments(state);

CREATE TABLE IF NOT EXISTS events (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL,
	source TEXT NOT NULL,
	kind TEXT NOT NULL,
	severity TEXT NOT NULL,
	source_ip TEXT,
	target TEXT,
	observed_at TEXT NOT NULL,
	raw TEXT,
	causal_tag TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_observed ON events(observed_at);
CREATE INDEX IF NOT EXISTS idx_events_source_ip ON events(source_ip);

CREATE TABLE IF NOT EXISTS audit (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	at TEXT NOT NULL,
	action TEXT NOT NULL,
	entity_kind TEXT,
	entity_id TEXT,
	detail TEXT,
	error_kind TEXT,
	correlation_id TEXT
);

CREATE TABLE IF NOT EXISTS daemon_state (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS never_block (
	entry TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	note TEXT,
	added_at TEXT NOT NULL
);

CREATE TRIGGER IF NOT EXISTS audit_append_only
BEFORE DELETE ON audit
BEGIN
	SELECT RAISE(ABORT, 'audit is append-only');
END;
`

// Open opens (creating if needed) the store at path. WAL journaling keeps
// the file consistent across unclean shutdown and lets readers run
// alongside the writer.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the handle for read-only dashboard queries.
func (s *Store) DB() *sql.DB { return s.db }

// withTx runs fn inside a write transaction.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func ts(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTS(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullableTS(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return ts(*t)
}

func marshal(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// Retention removes events older than retainDays. Audit records are
// never touched.
func (s *Store) Retention(retainDays int) error {
	if retainDays <= 0 {
		return nil
	}
	cutoff := ts(clock.Now().AddDate(0, 0, -retainDays))
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM events WHERE observed_at < ?`, cutoff)
		return err
	})
}
