package store

import (
	"database/sql"

	"holt.is/bulwark/internal/events"
)

// AppendEvent persists an event and its observation audit record in one
// transaction, returning the assigned sequence number.
func (s *Store) AppendEvent(ev *events.SecurityEvent) (int64, error) {
	var seq int64
	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			INSERT INTO events (id, source, kind, severity, source_ip, target, observed_at, raw, causal_tag)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.ID, ev.Source, string(ev.Kind), ev.Severity.String(),
			ev.SourceIP, ev.Target, ts(ev.ObservedAt), ev.Raw, ev.CausalTag)
		if err != nil {
			return err
		}
		seq, err = res.LastInsertId()
		if err != nil {
			return err
		}
		action := ActionEventObserved
		if ev.Kind == events.KindDropCount {
			action = ActionEventsDropped
		}
		return appendAudit(tx, Entry{
			Action:     action,
			EntityKind: "event",
			EntityID:   ev.ID,
			Detail: map[string]any{
				"kind":     ev.Kind,
				"severity": ev.Severity.String(),
				"source":   ev.Source,
			},
			CorrelationID: ev.CausalTag,
		})
	})
	if err == nil {
		ev.Seq = seq
	}
	return seq, err
}

// EventsSince returns events with seq > after, oldest first. The resume
// path for subscriptions.
func (s *Store) EventsSince(after int64, limit int) ([]events.SecurityEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.Query(`
		SELECT seq, id, source, kind, severity, source_ip, target, observed_at, raw, causal_tag
		FROM events WHERE seq > ? ORDER BY seq ASC LIMIT ?`, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []events.SecurityEvent
	for rows.Next() {
		var ev events.SecurityEvent
		var kind, severity, observed string
		if err := rows.Scan(&ev.Seq, &ev.ID, &ev.Source, &kind, &severity,
			&ev.SourceIP, &ev.Target, &observed, &ev.Raw, &ev.CausalTag); err != nil {
			return nil, err
		}
		ev.Kind = events.Kind(kind)
		ev.Severity = events.ParseSeverity(severity)
		ev.ObservedAt = parseTS(observed)
		out = append(out, ev)
	}
	return out, rows.Err()
}
