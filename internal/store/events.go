package store

import (
	"encoding/json"
	"fmt"
)

// InsertEvent appends an event row.
func (s *Store) InsertEvent(e Event) error {
	return s.withWriteLock(func() error {
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("store: marshal event payload: %w", err)
		}
		_, err = s.db.Exec(`INSERT INTO events (session_id, ts, type, payload_json) VALUES (?, ?, ?, ?)`,
			e.SessionID, e.TimestampMs, e.Type, string(payload))
		if err != nil {
			return fmt.Errorf("store: insert event: %w", err)
		}
		return nil
	})
}

// ListEvents returns events for sessionID in (session_id, ts) order.
func (s *Store) ListEvents(sessionID string, limit int) ([]Event, error) {
	query := `SELECT session_id, ts, type, payload_json FROM events WHERE session_id = ? ORDER BY ts ASC`
	args := []any{sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var payload string
		if err := rows.Scan(&e.SessionID, &e.TimestampMs, &e.Type, &payload); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		_ = json.Unmarshal([]byte(payload), &e.Payload)
		out = append(out, e)
	}
	return out, rows.Err()
}
