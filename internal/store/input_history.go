package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// SaveInputHistory persists h, truncating Entries to the most recent
// MaxInputHistoryEntries if needed.
func (s *Store) SaveInputHistory(h InputHistory) error {
	if len(h.Entries) > MaxInputHistoryEntries {
		h.Entries = h.Entries[len(h.Entries)-MaxInputHistoryEntries:]
	}
	return s.withWriteLock(func() error {
		entriesJSON, err := json.Marshal(h.Entries)
		if err != nil {
			return fmt.Errorf("store: marshal input history entries: %w", err)
		}
		_, err = s.db.Exec(`
			INSERT INTO input_history (session_id, last_input, process_hint, entries_json)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(session_id) DO UPDATE SET
				last_input=excluded.last_input,
				process_hint=excluded.process_hint,
				entries_json=excluded.entries_json
		`, h.SessionID, h.LastInput, h.ProcessHint, string(entriesJSON))
		if err != nil {
			return fmt.Errorf("store: save input history %s: %w", h.SessionID, err)
		}
		return nil
	})
}

// LoadAllInputHistory returns every session's input history, keyed by
// session id.
func (s *Store) LoadAllInputHistory() (map[string]InputHistory, error) {
	rows, err := s.db.Query(`SELECT session_id, last_input, process_hint, entries_json FROM input_history`)
	if err != nil {
		return nil, fmt.Errorf("store: load input history: %w", err)
	}
	defer rows.Close()

	out := map[string]InputHistory{}
	for rows.Next() {
		var h InputHistory
		var entriesJSON string
		if err := rows.Scan(&h.SessionID, &h.LastInput, &h.ProcessHint, &entriesJSON); err != nil {
			return nil, fmt.Errorf("store: scan input history: %w", err)
		}
		_ = json.Unmarshal([]byte(entriesJSON), &h.Entries)
		out[h.SessionID] = h
	}
	return out, rows.Err()
}

// DeleteInputHistory removes the row for sessionID (a no-op if absent),
// invoked when the session identifier disappears from the session set.
func (s *Store) DeleteInputHistory(sessionID string) error {
	return s.withWriteLock(func() error {
		_, err := s.db.Exec(`DELETE FROM input_history WHERE session_id = ?`, sessionID)
		if err != nil {
			return fmt.Errorf("store: delete input history %s: %w", sessionID, err)
		}
		return nil
	})
}

// GetPreference looks up key, JSON-decoding its value into out. Returns
// ErrNoRows if the key is unset.
func (s *Store) GetPreference(key string, out any) error {
	var value string
	err := s.db.QueryRow(`SELECT value_json FROM preferences WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return ErrNoRows
	}
	if err != nil {
		return fmt.Errorf("store: get preference %s: %w", key, err)
	}
	return json.Unmarshal([]byte(value), out)
}

// SetPreference stores value (JSON-encoded) for key, last-write-wins.
func (s *Store) SetPreference(key string, value any) error {
	return s.withWriteLock(func() error {
		encoded, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("store: marshal preference %s: %w", key, err)
		}
		_, err = s.db.Exec(`
			INSERT INTO preferences (key, value_json) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value_json=excluded.value_json
		`, key, string(encoded))
		if err != nil {
			return fmt.Errorf("store: set preference %s: %w", key, err)
		}
		return nil
	})
}
