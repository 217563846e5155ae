package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertAgentSession merges rec into the registry per spec §4.2's merge
// rules: on conflict, keep the earliest created_at, the latest
// last_seen_at, and prefer a non-null incoming cwd.
func (s *Store) UpsertAgentSession(rec AgentSessionRecord) error {
	return s.withWriteLock(func() error {
		existing, err := s.getAgentSessionLocked(rec.Provider, rec.ProviderSessionID)
		if err != nil && err != ErrNoRows {
			return err
		}
		merged := rec
		if err == nil {
			if existing.CreatedAt.Before(rec.CreatedAt) {
				merged.CreatedAt = existing.CreatedAt
			}
			if existing.LastSeenAt.After(rec.LastSeenAt) {
				merged.LastSeenAt = existing.LastSeenAt
			}
			if merged.Cwd == "" {
				merged.Cwd = existing.Cwd
			}
		}

		var lastRestored any
		if merged.LastRestoredAt != nil {
			lastRestored = merged.LastRestoredAt.UnixMilli()
		}
		_, err = s.db.Exec(`
			INSERT INTO agent_sessions (provider, provider_session_id, display_name, cwd, created_at, last_seen_at, last_restored_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(provider, provider_session_id) DO UPDATE SET
				display_name=excluded.display_name,
				cwd=excluded.cwd,
				created_at=excluded.created_at,
				last_seen_at=excluded.last_seen_at,
				last_restored_at=excluded.last_restored_at
		`, merged.Provider, merged.ProviderSessionID, merged.DisplayName, merged.Cwd,
			merged.CreatedAt.UnixMilli(), merged.LastSeenAt.UnixMilli(), lastRestored)
		if err != nil {
			return fmt.Errorf("store: upsert agent session: %w", err)
		}
		return nil
	})
}

// GetAgentSession looks up one record by its primary key.
func (s *Store) GetAgentSession(provider, providerSessionID string) (AgentSessionRecord, error) {
	return s.getAgentSessionLocked(provider, providerSessionID)
}

func (s *Store) getAgentSessionLocked(provider, providerSessionID string) (AgentSessionRecord, error) {
	var rec AgentSessionRecord
	var createdMs, lastSeenMs int64
	var lastRestored sql.NullInt64
	err := s.db.QueryRow(`
		SELECT provider, provider_session_id, display_name, cwd, created_at, last_seen_at, last_restored_at
		FROM agent_sessions WHERE provider = ? AND provider_session_id = ?
	`, provider, providerSessionID).Scan(&rec.Provider, &rec.ProviderSessionID, &rec.DisplayName,
		&rec.Cwd, &createdMs, &lastSeenMs, &lastRestored)
	if err == sql.ErrNoRows {
		return AgentSessionRecord{}, ErrNoRows
	}
	if err != nil {
		return AgentSessionRecord{}, fmt.Errorf("store: get agent session: %w", err)
	}
	rec.CreatedAt = time.UnixMilli(createdMs)
	rec.LastSeenAt = time.UnixMilli(lastSeenMs)
	if lastRestored.Valid {
		t := time.UnixMilli(lastRestored.Int64)
		rec.LastRestoredAt = &t
	}
	return rec, nil
}

// ListAgentSessions returns every agent session record, newest-seen first.
func (s *Store) ListAgentSessions() ([]AgentSessionRecord, error) {
	rows, err := s.db.Query(`
		SELECT provider, provider_session_id, display_name, cwd, created_at, last_seen_at, last_restored_at
		FROM agent_sessions ORDER BY last_seen_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("store: list agent sessions: %w", err)
	}
	defer rows.Close()

	var out []AgentSessionRecord
	for rows.Next() {
		var rec AgentSessionRecord
		var createdMs, lastSeenMs int64
		var lastRestored sql.NullInt64
		if err := rows.Scan(&rec.Provider, &rec.ProviderSessionID, &rec.DisplayName,
			&rec.Cwd, &createdMs, &lastSeenMs, &lastRestored); err != nil {
			return nil, fmt.Errorf("store: scan agent session: %w", err)
		}
		rec.CreatedAt = time.UnixMilli(createdMs)
		rec.LastSeenAt = time.UnixMilli(lastSeenMs)
		if lastRestored.Valid {
			t := time.UnixMilli(lastRestored.Int64)
			rec.LastRestoredAt = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SetTaskAssignment atomically deactivates the prior active assignment for
// sessionID and installs taskID as the new active one.
func (s *Store) SetTaskAssignment(sessionID, taskID string) error {
	return s.withWriteLock(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("store: begin task assignment tx: %w", err)
		}
		defer tx.Rollback()

		if _, err := tx.Exec(`UPDATE session_task_assignments SET active = 0 WHERE session_id = ? AND active = 1`, sessionID); err != nil {
			return fmt.Errorf("store: deactivate prior assignment: %w", err)
		}
		if _, err := tx.Exec(`INSERT INTO session_task_assignments (session_id, task_id, active, created_at) VALUES (?, ?, 1, ?)`,
			sessionID, taskID, s.now().UnixMilli()); err != nil {
			return fmt.Errorf("store: insert task assignment: %w", err)
		}
		return tx.Commit()
	})
}

// ClearTaskAssignment deactivates sessionID's active assignment, if any.
func (s *Store) ClearTaskAssignment(sessionID string) error {
	return s.withWriteLock(func() error {
		_, err := s.db.Exec(`UPDATE session_task_assignments SET active = 0 WHERE session_id = ? AND active = 1`, sessionID)
		if err != nil {
			return fmt.Errorf("store: clear task assignment: %w", err)
		}
		return nil
	})
}
