package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// UpsertSession inserts or replaces on id, refreshing last_seen_at to now.
func (s *Store) UpsertSession(summary SessionSummary) error {
	return s.withWriteLock(func() error {
		argsJSON, err := json.Marshal(summary.Args)
		if err != nil {
			return fmt.Errorf("store: marshal args: %w", err)
		}
		lastSeen := s.now()
		_, err = s.db.Exec(`
			INSERT INTO sessions (id, display_name, mux_server, mux_name, command, args_json, cwd, created_at, last_seen_at, status, exit_code, exit_signal)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				display_name=excluded.display_name,
				mux_server=excluded.mux_server,
				mux_name=excluded.mux_name,
				command=excluded.command,
				args_json=excluded.args_json,
				cwd=excluded.cwd,
				last_seen_at=excluded.last_seen_at,
				status=excluded.status,
				exit_code=excluded.exit_code,
				exit_signal=excluded.exit_signal
		`,
			summary.ID, summary.DisplayName, summary.MuxServer, summary.MuxName,
			summary.Command, string(argsJSON), summary.Cwd,
			summary.CreatedAt.UnixMilli(), lastSeen.UnixMilli(),
			summary.Status, nullableInt(summary.ExitCode), nullableString(summary.ExitSignal),
		)
		if err != nil {
			return fmt.Errorf("store: upsert session %s: %w", summary.ID, err)
		}
		return nil
	})
}

// ListSessions returns the limit most-recently-seen sessions, newest first.
// limit <= 0 means unbounded.
func (s *Store) ListSessions(limit int) ([]SessionSummary, error) {
	query := `SELECT id, display_name, mux_server, mux_name, command, args_json, cwd, created_at, last_seen_at, status, exit_code, exit_signal
		FROM sessions ORDER BY last_seen_at DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var summary SessionSummary
		var argsJSON string
		var createdMs, lastSeenMs int64
		var exitCode sql.NullInt64
		var exitSignal sql.NullString
		if err := rows.Scan(&summary.ID, &summary.DisplayName, &summary.MuxServer, &summary.MuxName,
			&summary.Command, &argsJSON, &summary.Cwd, &createdMs, &lastSeenMs,
			&summary.Status, &exitCode, &exitSignal); err != nil {
			return nil, fmt.Errorf("store: scan session: %w", err)
		}
		_ = json.Unmarshal([]byte(argsJSON), &summary.Args)
		summary.CreatedAt = time.UnixMilli(createdMs)
		summary.LastSeenAt = time.UnixMilli(lastSeenMs)
		if exitCode.Valid {
			v := int(exitCode.Int64)
			summary.ExitCode = &v
		}
		if exitSignal.Valid {
			v := exitSignal.String
			summary.ExitSignal = &v
		}
		out = append(out, summary)
	}
	return out, rows.Err()
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

// ErrNoRows is returned by single-row lookups that find nothing.
var ErrNoRows = errors.New("store: no rows")
