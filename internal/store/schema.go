package store

import (
	"database/sql"
	"fmt"
)

// migrate brings the schema forward. Additive only: new tables are created
// if missing, new columns are added if missing, nothing is ever dropped, so
// an older database file is always forward-compatible (spec §4.2, §6).
func (s *Store) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			mux_server TEXT NOT NULL,
			mux_name TEXT NOT NULL,
			command TEXT NOT NULL,
			args_json TEXT NOT NULL DEFAULT '[]',
			cwd TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			last_seen_at INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'running',
			exit_code INTEGER,
			exit_signal TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			session_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			type TEXT NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session_ts ON events(session_id, ts)`,
		`CREATE TABLE IF NOT EXISTS input_history (
			session_id TEXT PRIMARY KEY,
			last_input TEXT NOT NULL DEFAULT '',
			process_hint TEXT NOT NULL DEFAULT '',
			entries_json TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE TABLE IF NOT EXISTS preferences (
			key TEXT PRIMARY KEY,
			value_json TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agent_sessions (
			provider TEXT NOT NULL,
			provider_session_id TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			cwd TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			last_seen_at INTEGER NOT NULL,
			last_restored_at INTEGER,
			PRIMARY KEY (provider, provider_session_id)
		)`,
		`CREATE TABLE IF NOT EXISTS session_task_assignments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_task_assignments_active
			ON session_task_assignments(session_id)
			WHERE active = 1`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %s: %w", stmt, err)
		}
	}
	return s.addMissingColumns()
}

// addMissingColumns probes each table's columns via PRAGMA table_info and
// adds any that this version of the schema expects but an older database
// file lacks, the same "tolerate missing fields instead of failing"
// philosophy the teacher's internal/config package applies to YAML fields.
func (s *Store) addMissingColumns() error {
	wanted := map[string][][2]string{
		"sessions": {
			{"args_json", "TEXT NOT NULL DEFAULT '[]'"},
			{"exit_code", "INTEGER"},
			{"exit_signal", "TEXT"},
		},
	}
	for table, columns := range wanted {
		existing, err := s.columnsOf(table)
		if err != nil {
			return err
		}
		for _, col := range columns {
			name, ddl := col[0], col[1]
			if existing[name] {
				continue
			}
			stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, name, ddl)
			if _, err := s.db.Exec(stmt); err != nil {
				return fmt.Errorf("store: add column %s.%s: %w", table, name, err)
			}
		}
	}
	return nil
}

func (s *Store) columnsOf(table string) (map[string]bool, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := map[string]bool{}
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}
