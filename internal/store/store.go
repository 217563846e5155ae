// Package store is C2: the durable record of session metadata, per-session
// input history, the agent-session registry, and key/value preferences.
// Writes are synchronous; reads return consistent snapshots. Backed by
// modernc.org/sqlite (pure Go, no cgo) in WAL mode, a teacher go.mod
// dependency the teacher itself never wires (see DESIGN.md).
package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store is a serialized handle on the sqlite database. writeMu guards every
// mutating statement (and any read a write path makes before it mutates), so
// concurrent writers are serialized at the application level in addition to
// sqlite's own WAL single-writer guarantee. The pool holds one connection,
// so reads are also serialized with each other and with writes.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
	now     func() time.Time // test seam, mirrors the teacher's session_manager.go "now" field
}

// Open opens (creating if necessary) the sqlite database at path, enables
// WAL mode, and runs schema migration.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// A single writer connection avoids "database is locked" errors under
	// sqlite's WAL mode, since writes are already serialized by writeMu.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enable foreign keys: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// withWriteLock serializes fn against every other write on this Store.
func (s *Store) withWriteLock(fn func() error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return fn()
}
