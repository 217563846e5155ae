// Package session is C3: the in-memory set of running sessions, each one
// attachment process to a multiplexer session (or a raw PTY when the shell
// backend is selected). It owns a PTY child per session via creack/pty,
// grounded on the teacher's internal/terminal/terminal_unix.go
// (pty.StartWithSize/defaultShell), and fans output out through a pooled,
// bounded channel grounded on app_pane_feed.go's feedBytePool/paneFeedCh
// pattern, generalized from one shared worker per app to one goroutine per
// session (C3's own output ordering guarantee, spec §5, is per-session).
package session

import (
	"time"

	"github.com/agmux/agmux-server/internal/muxadapter"
)

// Descriptor carries everything needed to spawn one session's attachment
// child, per spec §4.3.
type Descriptor struct {
	// ID is the pre-chosen identifier to preserve across a restart
	// re-attach; empty means "mint a fresh one".
	ID string
	// CreatedAt lets a restoration spawn keep the original creation time;
	// zero means "now".
	CreatedAt time.Time

	DisplayName string
	MuxServer   muxadapter.ServerIdentity
	MuxName     string

	// Command/Args is the argv actually exec'd on the PTY (the tmux attach
	// invocation, or a raw shell when backend=pty).
	Command string
	Args    []string
	Dir     string
	Env     []string

	Cols int
	Rows int
}

// Summary is the live, in-memory view of one session, returned by
// GetSummary/List.
type Summary struct {
	ID          string
	DisplayName string
	MuxServer   muxadapter.ServerIdentity
	MuxName     string
	Command     string
	Args        []string
	Cwd         string
	CreatedAt   time.Time
	LastSeenAt  time.Time
	Cols, Rows  int
	Status      string // "running" | "exited"
	ExitCode    *int
	ExitSignal  *string
}

// OutputEvent is emitted on every read from a child's PTY.
type OutputEvent struct {
	ID   string
	Data []byte
}

// ExitEvent is emitted exactly once per session, when its attachment child
// terminates.
type ExitEvent struct {
	ID     string
	Code   int
	Signal string
}

// Event is the single fan-out event carried on Manager.Events: exactly one
// of Output/Exit is set. A session's reader goroutine writes its final
// OutputEvent and its ExitEvent to this same channel in that order, so a
// consumer draining one channel in arrival order can never observe an exit
// before the output that preceded it, per spec §5 "output is never emitted
// after exit for the same id".
type Event struct {
	Output *OutputEvent
	Exit   *ExitEvent
}
