// Package readiness is C5: per-session readiness classification. It is the
// hardest subsystem in the system, grounded on three teacher files for
// three distinct concerns: the per-pane terminal/replay state machine
// idiom and lock ordering from internal/panestate/manager.go, the
// adaptive-interval background poller idiom from
// internal/tmux/session_manager_idle.go, and the control-sequence-stripping
// plus line-buffer-with-backspace input handling from
// app_input_history.go's processInputString/recordInput (extended here
// with Ctrl-U, which the teacher does not handle).
package readiness

import (
	"context"
	"time"

	"github.com/agmux/agmux-server/internal/muxadapter"
)

// State is a session's readiness classification.
type State string

const (
	StateReady   State = "ready"
	StateBusy    State = "busy"
	StateUnknown State = "unknown"
)

// Indicator is the display-facing value; it never shows Unknown, holding
// the last definite value instead.
type Indicator string

const (
	IndicatorReady Indicator = "ready"
	IndicatorBusy  Indicator = "busy"
)

// Mode classifies a session by what's running in it.
type Mode string

const (
	ModeShell Mode = "shell"
	ModeAgent Mode = "agent"
	ModeOther Mode = "other"
)

// AgentFamily narrows Mode=agent sessions to pick marker patterns.
type AgentFamily string

const (
	AgentCodex  AgentFamily = "codex"
	AgentClaude AgentFamily = "claude"
	AgentOther  AgentFamily = "other"
)

// Snapshot is the externally visible readiness state for one session,
// broadcast as a pty_ready event whenever it changes.
type Snapshot struct {
	ID            string
	State         State
	Indicator     Indicator
	Reason        string
	Source        string
	TS            time.Time
	Cwd           string
	ActiveProcess string
}

// PaneInspector is the narrow slice of C1 the engine needs for scheduled
// recomputes: active-process/cwd/pane-content queries. Defined here (not
// imported as *muxadapter.Adapter directly) so the engine can be tested
// against a fake.
type PaneInspector interface {
	InspectPane(ctx context.Context, server muxadapter.ServerIdentity, target string) (*muxadapter.PaneInfo, error)
	PaneGeometryOf(ctx context.Context, server muxadapter.ServerIdentity, target string) (*muxadapter.PaneGeometry, error)
	CapturePane(ctx context.Context, server muxadapter.ServerIdentity, target string) string
	ActiveProcess(ctx context.Context, pane muxadapter.PaneInfo) (string, error)
}

// SessionRef is what the engine needs to know about a session to inspect
// and classify it; supplied by the caller (the orchestrator) since C5 does
// not own the session registry.
type SessionRef struct {
	ID          string
	Server      muxadapter.ServerIdentity
	Target      string // tmux target ("session" or "session:window"), or "" for a raw PTY session
	Name        string // tmux session name; used for the "shell:" prefix rule
	Command     string
	IsLinkedPTY bool // true when the session has no multiplexer target to inspect (backend=pty)
}
