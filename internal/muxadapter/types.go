// Package muxadapter is a thin, well-typed wrapper over an external tmux
// binary run on a private socket (C1). Every operation shells out to a
// short-lived tmux child process and classifies its result as success, a
// typed "not found" signal, or a transient error; no call blocks
// indefinitely, since the child process terminates on its own.
package muxadapter

import "time"

// ServerIdentity selects which tmux server a call addresses.
type ServerIdentity string

const (
	// ServerPrivate is a fixed socket name with an empty configuration file
	// (-f /dev/null): no user config is ever loaded.
	ServerPrivate ServerIdentity = "private"
	// ServerDefault is the user's own default tmux server.
	ServerDefault ServerIdentity = "default"
)

// SessionSnapshot describes one tmux session as reported by "list-sessions".
type SessionSnapshot struct {
	Server    ServerIdentity
	Name      string
	CreatedAt time.Time
	Windows   int
}

// WindowSnapshot describes one tmux window within a session.
type WindowSnapshot struct {
	ID    string // stable window id, e.g. "@3"
	Index int
	Name  string
}

// PaneInfo is the result of an "inspect pane" query.
type PaneInfo struct {
	ActiveCommand string
	PanePID       int
	TTY           string
}

// PaneGeometry is the result of a pane cwd/size query.
type PaneGeometry struct {
	Cwd    string
	Width  int
	Height int
}

// ScrollDirection is the direction passed to ScrollHistory.
type ScrollDirection string

const (
	ScrollUp   ScrollDirection = "up"
	ScrollDown ScrollDirection = "down"
)

// linkedViewPrefix names the naming convention used for linked-view
// sessions, so PruneLinkedViews can recognize its own sessions.
const linkedViewPrefix = "agmux_view_"
