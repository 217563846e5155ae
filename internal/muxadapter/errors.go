package muxadapter

import "errors"

// ErrNotFound is returned when a session, window, or pane the caller asked
// about does not exist. Inspection callers should treat it as a structured
// null, not an exceptional failure (spec §4.1, §7 "External-not-found").
var ErrNotFound = errors.New("muxadapter: not found")

// ErrTransient wraps an unexpected tmux/subprocess failure: the binary is
// missing, the socket is unreachable, or the child exited non-zero for a
// reason other than "no such session". Mutating calls bubble this up;
// inspection calls swallow it and return a null result instead.
var ErrTransient = errors.New("muxadapter: transient error")

// IsNotFound reports whether err (or any error it wraps) is ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
