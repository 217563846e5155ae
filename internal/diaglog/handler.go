// Package diaglog provides a slog.Handler that tees selected log records into
// a bounded in-memory ring, so the HTTP surface can expose a recent-activity
// diagnostic feed without a second logging pipeline.
package diaglog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"time"
)

// Entry is one teed log record.
type Entry struct {
	Time    time.Time  `json:"ts"`
	Level   slog.Level `json:"level"`
	Message string     `json:"message"`
	Source  string     `json:"source,omitempty"` // accumulated slog group name
}

// EntryCallback is invoked for each record at or above the handler's minLevel.
type EntryCallback func(Entry)

// TeeHandler wraps a base slog.Handler and tees records at or above minLevel
// to a callback. All records are forwarded to the base handler regardless of
// level; only the callback invocation is gated by minLevel.
type TeeHandler struct {
	base     slog.Handler
	callback EntryCallback
	minLevel slog.Level
	group    string
}

// NewTeeHandler creates a TeeHandler delegating to base and invoking callback
// for every record whose level is >= minLevel. A nil callback is safe.
func NewTeeHandler(base slog.Handler, minLevel slog.Level, callback EntryCallback) *TeeHandler {
	return &TeeHandler{base: base, callback: callback, minLevel: minLevel}
}

func (h *TeeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

// Handle forwards the record to the base handler, then conditionally invokes
// the callback. The callback's own panic is caught and logged to stderr
// directly (not via slog) to avoid recursing back into this handler.
func (h *TeeHandler) Handle(ctx context.Context, record slog.Record) error {
	err := h.base.Handle(ctx, record)

	if h.callback != nil && record.Level >= h.minLevel {
		func() {
			defer func() {
				if r := recover(); r != nil {
					fmt.Fprintf(os.Stderr, "[diaglog] callback panicked: %v\n%s\n", r, debug.Stack())
				}
			}()
			h.callback(Entry{
				Time:    record.Time,
				Level:   record.Level,
				Message: record.Message,
				Source:  h.group,
			})
		}()
	}

	return err
}

func (h *TeeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	return &TeeHandler{base: h.base.WithAttrs(attrs), callback: h.callback, minLevel: h.minLevel, group: h.group}
}

func (h *TeeHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	newGroup := name
	if h.group != "" {
		newGroup = h.group + "." + name
	}
	return &TeeHandler{base: h.base.WithGroup(name), callback: h.callback, minLevel: h.minLevel, group: newGroup}
}
