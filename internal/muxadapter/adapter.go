package muxadapter

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Adapter is C1: the thin wrapper over the tmux binary.
type Adapter struct {
	r *runner
}

// New creates an Adapter shelling out to the given tmux executable path
// ("tmux" if empty).
func New(tmuxPath string) *Adapter {
	return &Adapter{r: newRunner(tmuxPath)}
}

func (a *Adapter) args(server ServerIdentity, rest ...string) []string {
	return append(socketArgsFor(server), rest...)
}

// CreateSessionDetached creates a detached session running shell. Validates
// the shell per spec §4.1 (non-empty, no leading '-', no whitespace, no NUL).
func (a *Adapter) CreateSessionDetached(ctx context.Context, server ServerIdentity, name, shell string) error {
	if err := validateShell(shell); err != nil {
		return err
	}
	_, err := a.r.run(ctx, a.args(server, "new-session", "-d", "-s", name, shell)...)
	return err
}

// EnsureSession creates the session if missing, no-op if present.
func (a *Adapter) EnsureSession(ctx context.Context, server ServerIdentity, name, shell string) error {
	_, err := a.HasSession(ctx, server, name)
	if err == nil {
		return nil
	}
	if !IsNotFound(err) {
		return err
	}
	return a.CreateSessionDetached(ctx, server, name, shell)
}

// HasSession reports whether name exists on server, returning ErrNotFound if
// not.
func (a *Adapter) HasSession(ctx context.Context, server ServerIdentity, name string) (bool, error) {
	_, err := a.r.run(ctx, a.args(server, "has-session", "-t", name)...)
	if err != nil {
		if IsNotFound(err) {
			return false, err
		}
		return false, err
	}
	return true, nil
}

// Locate searches for name, probing private first then default when hint is
// empty, per spec §4.1.
func (a *Adapter) Locate(ctx context.Context, name string, hint ServerIdentity) (ServerIdentity, error) {
	order := []ServerIdentity{ServerPrivate, ServerDefault}
	if hint == ServerDefault {
		order = []ServerIdentity{ServerDefault, ServerPrivate}
	}
	var lastErr error
	for _, server := range order {
		if ok, err := a.HasSession(ctx, server, name); ok {
			return server, nil
		} else if err != nil && !IsNotFound(err) {
			lastErr = err
		}
	}
	if lastErr != nil {
		return "", lastErr
	}
	return "", fmt.Errorf("%w: session %q", ErrNotFound, name)
}

// AttachArgs is a pure function: it returns the argv needed to attach to
// (server, name) from a fresh child process. No side effects.
func AttachArgs(tmuxPath string, server ServerIdentity, name string) []string {
	if tmuxPath == "" {
		tmuxPath = "tmux"
	}
	args := append([]string{tmuxPath}, socketArgsFor(server)...)
	return append(args, "attach-session", "-t", name)
}

// Kill kills a session. Killing an already-gone session is success, per
// spec §4.1 "Failure semantics".
func (a *Adapter) Kill(ctx context.Context, server ServerIdentity, name string) error {
	_, err := a.r.run(ctx, a.args(server, "kill-session", "-t", name)...)
	if err != nil && IsNotFound(err) {
		return nil
	}
	return err
}

// CreateLinkedView creates a linked-view session grouped with source,
// selects initialWindow if non-empty, applies the standard UI options, and
// returns attach argv.
func (a *Adapter) CreateLinkedView(ctx context.Context, tmuxPath string, server ServerIdentity, source, initialWindow string) (string, []string, error) {
	viewName := linkedViewPrefix + source + "_" + strconv.FormatInt(time.Now().UnixNano(), 36)
	args := a.args(server, "new-session", "-d", "-t", source, "-s", viewName)
	if _, err := a.r.run(ctx, args...); err != nil {
		return "", nil, err
	}
	if initialWindow != "" {
		if _, err := a.r.run(ctx, a.args(server, "select-window", "-t", viewName+":"+initialWindow)...); err != nil {
			return "", nil, err
		}
	}
	if err := a.ApplyUIOptions(ctx, server, viewName); err != nil {
		return "", nil, err
	}
	return viewName, AttachArgs(tmuxPath, server, viewName), nil
}

// ListSessions lists sessions across both servers, merged and sorted
// newest-first.
func (a *Adapter) ListSessions(ctx context.Context) ([]SessionSnapshot, error) {
	var all []SessionSnapshot
	for _, server := range []ServerIdentity{ServerPrivate, ServerDefault} {
		out, err := a.r.run(ctx, a.args(server, "list-sessions", "-F",
			"#{session_name}\t#{session_created}\t#{session_windows}")...)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		for _, line := range splitLines(out) {
			fields := strings.Split(line, "\t")
			if len(fields) != 3 {
				continue
			}
			createdUnix, _ := strconv.ParseInt(fields[1], 10, 64)
			windows, _ := strconv.Atoi(fields[2])
			all = append(all, SessionSnapshot{
				Server:    server,
				Name:      fields[0],
				CreatedAt: time.Unix(createdUnix, 0),
				Windows:   windows,
			})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return all, nil
}

// ListWindows lists windows in a session.
func (a *Adapter) ListWindows(ctx context.Context, server ServerIdentity, session string) ([]WindowSnapshot, error) {
	out, err := a.r.run(ctx, a.args(server, "list-windows", "-t", session, "-F",
		"#{window_id}\t#{window_index}\t#{window_name}")...)
	if err != nil {
		return nil, err
	}
	var windows []WindowSnapshot
	for _, line := range splitLines(out) {
		fields := strings.Split(line, "\t")
		if len(fields) != 3 {
			continue
		}
		idx, _ := strconv.Atoi(fields[1])
		windows = append(windows, WindowSnapshot{ID: fields[0], Index: idx, Name: fields[2]})
	}
	return windows, nil
}

// ApplyUIOptions applies the fixed set of UI options from spec §6: status
// bar off, mouse off, prefix/prefix2 disabled, alternate-screen off,
// history-limit >= 50000, escape-time 10ms, per-window latest sizing,
// aggressive-resize on. Options unsupported by the installed tmux version
// are tolerated silently; only failures on the critical subset
// (alternate-screen off, history-limit, mouse off) are returned.
func (a *Adapter) ApplyUIOptions(ctx context.Context, server ServerIdentity, session string) error {
	type opt struct {
		args     []string
		critical bool
	}
	opts := []opt{
		{[]string{"set-option", "-t", session, "status", "off"}, false},
		{[]string{"set-option", "-t", session, "mouse", "off"}, true},
		{[]string{"set-option", "-t", session, "prefix", "None"}, false},
		{[]string{"set-option", "-t", session, "prefix2", "None"}, false},
		{[]string{"set-option", "-t", session, "alternate-screen", "off"}, true},
		{[]string{"set-option", "-t", session, "history-limit", "50000"}, true},
		{[]string{"set-option", "-s", "escape-time", "10"}, false},
		{[]string{"set-window-option", "-t", session, "window-size", "latest"}, false},
		{[]string{"set-window-option", "-t", session, "aggressive-resize", "on"}, false},
	}
	for _, o := range opts {
		if _, err := a.r.run(ctx, a.args(server, o.args...)...); err != nil {
			if o.critical {
				return err
			}
		}
	}
	return nil
}

// InspectPane returns (active-command, pane-pid, tty) by message-query.
// On failure it returns a nil pointer together with the error.
func (a *Adapter) InspectPane(ctx context.Context, server ServerIdentity, target string) (*PaneInfo, error) {
	out, err := a.r.run(ctx, a.args(server, "display-message", "-p", "-t", target,
		"#{pane_current_command}\t#{pane_pid}\t#{pane_tty}")...)
	if err != nil {
		return nil, err
	}
	fields := strings.Split(out, "\t")
	if len(fields) != 3 {
		return nil, fmt.Errorf("%w: unexpected display-message output %q", ErrTransient, out)
	}
	pid, _ := strconv.Atoi(fields[1])
	return &PaneInfo{ActiveCommand: fields[0], PanePID: pid, TTY: fields[2]}, nil
}

// PaneGeometryOf returns cwd and (width, height) for the given pane target.
func (a *Adapter) PaneGeometryOf(ctx context.Context, server ServerIdentity, target string) (*PaneGeometry, error) {
	out, err := a.r.run(ctx, a.args(server, "display-message", "-p", "-t", target,
		"#{pane_current_path}\t#{pane_width}\t#{pane_height}")...)
	if err != nil {
		return nil, err
	}
	fields := strings.Split(out, "\t")
	if len(fields) != 3 {
		return nil, fmt.Errorf("%w: unexpected display-message output %q", ErrTransient, out)
	}
	w, _ := strconv.Atoi(fields[1])
	h, _ := strconv.Atoi(fields[2])
	return &PaneGeometry{Cwd: fields[0], Width: w, Height: h}, nil
}

// CapturePane returns the visible pane content, joined lines trimmed of
// leading/trailing blank lines, or the "capture unavailable" marker.
const CaptureUnavailable = "<capture unavailable>"

func (a *Adapter) CapturePane(ctx context.Context, server ServerIdentity, target string) string {
	out, err := a.r.run(ctx, a.args(server, "capture-pane", "-p", "-t", target)...)
	if err != nil {
		return CaptureUnavailable
	}
	lines := strings.Split(out, "\n")
	start, end := 0, len(lines)
	for start < end && strings.TrimSpace(lines[start]) == "" {
		start++
	}
	for end > start && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	return strings.Join(lines[start:end], "\n")
}

// ScrollHistory enters copy-mode if direction is up, then sends N
// scroll-up/scroll-down keys, N clamped to [1, 200].
func (a *Adapter) ScrollHistory(ctx context.Context, server ServerIdentity, target string, direction ScrollDirection, lines int) error {
	if lines < 1 {
		lines = 1
	}
	if lines > 200 {
		lines = 200
	}
	if direction == ScrollUp {
		if _, err := a.r.run(ctx, a.args(server, "copy-mode", "-t", target)...); err != nil {
			return err
		}
	}
	key := "WheelDownPane"
	if direction == ScrollUp {
		key = "WheelUpPane"
	}
	for i := 0; i < lines; i++ {
		if _, err := a.r.run(ctx, a.args(server, "send-keys", "-t", target, "-N", "1", key)...); err != nil {
			return err
		}
	}
	return nil
}

// PruneLinkedViews kills detached linked-view sessions (name matches the
// linked-view convention, attached count is zero).
func (a *Adapter) PruneLinkedViews(ctx context.Context, server ServerIdentity) error {
	out, err := a.r.run(ctx, a.args(server, "list-sessions", "-F",
		"#{session_name}\t#{session_attached}")...)
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return err
	}
	for _, line := range splitLines(out) {
		fields := strings.Split(line, "\t")
		if len(fields) != 2 {
			continue
		}
		name, attached := fields[0], fields[1]
		if !strings.HasPrefix(name, linkedViewPrefix) {
			continue
		}
		if attached != "0" {
			continue
		}
		if err := a.Kill(ctx, server, name); err != nil && !IsNotFound(err) {
			return err
		}
	}
	return nil
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func validateShell(shell string) error {
	if shell == "" {
		return fmt.Errorf("%w: shell must not be empty", ErrTransient)
	}
	if strings.HasPrefix(shell, "-") {
		return fmt.Errorf("%w: shell must not start with '-'", ErrTransient)
	}
	if strings.ContainsAny(shell, " \t\n\x00") {
		return fmt.Errorf("%w: shell must not contain whitespace or NUL", ErrTransient)
	}
	return nil
}
