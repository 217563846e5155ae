package muxadapter

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// runner invokes the tmux binary as a bounded child process and classifies
// its outcome. Generalized from the teacher's internal/git external-process
// pattern (run a short-lived child, inspect stderr/exit code, turn "does not
// exist" phrasing into a typed not-found signal rather than a generic error).
type runner struct {
	tmuxPath string
}

func newRunner(tmuxPath string) *runner {
	if tmuxPath == "" {
		tmuxPath = "tmux"
	}
	return &runner{tmuxPath: tmuxPath}
}

// run executes `tmux <args...>` and returns trimmed stdout on success.
func (r *runner) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, r.tmuxPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return strings.TrimRight(stdout.String(), "\n"), nil
	}

	msg := strings.TrimSpace(stderr.String())
	if isNotFoundMessage(msg) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, msg)
	}

	var exitErr *exec.ExitError
	if errorsAsExitError(err, &exitErr) {
		return "", fmt.Errorf("%w: tmux %v exited %d: %s", ErrTransient, args, exitErr.ExitCode(), msg)
	}
	return "", fmt.Errorf("%w: tmux %v: %v: %s", ErrTransient, args, err, msg)
}

func errorsAsExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

// isNotFoundMessage recognizes tmux's stable "does not exist" phrasing for
// sessions, windows, and panes.
func isNotFoundMessage(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "can't find session") ||
		strings.Contains(msg, "session not found") ||
		strings.Contains(msg, "no such") ||
		strings.Contains(msg, "doesn't exist") ||
		strings.Contains(msg, "does not exist")
}

// socketArgsFor returns the -L/-f arguments selecting the given server
// identity. The private server uses a fixed socket name and loads no user
// config file; the default server uses tmux's normal default socket.
func socketArgsFor(server ServerIdentity) []string {
	switch server {
	case ServerPrivate:
		return []string{"-L", privateServerSocket, "-f", "/dev/null"}
	default:
		return nil
	}
}

// privateServerSocket is a deployment constant, not part of any wire
// contract (see DESIGN.md, "Open Questions resolved").
const privateServerSocket = "agmux_private"
