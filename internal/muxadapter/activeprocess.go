package muxadapter

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
)

// procRow is one row of `ps` output scoped to a tty.
type procRow struct {
	PID  int
	PGID int
	TPGID int
	Comm string
}

// knownShells mirrors the readiness engine's shell-name table; duplicated
// here (rather than imported) to keep this package's only non-tmux
// dependency a single "ps" invocation, consistent with C1's "all operations
// shell out" contract (see DESIGN.md).
var knownShells = map[string]bool{
	"bash": true, "zsh": true, "sh": true, "fish": true, "dash": true,
	"ksh": true, "tcsh": true, "csh": true, "pwsh": true, "powershell": true,
}

func isKnownShell(comm string) bool {
	return knownShells[strings.ToLower(strings.TrimPrefix(comm, "-"))]
}

// ActiveProcess implements spec §4.1's active-process resolution: the raw
// pane command is often the shell itself. When it is a known shell name,
// look up the controlling tty and inspect processes on it, returning the
// command of:
//   - the first row whose pid == tpgid and whose command is not a shell; else
//   - the first row whose pgid == tpgid, whose pid != panePID, and whose
//     command is not a shell; else
//   - the pane command itself (fallback).
//
// Background helpers must not be reported as "active" merely because they
// share the tty.
func (a *Adapter) ActiveProcess(ctx context.Context, pane PaneInfo) (string, error) {
	if !isKnownShell(pane.ActiveCommand) {
		return pane.ActiveCommand, nil
	}
	if pane.TTY == "" {
		return pane.ActiveCommand, nil
	}

	rows, err := psByTTY(ctx, pane.TTY)
	if err != nil {
		// Best-effort: inspection failures fall back to the pane command,
		// not an error, per spec §4.1 "Failure semantics".
		return pane.ActiveCommand, nil
	}
	return resolveActiveProcess(rows, pane), nil
}

// resolveActiveProcess is the pure decision function behind ActiveProcess,
// separated so it can be tested without shelling out to ps.
func resolveActiveProcess(rows []procRow, pane PaneInfo) string {
	for _, row := range rows {
		if row.PID == row.TPGID && !isKnownShell(row.Comm) {
			return row.Comm
		}
	}
	for _, row := range rows {
		if row.PGID == row.TPGID && row.PID != pane.PanePID && !isKnownShell(row.Comm) {
			return row.Comm
		}
	}
	return pane.ActiveCommand
}

// psByTTY shells out to `ps` scoped to the given tty, returning pid/pgid/
// tpgid/comm rows. This is the one place the adapter consults the OS
// process table directly, chosen over a syscall-level (golang.org/x/sys)
// approach so every C1 operation shares the same "bounded child process"
// invariant (see DESIGN.md's C1 entry).
func psByTTY(ctx context.Context, tty string) ([]procRow, error) {
	ttyArg := strings.TrimPrefix(tty, "/dev/")
	cmd := exec.CommandContext(ctx, "ps", "-t", ttyArg, "-o", "pid=,pgid=,tpgid=,comm=")
	out, err := cmd.Output()
	if err != nil {
		return nil, err
	}

	var rows []procRow
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		pid, e1 := strconv.Atoi(fields[0])
		pgid, e2 := strconv.Atoi(fields[1])
		tpgid, e3 := strconv.Atoi(fields[2])
		if e1 != nil || e2 != nil || e3 != nil {
			continue
		}
		rows = append(rows, procRow{PID: pid, PGID: pgid, TPGID: tpgid, Comm: strings.Join(fields[3:], " ")})
	}
	return rows, nil
}
