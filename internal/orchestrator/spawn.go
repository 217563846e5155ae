package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agmux/agmux-server/internal/muxadapter"
	"github.com/agmux/agmux-server/internal/session"
)

// SpawnRequest mirrors POST /api/ptys's body: an arbitrary command run
// directly on a PTY (no tmux session is created), per spec §6.
type SpawnRequest struct {
	Command string
	Args    []string
	Cwd     string
	Env     []string
	Cols    int
	Rows    int
	Name    string
}

// SpawnCommand spawns req directly on a raw PTY (POST /api/ptys).
func (o *Orchestrator) SpawnCommand(req SpawnRequest) (session.Summary, error) {
	if req.Command == "" {
		return session.Summary{}, fmt.Errorf("orchestrator: command is required")
	}
	summary, err := o.Sessions.Spawn(session.Descriptor{
		DisplayName: req.Name,
		Command:     req.Command,
		Args:        req.Args,
		Dir:         req.Cwd,
		Env:         req.Env,
		Cols:        req.Cols,
		Rows:        req.Rows,
	})
	if err != nil {
		return session.Summary{}, err
	}
	o.putMeta(summary.ID, sessionMeta{isTmux: false})
	o.registerReadiness(summary.ID, sessionMeta{isTmux: false}, req.Command, req.Name)
	o.persistSummary(summary)
	o.broadcastList()
	return summary, nil
}

// SpawnShell creates a session running the configured shell, per POST
// /api/ptys/shell: a tmux session (backend=tmux) or a raw PTY
// (backend=pty), per spec §6.
func (o *Orchestrator) SpawnShell(cols, rows int) (session.Summary, error) {
	if o.Config.ShellBackend == "pty" {
		return o.SpawnCommand(SpawnRequest{Command: o.Config.ShellExecutable, Cols: cols, Rows: rows, Name: "shell"})
	}

	name := "agmux_shell_" + uuid.NewString()
	if err := o.Adapter.CreateSessionDetached(o.ctx, muxadapter.ServerPrivate, name, o.Config.ShellExecutable); err != nil {
		return session.Summary{}, err
	}
	if err := o.Adapter.ApplyUIOptions(o.ctx, muxadapter.ServerPrivate, name); err != nil {
		return session.Summary{}, err
	}
	return o.spawnAttachment("", muxadapter.ServerPrivate, name, time.Time{}, "shell", cols, rows)
}

// AttachTmux locates name (using hint if non-empty) and spawns a new
// attachment to it, per POST /api/ptys/attach-tmux. Returns ErrServerMismatch
// if hint is given but the session actually lives on the other server.
func (o *Orchestrator) AttachTmux(name string, hint muxadapter.ServerIdentity) (session.Summary, error) {
	located, err := o.Adapter.Locate(o.ctx, name, hint)
	if err != nil {
		return session.Summary{}, err
	}
	if hint != "" && located != hint {
		return session.Summary{}, ErrServerMismatch
	}
	if err := o.Adapter.ApplyUIOptions(o.ctx, located, name); err != nil {
		return session.Summary{}, err
	}
	return o.spawnAttachment("", located, name, time.Time{}, name, 0, 0)
}

// spawnAttachment is the shared path for every tmux-backed spawn: it
// builds the attach argv, starts the PTY child via C3, registers C8's
// session metadata and C5's readiness tracking, persists the summary, and
// broadcasts pty_list. A non-zero id/createdAt preserves identity across a
// reconciliation re-attach, per spec §4.8 step 4.
func (o *Orchestrator) spawnAttachment(id string, server muxadapter.ServerIdentity, muxName string, createdAt time.Time, displayName string, cols, rows int) (session.Summary, error) {
	args := muxadapter.AttachArgs(o.tmuxPath, server, muxName)
	tmuxExe := args[0]

	summary, err := o.Sessions.Spawn(session.Descriptor{
		ID:          id,
		DisplayName: displayName,
		MuxServer:   server,
		MuxName:     muxName,
		Command:     tmuxExe,
		Args:        args[1:],
		Cols:        cols,
		Rows:        rows,
		CreatedAt:   createdAt,
	})
	if err != nil {
		return session.Summary{}, err
	}

	meta := sessionMeta{server: server, muxName: muxName, target: muxName, isTmux: true}
	o.putMeta(summary.ID, meta)
	o.registerReadiness(summary.ID, meta, tmuxExe, muxName)
	o.persistSummary(summary)
	o.broadcastList()
	return summary, nil
}

// KillSession kills the backing tmux session (if any) and the attachment
// child; idempotent, per spec §6 POST /api/ptys/:id/kill. Returns
// ErrUnknownSession if id was never registered.
func (o *Orchestrator) KillSession(id string) error {
	meta, ok := o.getMeta(id)
	if !ok {
		if _, live := o.Sessions.GetSummary(id); !live {
			return ErrUnknownSession
		}
	}
	if meta.isTmux {
		if err := o.Adapter.Kill(o.ctx, meta.server, meta.muxName); err != nil && !muxadapter.IsNotFound(err) {
			return err
		}
		if meta.linkedView != "" {
			_ = o.Adapter.Kill(o.ctx, meta.server, meta.linkedView)
		}
	}
	o.Sessions.Kill(id)
	return nil
}

// ReloadTriggers re-runs C7's load, per POST /api/triggers/reload.
func (o *Orchestrator) ReloadTriggers() error {
	return o.Loader.Load()
}

// handleClientInput is wired to the WS hub's OnInput hook: it forwards the
// raw bytes to C5 (for readiness attribution) before C3 (spec §6 "input:
// forwarded to C3 and C5 (C5 first for readiness attribution)").
func (o *Orchestrator) handleClientInput(id string, data []byte) {
	o.Readiness.Input(id, data)
	o.Sessions.Write(id, data)
}

func (o *Orchestrator) handleClientResize(id string, cols, rows int) {
	_ = o.Sessions.Resize(id, cols, rows)
}

func (o *Orchestrator) handleTmuxControl(id string, direction string, lines int) {
	meta, ok := o.getMeta(id)
	if !ok || !meta.isTmux {
		return
	}
	dir := muxadapter.ScrollDown
	if direction == "up" {
		dir = muxadapter.ScrollUp
	}
	ctx, cancel := context.WithTimeout(o.ctx, 5*time.Second)
	defer cancel()
	_ = o.Adapter.ScrollHistory(ctx, meta.server, meta.target, dir, lines)
}
