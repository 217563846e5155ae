package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/agmux/agmux-server/internal/muxadapter"
	"github.com/agmux/agmux-server/internal/store"
)

// Reconcile walks persisted sessions, locates each in tmux, and for any
// that still exist but have no live attachment, spawns a new attachment
// preserving the original id/createdAt/name. Persisted sessions whose tmux
// session is gone are marked exited, per spec §4.8 step 4. Guarded by a
// single-flight flag so overlapping reconcile calls (startup + a
// post-exit re-attach timer) collapse into one pass.
func (o *Orchestrator) Reconcile() {
	if !o.reconciling.CompareAndSwap(false, true) {
		return
	}
	defer o.reconciling.Store(false)

	persisted, err := o.Store.ListSessions(0)
	if err != nil {
		slog.Warn("orchestrator: reconcile: list persisted sessions failed", "error", err)
		return
	}

	changed := false
	for _, p := range persisted {
		if p.Status != "running" {
			continue
		}
		if _, live := o.Sessions.GetSummary(p.ID); live {
			continue
		}
		if p.MuxServer == "" || p.MuxName == "" {
			// A raw-PTY session with no backing tmux session cannot be
			// re-attached across a restart; mark it exited.
			o.markExited(p)
			changed = true
			continue
		}

		server := muxadapter.ServerIdentity(p.MuxServer)
		ctx, cancel := context.WithTimeout(o.ctx, 3*time.Second)
		exists, hasErr := o.Adapter.HasSession(ctx, server, p.MuxName)
		cancel()
		if hasErr != nil && !muxadapter.IsNotFound(hasErr) {
			slog.Debug("orchestrator: reconcile: has-session check failed", "session", p.ID, "error", hasErr)
			continue
		}
		if !exists {
			o.markExited(p)
			changed = true
			continue
		}

		if err := o.Adapter.ApplyUIOptions(o.ctx, server, p.MuxName); err != nil {
			slog.Debug("orchestrator: reconcile: apply UI options failed", "session", p.ID, "error", err)
		}
		if _, err := o.spawnAttachment(p.ID, server, p.MuxName, p.CreatedAt, p.DisplayName, 0, 0); err != nil {
			slog.Warn("orchestrator: reconcile: re-attach failed", "session", p.ID, "error", err)
			continue
		}
		changed = true
	}

	o.reconcileDuplicateAttachments()

	if changed {
		o.broadcastList()
	}
}

func (o *Orchestrator) markExited(p store.SessionSummary) {
	p.Status = "exited"
	if err := o.Store.UpsertSession(p); err != nil {
		slog.Warn("orchestrator: reconcile: mark exited failed", "session", p.ID, "error", err)
	}
}

// reconcileDuplicateAttachments kills every running session-level
// attachment (target == muxName) to a tmux session that an earlier listed
// running attachment already covers. Window-scoped attachments are not
// checked for duplicates.
func (o *Orchestrator) reconcileDuplicateAttachments() {
	seen := map[string]string{} // "server/muxName" -> first session id claiming it
	for _, s := range o.Sessions.List() {
		if s.Status != "running" {
			continue
		}
		meta, ok := o.getMeta(s.ID)
		if !ok || !meta.isTmux || meta.target != meta.muxName {
			// Only session-level attachments (target == muxName, no window
			// specifier) participate in this de-duplication pass; a
			// window-scoped attachment legitimately coexists.
			continue
		}
		key := string(meta.server) + "/" + meta.muxName
		if first, dup := seen[key]; dup {
			slog.Info("orchestrator: reconcile: killing duplicate attachment", "kept", first, "killed", s.ID)
			o.Sessions.Kill(s.ID)
			continue
		}
		seen[key] = s.ID
	}
}
