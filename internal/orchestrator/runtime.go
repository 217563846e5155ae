package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/agmux/agmux-server/internal/readiness"
	"github.com/agmux/agmux-server/internal/session"
	"github.com/agmux/agmux-server/internal/triggerload"
	"github.com/agmux/agmux-server/internal/wshub"
)

// runEventLoop drains C3's single Events fan-out channel, per spec §9's
// "replace emit/listen with explicit channels" design note: C3 writes to
// its own channel, this loop is the single consumer that fans each event
// out to C5, C6, and C4 in turn. Output and exit share one channel so a
// session's final output chunk is always dispatched before its exit, per
// spec §5 "output is never emitted after exit for the same id" — see
// internal/session.Manager.Events.
func (o *Orchestrator) runEventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-o.Sessions.Events:
			if !ok {
				return
			}
			switch {
			case ev.Output != nil:
				o.handleOutput(*ev.Output)
			case ev.Exit != nil:
				o.handleExit(*ev.Exit)
			}
		}
	}
}

// handleOutput translates a C3 output(id, bytes) event: strip
// alternate-screen sequences for tmux-backed sessions, then feed C5, C6,
// and C4 in that order, per spec §4.8 and §9.
func (o *Orchestrator) handleOutput(ev session.OutputEvent) {
	meta, ok := o.getMeta(ev.ID)
	data := ev.Data
	if ok && meta.isTmux {
		data = readiness.StripAltScreen(data)
	}

	o.Readiness.Output(ev.ID, data)
	o.Triggers.OnOutput(ev.ID, data, o.emitTriggerEvent(ev.ID), func(payload []byte) {
		o.Sessions.Write(ev.ID, payload)
	})
	o.Hub.QueuePtyOutput(ev.ID, data)
}

// emitTriggerEvent adapts a triggerload declarative-action event into the
// wire-format broadcast, scoped to sessionID for the common case where the
// event itself doesn't carry one.
func (o *Orchestrator) emitTriggerEvent(sessionID string) func(event any) {
	return func(event any) {
		switch e := event.(type) {
		case triggerload.TriggerFired:
			o.Hub.Broadcast(wshub.TriggerFiredMsg{
				Type:    "trigger_fired",
				PtyID:   e.SessionID,
				Trigger: e.Trigger,
				Match:   e.Match,
				Line:    e.Line,
				TS:      e.Timestamp.UnixMilli(),
			})
		case triggerload.PtyHighlight:
			o.Hub.Broadcast(wshub.PtyHighlightMsg{
				Type:   "pty_highlight",
				PtyID:  e.SessionID,
				Reason: e.Reason,
				TTLMs:  e.TTLMs,
			})
		default:
			slog.Debug("orchestrator: unhandled trigger event type", "session", sessionID, "type", event)
		}
	}
}

// handleExit translates a C3 exit(id, code, signal) event: upsert the
// store, tell C5, broadcast pty_exit, and if the backing tmux session still
// exists, schedule a re-attach after 250ms with reconciliation. If the
// session owned a linked view, kill it too, per spec §4.8 and §3 "Linked
// view session".
func (o *Orchestrator) handleExit(ev session.ExitEvent) {
	summary, hasSummary := o.Sessions.GetSummary(ev.ID)
	if hasSummary {
		o.persistSummary(summary)
	}
	o.Readiness.Exit(ev.ID)
	o.Hub.Broadcast(wshub.NewPtyExitMsg(ev.ID, ev.Code, ev.Signal))

	meta, ok := o.deleteMeta(ev.ID)
	if ok && meta.linkedView != "" {
		_ = o.Adapter.Kill(o.ctx, meta.server, meta.linkedView)
	}

	if ok && meta.isTmux {
		ctx, cancel := context.WithTimeout(o.ctx, 3*time.Second)
		stillExists, _ := o.Adapter.HasSession(ctx, meta.server, meta.muxName)
		cancel()
		if stillExists {
			time.AfterFunc(reattachDelay, func() {
				if o.ctx.Err() != nil {
					return
				}
				if _, err := o.spawnAttachment(ev.ID, meta.server, meta.muxName, summary.CreatedAt, summary.DisplayName, summary.Cols, summary.Rows); err != nil {
					slog.Warn("orchestrator: re-attach after exit failed", "session", ev.ID, "error", err)
				}
				o.Reconcile()
			})
		}
	}

	o.broadcastList()
}

// handleReadyChanged is wired to C5's OnReady hook: broadcast pty_ready.
func (o *Orchestrator) handleReadyChanged(snap readiness.Snapshot) {
	o.Hub.Broadcast(wshub.PtyReadyMsg{
		Type:          "pty_ready",
		PtyID:         snap.ID,
		State:         string(snap.State),
		Indicator:     string(snap.Indicator),
		Reason:        snap.Reason,
		Source:        snap.Source,
		TS:            snap.TS.UnixMilli(),
		Cwd:           snap.Cwd,
		ActiveProcess: snap.ActiveProcess,
	})
}

// broadcastList broadcasts pty_list, merging C3's live summaries with C5's
// readiness snapshots, per spec §3's derived-fields ownership split.
func (o *Orchestrator) broadcastList() {
	o.Hub.Broadcast(wshub.NewPtyListMsg(o.ListPtys()))
}

// ListPtys returns every live session merged with its readiness snapshot,
// the shape returned by GET /api/ptys and broadcast as pty_list.
func (o *Orchestrator) ListPtys() []wshub.PtyListEntry {
	summaries := o.Sessions.List()
	out := make([]wshub.PtyListEntry, 0, len(summaries))
	for _, s := range summaries {
		entry := wshub.PtyListEntry{
			"id":          s.ID,
			"displayName": s.DisplayName,
			"muxServer":   string(s.MuxServer),
			"muxName":     s.MuxName,
			"command":     s.Command,
			"args":        s.Args,
			"cwd":         s.Cwd,
			"createdAt":   s.CreatedAt.UnixMilli(),
			"lastSeenAt":  s.LastSeenAt.UnixMilli(),
			"cols":        s.Cols,
			"rows":        s.Rows,
			"status":      s.Status,
		}
		if s.ExitCode != nil {
			entry["exitCode"] = *s.ExitCode
		}
		if s.ExitSignal != nil {
			entry["exitSignal"] = *s.ExitSignal
		}
		if ready, ok := o.Readiness.Snapshot(s.ID); ok {
			entry["readyState"] = string(ready.State)
			entry["readyIndicator"] = string(ready.Indicator)
			entry["readyReason"] = ready.Reason
			entry["readyStateChangedAt"] = ready.TS.UnixMilli()
			if ready.Cwd != "" {
				entry["cwd"] = ready.Cwd
			}
			if ready.ActiveProcess != "" {
				entry["activeProcess"] = ready.ActiveProcess
			}
		}
		out = append(out, entry)
	}
	return out
}

// runCwdPoller is the best-effort 2s cadence cwd poller across running
// sessions, per spec §4.5 "Cwd authority" / §4.8 step 5.
func (o *Orchestrator) runCwdPoller(ctx context.Context) {
	ticker := time.NewTicker(cwdPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.pollCwdOnce(ctx)
		}
	}
}

func (o *Orchestrator) pollCwdOnce(ctx context.Context) {
	for _, s := range o.Sessions.List() {
		if s.Status != "running" {
			continue
		}
		meta, ok := o.getMeta(s.ID)
		if !ok || !meta.isTmux {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, 1500*time.Millisecond)
		geom, err := o.Adapter.PaneGeometryOf(callCtx, meta.server, meta.target)
		cancel()
		if err != nil || geom == nil || geom.Cwd == "" {
			continue
		}
		if geom.Cwd != s.Cwd {
			o.Sessions.UpdateCwd(s.ID, geom.Cwd)
		}
	}
}
