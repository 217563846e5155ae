// Package orchestrator is C8: it wires C1-C7 together, drives startup
// reconciliation, runs the periodic cwd poller, and translates internal
// events into client-bound messages. Startup/shutdown sequencing,
// non-fatal-subsystem-failure handling, and background-worker wiring are
// grounded directly on the teacher's app_lifecycle.go
// (startup/shutdown/startIdleMonitor/defaultRecoveryOptions), replacing
// Wails-specific steps (window lifecycle, IPC pipe server, global hotkey,
// shim install) with this server's HTTP listener / WS hub / trigger
// loader equivalents. The reconciliation single-flight guard is grounded
// on the same file's shuttingDown.Store atomic-guard idiom.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agmux/agmux-server/internal/gitworktree"
	"github.com/agmux/agmux-server/internal/muxadapter"
	"github.com/agmux/agmux-server/internal/readiness"
	"github.com/agmux/agmux-server/internal/serverconfig"
	"github.com/agmux/agmux-server/internal/session"
	"github.com/agmux/agmux-server/internal/store"
	"github.com/agmux/agmux-server/internal/triggerload"
	"github.com/agmux/agmux-server/internal/triggers"
	"github.com/agmux/agmux-server/internal/workerutil"
	"github.com/agmux/agmux-server/internal/wshub"
)

// privateBaseSession is the always-present session the private tmux server
// is seeded with at startup, per spec §4.8 step 2.
const privateBaseSession = "agmux_base"

// cwdPollInterval is the periodic best-effort cwd poller cadence, per spec
// §4.5 "Cwd authority".
const cwdPollInterval = 2 * time.Second

// reattachDelay is how long the orchestrator waits after an attachment
// exits before attempting to re-attach a still-living tmux session, per
// spec §4.8.
const reattachDelay = 250 * time.Millisecond

// sessionMeta is the bookkeeping C8 keeps per session beyond what C3/C5
// already track: the pane target string used for C1 inspection calls, and
// an optional linked-view session name tied to this session's lifetime.
type sessionMeta struct {
	server      muxadapter.ServerIdentity
	muxName     string
	target      string // tmux target for display-message/capture-pane; "" for raw pty
	isTmux      bool
	linkedView  string // non-empty if this session owns a linked view session
}

// Orchestrator is C8.
type Orchestrator struct {
	Config serverconfig.Config

	Adapter   *muxadapter.Adapter
	Store     *store.Store
	Sessions  *session.Manager
	Hub       *wshub.Hub
	Readiness *readiness.Engine
	Triggers  *triggers.Engine
	Loader    *triggerload.Loader
	Worktrees *gitworktree.Manager // may be nil; out-of-scope collaborator

	tmuxPath string

	mu    sync.Mutex
	metas map[string]sessionMeta

	reconciling atomic.Bool

	stopFnsMu sync.Mutex
	stopFns   []func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an Orchestrator. tmuxPath is passed to muxadapter.AttachArgs
// when spawning attachment children; empty means "tmux" on $PATH.
func New(cfg serverconfig.Config, adapter *muxadapter.Adapter, st *store.Store, sessions *session.Manager, hub *wshub.Hub, ready *readiness.Engine, trig *triggers.Engine, loader *triggerload.Loader, worktrees *gitworktree.Manager, tmuxPath string) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		Config:    cfg,
		Adapter:   adapter,
		Store:     st,
		Sessions:  sessions,
		Hub:       hub,
		Readiness: ready,
		Triggers:  trig,
		Loader:    loader,
		Worktrees: worktrees,
		tmuxPath:  tmuxPath,
		metas:     map[string]sessionMeta{},
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start runs the startup sequence (spec §4.8) and launches the background
// workers (event dispatch loop, cwd poller). Subsystem failures during
// startup are logged and do not abort the sequence, matching the teacher's
// "non-fatal subsystem failure" stance in app_lifecycle.go.
func (o *Orchestrator) Start() error {
	o.Hub.OnInput = o.handleClientInput
	o.Hub.OnResize = o.handleClientResize
	o.Hub.OnTmuxControl = o.handleTmuxControl
	o.Hub.SnapshotFor = o.snapshotFor

	o.Readiness.OnReady = o.handleReadyChanged
	o.Readiness.OnCwdInferred = func(id, cwd string) {
		o.Sessions.UpdateCwd(id, cwd)
	}
	o.Triggers.OnTriggerError = func(trigger, sessionID, message string, ts time.Time) {
		o.Hub.Broadcast(wshub.NewTriggerErrorMsg(trigger, message, ts.UnixMilli()))
	}
	o.Loader.OnStatus = func(ok bool, message string, version int) {
		level := slog.LevelInfo
		if !ok {
			level = slog.LevelWarn
		}
		slog.Log(context.Background(), level, "orchestrator: trigger reload", "ok", ok, "message", message, "version", version)
		if !ok {
			o.Hub.Broadcast(wshub.NewTriggerErrorMsg("reload", message, time.Now().UnixMilli()))
		}
	}

	// 1. Load triggers.
	if err := o.Loader.Load(); err != nil {
		slog.Warn("orchestrator: initial trigger load failed", "error", err)
	}
	if stop, err := o.Loader.WatchDir(250 * time.Millisecond); err != nil {
		slog.Warn("orchestrator: trigger directory watch failed", "error", err)
	} else {
		o.onStop(stop)
	}

	// 2. Ensure the private server's base session exists.
	if err := o.Adapter.EnsureSession(o.ctx, muxadapter.ServerPrivate, privateBaseSession, o.Config.ShellExecutable); err != nil {
		slog.Warn("orchestrator: ensure base session failed", "error", err)
	}

	// 3. Prune stale linked view sessions.
	if err := o.Adapter.PruneLinkedViews(o.ctx, muxadapter.ServerPrivate); err != nil {
		slog.Debug("orchestrator: prune linked views (private) failed", "error", err)
	}
	if err := o.Adapter.PruneLinkedViews(o.ctx, muxadapter.ServerDefault); err != nil {
		slog.Debug("orchestrator: prune linked views (default) failed", "error", err)
	}

	// 4. Reconcile persisted sessions against the live tmux world.
	o.Reconcile()

	// Run loop over C3's fan-out channels.
	workerutil.RunWithPanicRecovery(o.ctx, "orchestrator-event-loop", &o.wg, o.runEventLoop, workerutil.RecoveryOptions{})

	// 5. Start the periodic cwd poller.
	workerutil.RunWithPanicRecovery(o.ctx, "orchestrator-cwd-poller", &o.wg, o.runCwdPoller, workerutil.RecoveryOptions{})

	return nil
}

func (o *Orchestrator) onStop(fn func()) {
	o.stopFnsMu.Lock()
	o.stopFns = append(o.stopFns, fn)
	o.stopFnsMu.Unlock()
}

// Stop cancels all background workers and waits for them to exit.
func (o *Orchestrator) Stop() {
	o.cancel()
	o.stopFnsMu.Lock()
	fns := o.stopFns
	o.stopFns = nil
	o.stopFnsMu.Unlock()
	for _, fn := range fns {
		fn()
	}
	o.wg.Wait()
}

// ErrUnknownSession is returned by operations on a session id the
// orchestrator has never registered.
var ErrUnknownSession = errors.New("orchestrator: unknown session")

// ErrServerMismatch is returned by AttachTmux when the caller specified a
// server hint that does not match where the session actually lives.
var ErrServerMismatch = errors.New("orchestrator: server mismatch")

func (o *Orchestrator) putMeta(id string, m sessionMeta) {
	o.mu.Lock()
	o.metas[id] = m
	o.mu.Unlock()
}

func (o *Orchestrator) getMeta(id string) (sessionMeta, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, ok := o.metas[id]
	return m, ok
}

func (o *Orchestrator) deleteMeta(id string) (sessionMeta, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, ok := o.metas[id]
	delete(o.metas, id)
	return m, ok
}

func (o *Orchestrator) registerReadiness(id string, meta sessionMeta, command string, name string) {
	ref := readiness.SessionRef{
		ID:          id,
		Server:      meta.server,
		Target:      meta.target,
		Name:        name,
		Command:     command,
		IsLinkedPTY: !meta.isTmux,
	}
	o.Readiness.Register(ref)
}

// persistSummary writes a session.Summary into the store, translating
// field shapes, per spec §4.2 upsertSession.
func (o *Orchestrator) persistSummary(s session.Summary) {
	if err := o.Store.UpsertSession(store.SessionSummary{
		ID:          s.ID,
		DisplayName: s.DisplayName,
		MuxServer:   string(s.MuxServer),
		MuxName:     s.MuxName,
		Command:     s.Command,
		Args:        s.Args,
		Cwd:         s.Cwd,
		CreatedAt:   s.CreatedAt,
		LastSeenAt:  s.LastSeenAt,
		Status:      s.Status,
		ExitCode:    s.ExitCode,
		ExitSignal:  s.ExitSignal,
	}); err != nil {
		// Store-write failure: log, keep in-memory state authoritative, per
		// spec §7 "Store write".
		slog.Warn("orchestrator: persist session failed", "id", s.ID, "error", err)
	}
}

func (o *Orchestrator) snapshotFor(id string) ([]byte, bool) {
	meta, ok := o.getMeta(id)
	if !ok || !meta.isTmux {
		return nil, false
	}
	content := o.Adapter.CapturePane(o.ctx, meta.server, meta.target)
	if content == muxadapter.CaptureUnavailable {
		return nil, false
	}
	return []byte(content), true
}
