package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/agmux/agmux-server/internal/muxadapter"
	"github.com/agmux/agmux-server/internal/workerutil"
)

// outputBufferPool recycles the byte slices copied out of each PTY read,
// grounded on the teacher's app_pane_feed.go feedBytePool.
var outputBufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, 4096)
		return &buf
	},
}

const maxPooledBufSize = 64 * 1024

func getReadBuffer() (*[]byte, []byte) {
	bp := outputBufferPool.Get().(*[]byte)
	return bp, *bp
}

func putReadBuffer(bp *[]byte) {
	if cap(*bp) > maxPooledBufSize {
		return
	}
	outputBufferPool.Put(bp)
}

type liveSession struct {
	id string

	mu          sync.Mutex
	displayName string
	muxServer   muxadapter.ServerIdentity
	muxName     string
	command     string
	args        []string
	cwd         string
	createdAt   time.Time
	lastSeenAt  time.Time
	cols, rows  int
	status      string
	exitCode    *int
	exitSignal  *string

	cmd  *exec.Cmd
	ptmx *os.File
	pid  int

	killOnce  sync.Once
	killTimer *time.Timer
}

// killGracePeriod bounds how long Kill waits for SIGHUP to produce an exit
// before escalating to SIGKILL, per spec §5 "after kill, an exit must follow
// within a bounded time".
const killGracePeriod = 3 * time.Second

// Manager is C3: the owner of the in-memory set of live session
// attachments. Events is the single fan-out channel read by the runtime
// orchestrator (C8), which forwards each event to the readiness engine,
// trigger engine, and WS hub, per spec §9's "replace emit/listen with
// explicit channels" design note. Output and exit share one channel rather
// than two so a session's final output chunk and its exit, written in that
// order by the same per-session goroutine, are also observed in that order
// by the single consumer (spec §5 "output is never emitted after exit for
// the same id") — two independently-selected channels cannot give that
// guarantee, since Go's select chooses pseudo-randomly between two
// simultaneously-ready cases.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*liveSession

	Events chan Event

	now func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Manager. Events is buffered so a slow consumer does not
// stall a session's PTY reader goroutine outright; callers should drain it
// promptly regardless.
func New() *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		sessions: map[string]*liveSession{},
		Events:   make(chan Event, 256),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Close stops every session's reader goroutine and waits for them to exit.
// It does not kill the underlying child processes.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

// Spawn starts a new attachment child per Descriptor and begins reading its
// PTY output on a dedicated goroutine, per spec §4.3.
func (m *Manager) Spawn(d Descriptor) (Summary, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = m.now()
	}
	cols, rows := d.Cols, d.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}

	cmd := exec.Command(d.Command, d.Args...)
	cmd.Dir = d.Dir
	if len(d.Env) > 0 {
		cmd.Env = d.Env
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return Summary{}, fmt.Errorf("session: spawn %s: %w", d.ID, err)
	}

	ls := &liveSession{
		id:          d.ID,
		displayName: d.DisplayName,
		muxServer:   d.MuxServer,
		muxName:     d.MuxName,
		command:     d.Command,
		args:        d.Args,
		cwd:         d.Dir,
		createdAt:   d.CreatedAt,
		lastSeenAt:  m.now(),
		cols:        cols,
		rows:        rows,
		status:      "running",
		cmd:         cmd,
		ptmx:        ptmx,
		pid:         cmd.Process.Pid,
	}

	m.mu.Lock()
	m.sessions[d.ID] = ls
	m.mu.Unlock()

	// One panic-recovered goroutine per session, grounded on the teacher's
	// pane-feed worker (workerutil.RunWithPanicRecovery), but one per id
	// rather than one shared worker for every pane: spec §5 requires
	// per-session output ordering, and "output never follows exit for the
	// same id" is easiest to hold with a dedicated goroutine per id.
	// MaxRetries=1 disables restart: a panicked reader has an indeterminate
	// PTY read position, so recovering by re-reading would corrupt output
	// ordering; the session is instead left to be reaped as exited.
	workerutil.RunWithPanicRecovery(m.ctx, "session-pty-reader:"+ls.id, &m.wg, func(ctx context.Context) {
		m.readLoop(ctx, ls)
	}, workerutil.RecoveryOptions{MaxRetries: 1})

	return ls.snapshot(), nil
}

func (m *Manager) readLoop(ctx context.Context, ls *liveSession) {
	for {
		bp, buf := getReadBuffer()
		n, err := ls.ptmx.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			out := OutputEvent{ID: ls.id, Data: chunk}
			select {
			case m.Events <- Event{Output: &out}:
			case <-ctx.Done():
				putReadBuffer(bp)
				return
			}
		}
		putReadBuffer(bp)
		if err != nil {
			m.finish(ls)
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (m *Manager) finish(ls *liveSession) {
	ls.mu.Lock()
	if ls.killTimer != nil {
		ls.killTimer.Stop()
	}
	ls.mu.Unlock()

	code, signal := waitResult(ls.cmd)

	ls.mu.Lock()
	ls.status = "exited"
	ls.exitCode = &code
	if signal != "" {
		ls.exitSignal = &signal
	}
	ls.mu.Unlock()

	exit := ExitEvent{ID: ls.id, Code: code, Signal: signal}
	select {
	case m.Events <- Event{Exit: &exit}:
	case <-m.ctx.Done():
	}
}

func waitResult(cmd *exec.Cmd) (code int, signal string) {
	err := cmd.Wait()
	if err == nil {
		return 0, ""
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				return -1, ws.Signal().String()
			}
			return ws.ExitStatus(), ""
		}
		return exitErr.ExitCode(), ""
	}
	slog.Debug("session: wait returned non-ExitError", "error", err)
	return -1, ""
}

func (ls *liveSession) snapshot() Summary {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	var args []string
	if ls.args != nil {
		args = append([]string(nil), ls.args...)
	}
	return Summary{
		ID:          ls.id,
		DisplayName: ls.displayName,
		MuxServer:   ls.muxServer,
		MuxName:     ls.muxName,
		Command:     ls.command,
		Args:        args,
		Cwd:         ls.cwd,
		CreatedAt:   ls.createdAt,
		LastSeenAt:  ls.lastSeenAt,
		Cols:        ls.cols,
		Rows:        ls.rows,
		Status:      ls.status,
		ExitCode:    ls.exitCode,
		ExitSignal:  ls.exitSignal,
	}
}

// GetSummary returns the current snapshot for id, or false if unknown.
func (m *Manager) GetSummary(id string) (Summary, bool) {
	m.mu.RLock()
	ls := m.sessions[id]
	m.mu.RUnlock()
	if ls == nil {
		return Summary{}, false
	}
	return ls.snapshot(), true
}

// List returns a snapshot of every known session.
func (m *Manager) List() []Summary {
	m.mu.RLock()
	out := make([]Summary, 0, len(m.sessions))
	for _, ls := range m.sessions {
		out = append(out, ls.snapshot())
	}
	m.mu.RUnlock()
	return out
}

// GetPid returns the attachment child's OS process id.
func (m *Manager) GetPid(id string) (int, bool) {
	m.mu.RLock()
	ls := m.sessions[id]
	m.mu.RUnlock()
	if ls == nil {
		return 0, false
	}
	return ls.pid, true
}

// Write sends bytes to id's child input; a no-op if id is unknown, per
// spec §4.3.
func (m *Manager) Write(id string, data []byte) {
	m.mu.RLock()
	ls := m.sessions[id]
	m.mu.RUnlock()
	if ls == nil || len(data) == 0 {
		return
	}
	if _, err := ls.ptmx.Write(data); err != nil {
		slog.Debug("session: write failed", "id", id, "error", err)
	}
}

// Resize applies (cols, rows) to id's PTY if they differ from the last
// applied size. cols, rows must be positive and <= 1000, per spec §4.3.
func (m *Manager) Resize(id string, cols, rows int) error {
	if cols <= 0 || rows <= 0 || cols > 1000 || rows > 1000 {
		return fmt.Errorf("session: resize %s: cols/rows out of range (%d, %d)", id, cols, rows)
	}
	m.mu.RLock()
	ls := m.sessions[id]
	m.mu.RUnlock()
	if ls == nil {
		return nil
	}

	ls.mu.Lock()
	unchanged := ls.cols == cols && ls.rows == rows
	if !unchanged {
		ls.cols, ls.rows = cols, rows
	}
	ptmx := ls.ptmx
	ls.mu.Unlock()
	if unchanged {
		return nil
	}

	return pty.Setsize(ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// UpdateCwd mutates the cached cwd field, used by C5's pane-inspection
// recompute to push authoritative cwd updates (spec §4.5 "Cwd authority").
func (m *Manager) UpdateCwd(id, cwd string) {
	m.mu.RLock()
	ls := m.sessions[id]
	m.mu.RUnlock()
	if ls == nil {
		return
	}
	ls.mu.Lock()
	ls.cwd = cwd
	ls.lastSeenAt = m.now()
	ls.mu.Unlock()
}

// Kill sends SIGHUP to id's child; its exit drives the Exit event. If the
// child hasn't exited within killGracePeriod (it ignores or traps SIGHUP,
// plausible for the agent processes this server hosts), it is forcibly
// terminated with SIGKILL, the way the teacher's internal/terminal's
// Close() hard-kills via cmd.Process.Kill(). The escalation timer is
// cleared in finish if the child exits on its own first. A second call is
// a no-op (killOnce), matching "kill on an already-gone session is
// success" in spirit for the in-process side of the contract.
func (m *Manager) Kill(id string) {
	m.mu.RLock()
	ls := m.sessions[id]
	m.mu.RUnlock()
	if ls == nil {
		return
	}
	ls.killOnce.Do(func() {
		if ls.cmd.Process != nil {
			_ = ls.cmd.Process.Signal(syscall.SIGHUP)
		}
		ls.mu.Lock()
		ls.killTimer = time.AfterFunc(killGracePeriod, func() {
			if ls.cmd.Process != nil {
				_ = ls.cmd.Process.Signal(syscall.SIGKILL)
			}
		})
		ls.mu.Unlock()
	})
}
