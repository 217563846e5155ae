package readiness

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/agmux/agmux-server/internal/muxadapter"
)

// sessionState is one session's mutable readiness bookkeeping. Lock
// ordering mirrors panestate.Manager's: Engine.mu (coarse, map membership)
// guards the sessions map; sessionState.mu (fine) guards everything below.
// Never take Engine.mu while holding a sessionState.mu.
type sessionState struct {
	mu sync.Mutex

	ref SessionRef

	state     State
	indicator Indicator
	reason    string
	source    string

	cwd           string
	activeProcess string
	mode          Mode
	family        AgentFamily

	lastOutputAt time.Time
	lastPromptAt time.Time

	lineBuf    LineBuffer
	paneState  paneDiffState
	lastSnap   PaneSnapshot

	recomputeTimer   *time.Timer
	postCommandTimer *time.Timer
	busyDelayTimer   *time.Timer

	recomputeInFlight       bool
	recomputeAgainRequested bool
}

// Engine is C5: it turns C3's output/input/exit events plus C1 pane
// inspection into a per-session readiness classification, emitting
// pty_ready whenever (state, indicator, reason, cwd) changes.
type Engine struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState

	inspector PaneInspector
	tunables  Tunables
	now       func() time.Time
	trace     *Trace

	// OnReady is invoked, with that session's state lock held, whenever a
	// session's reported readiness changes. Typically wired to the WS hub broadcast.
	OnReady func(Snapshot)
	// OnCwdInferred is invoked when the input-buffer's "cd <abs path>"
	// heuristic infers a new working directory, so the caller can push it
	// into C3's cached cwd.
	OnCwdInferred func(id, cwd string)

	ctx    context.Context
	cancel context.CancelFunc
}

// NewEngine builds an Engine. inspector may be nil for sessions that are
// always registered with IsLinkedPTY=true (no multiplexer pane to poll).
func NewEngine(inspector PaneInspector, tunables Tunables) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		sessions:  make(map[string]*sessionState),
		inspector: inspector,
		tunables:  tunables.applyDefaults(),
		now:       time.Now,
		trace:     NewTrace(tunables.applyDefaults().TraceSize),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Close stops all pending per-session timers.
func (e *Engine) Close() {
	e.cancel()
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ss := range e.sessions {
		ss.mu.Lock()
		stopTimer(ss.recomputeTimer)
		stopTimer(ss.postCommandTimer)
		stopTimer(ss.busyDelayTimer)
		ss.mu.Unlock()
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// Register starts tracking ref, in the unknown state, and kicks off an
// immediate recompute.
func (e *Engine) Register(ref SessionRef) {
	ss := &sessionState{
		ref:    ref,
		state:  StateUnknown,
		reason: "registered",
		cwd:    "",
	}
	e.mu.Lock()
	e.sessions[ref.ID] = ss
	e.mu.Unlock()
	e.scheduleRecompute(ss, false)
}

// Remove stops tracking id and cancels its timers.
func (e *Engine) Remove(id string) {
	e.mu.Lock()
	ss, ok := e.sessions[id]
	if ok {
		delete(e.sessions, id)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	ss.mu.Lock()
	stopTimer(ss.recomputeTimer)
	stopTimer(ss.postCommandTimer)
	stopTimer(ss.busyDelayTimer)
	ss.mu.Unlock()
}

// Snapshot returns the current readiness snapshot for id, if tracked.
func (e *Engine) Snapshot(id string) (Snapshot, bool) {
	e.mu.RLock()
	ss, ok := e.sessions[id]
	e.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return e.snapshotLocked(ss), true
}

// Trace returns the bounded recent-transitions diagnostic trace.
func (e *Engine) Trace() []Snapshot {
	return e.trace.Recent()
}

func (e *Engine) get(id string) (*sessionState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ss, ok := e.sessions[id]
	return ss, ok
}

// Output handles an output(id, bytes) event from C3.
func (e *Engine) Output(id string, data []byte) {
	ss, ok := e.get(id)
	if !ok {
		return
	}
	cleaned := StripAltScreen(data)
	content := string(cleaned)
	now := e.now()

	ss.mu.Lock()
	ss.lastOutputAt = now
	mode := ss.mode
	family := ss.family
	curState := ss.state
	ss.mu.Unlock()

	markers := MarkersFor(family)

	switch {
	case mode == ModeAgent && markers.BusyPattern != nil && markers.BusyPattern.MatchString(content):
		ss.mu.Lock()
		e.setStateLocked(ss, StateBusy, "agent:busy-marker", "", "", now)
		ss.mu.Unlock()
	case mode == ModeAgent && markers.PromptPattern != nil && markers.PromptPattern.MatchString(content):
		ss.mu.Lock()
		ss.lastPromptAt = now
		e.setStateLocked(ss, StateUnknown, "agent:prompt-marker", "", "", now)
		ss.mu.Unlock()
	case LooksLikeShellPrompt(content):
		ss.mu.Lock()
		ss.lastPromptAt = now
		e.setStateLocked(ss, StateReady, "prompt", "", "", now)
		ss.mu.Unlock()
	default:
		if strings.TrimSpace(content) != "" {
			if mode != ModeAgent {
				if curState == StateReady || curState == StateUnknown {
					e.armBusyDelay(ss)
				} else {
					ss.mu.Lock()
					e.setStateLocked(ss, StateBusy, "output:sustained", "", "", now)
					ss.mu.Unlock()
				}
			}
		}
	}
	e.scheduleRecompute(ss, true)
}

// Input handles an input(id, bytes) event observed at the WS layer.
func (e *Engine) Input(id string, data []byte) {
	ss, ok := e.get(id)
	if !ok {
		return
	}
	now := e.now()

	ss.mu.Lock()
	events := ss.lineBuf.Feed(string(data))
	ss.mu.Unlock()

	sawSubmit := false
	for _, ev := range events {
		switch ev.Kind {
		case LineSubmitted:
			sawSubmit = true
			cwd := ""
			if inferred, ok := InferCwd(ev.Text); ok {
				cwd = inferred
				if e.OnCwdInferred != nil {
					e.OnCwdInferred(id, inferred)
				}
			}
			ss.mu.Lock()
			e.setStateLocked(ss, StateBusy, "input:command", cwd, "", now)
			ss.mu.Unlock()
			e.schedulePostCommandCheck(ss)
		case LineInterrupt, LineEOF:
			e.scheduleRecompute(ss, true)
		case LineStillTyped:
			e.scheduleRecompute(ss, true)
		}
	}
	if !sawSubmit && len(events) == 0 {
		e.scheduleRecompute(ss, true)
	}
}

// Exit handles an exit(id) event from C3.
func (e *Engine) Exit(id string) {
	ss, ok := e.get(id)
	if !ok {
		return
	}
	ss.mu.Lock()
	stopTimer(ss.recomputeTimer)
	stopTimer(ss.postCommandTimer)
	stopTimer(ss.busyDelayTimer)
	ss.recomputeTimer = nil
	ss.postCommandTimer = nil
	ss.busyDelayTimer = nil
	e.setStateLocked(ss, StateBusy, "exited", "", "", e.now())
	ss.mu.Unlock()
}

func (e *Engine) armBusyDelay(ss *sessionState) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	stopTimer(ss.busyDelayTimer)
	ss.busyDelayTimer = time.AfterFunc(e.tunables.BusyDelay, func() {
		now := e.now()
		ss.mu.Lock()
		recent := !ss.lastPromptAt.IsZero() && now.Sub(ss.lastPromptAt) <= e.tunables.BusyDelay+80*time.Millisecond
		if !recent {
			e.setStateLocked(ss, StateBusy, "output:sustained", "", "", now)
		}
		ss.mu.Unlock()
		e.scheduleRecompute(ss, true)
	})
}

func (e *Engine) schedulePostCommandCheck(ss *sessionState) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	stopTimer(ss.postCommandTimer)
	ss.postCommandTimer = time.AfterFunc(e.tunables.PostCommandCheck, func() {
		e.runRecompute(ss)
	})
}

func (e *Engine) scheduleRecompute(ss *sessionState, debounce bool) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	delay := time.Duration(0)
	if debounce {
		delay = e.tunables.RecomputeDebounce
	}
	stopTimer(ss.recomputeTimer)
	ss.recomputeTimer = time.AfterFunc(delay, func() {
		e.runRecompute(ss)
	})
}

// runRecompute is the scheduled-recompute handler: one pane inspection
// pass combined with elapsed-silence logic, per spec's recompute rules.
func (e *Engine) runRecompute(ss *sessionState) {
	ss.mu.Lock()
	if ss.recomputeInFlight {
		ss.recomputeAgainRequested = true
		ss.mu.Unlock()
		return
	}
	ss.recomputeInFlight = true
	ref := ss.ref
	ss.mu.Unlock()

	defer func() {
		ss.mu.Lock()
		ss.recomputeInFlight = false
		again := ss.recomputeAgainRequested
		ss.recomputeAgainRequested = false
		ss.mu.Unlock()
		if again {
			e.scheduleRecompute(ss, false)
		}
	}()

	var (
		pane    *muxadapter.PaneInfo
		geom    *muxadapter.PaneGeometry
		content string
	)

	if !ref.IsLinkedPTY && e.inspector != nil {
		ctx, cancel := context.WithTimeout(e.ctx, 2*time.Second)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			if p, err := e.inspector.InspectPane(ctx, ref.Server, ref.Target); err == nil {
				pane = p
			}
		}()
		go func() {
			defer wg.Done()
			if g, err := e.inspector.PaneGeometryOf(ctx, ref.Server, ref.Target); err == nil {
				geom = g
			}
		}()
		wg.Wait()
		content = e.inspector.CapturePane(ctx, ref.Server, ref.Target)
		cancel()
	}

	now := e.now()

	ss.mu.Lock()
	activeProcess := ss.activeProcess
	cwd := ss.cwd
	ss.mu.Unlock()

	if pane != nil && e.inspector != nil {
		ctx, cancel := context.WithTimeout(e.ctx, 2*time.Second)
		if ap, err := e.inspector.ActiveProcess(ctx, *pane); err == nil && ap != "" {
			activeProcess = ap
		}
		cancel()
	}
	if geom != nil && geom.Cwd != "" {
		cwd = geom.Cwd
	}

	mode, family := ClassifyMode(ref.Name, ref.Command, activeProcess)

	ss.mu.Lock()
	defer ss.mu.Unlock()

	ss.mode = mode
	ss.family = family

	var width, height int
	if geom != nil {
		width, height = geom.Width, geom.Height
	}
	next := PaneSnapshot{Content: content, Width: width, Height: height}
	var status PaneStatus
	if !ref.IsLinkedPTY {
		status, _ = diffPanes(ss.lastSnap, next, &ss.paneState, now, e.tunables.WorkingGrace)
		ss.lastSnap = next
	} else {
		status = PaneWaiting
	}

	sinceOutput := now.Sub(ss.lastOutputAt)
	promptRecent := !ss.lastPromptAt.IsZero() && now.Sub(ss.lastPromptAt) <= e.tunables.PromptWindow

	switch {
	case sinceOutput < e.tunables.QuietWindow:
		if !ss.lastPromptAt.IsZero() && now.Sub(ss.lastPromptAt) <= e.tunables.BusyDelay+80*time.Millisecond {
			e.readyOrUnknownFromPane(ss, status, mode, cwd, activeProcess, now)
		} else {
			e.setStateLocked(ss, StateBusy, "output:active", cwd, activeProcess, now)
		}
	case promptRecent:
		if mode == ModeAgent {
			e.setStateLocked(ss, StateUnknown, "agent-prompt-stable", cwd, activeProcess, now)
		} else {
			e.setStateLocked(ss, StateReady, "prompt-recent", cwd, activeProcess, now)
		}
	case activeProcess != "" && !isKnownShellName(activeProcess):
		if status == PaneWorking {
			e.setStateLocked(ss, StateBusy, "process:"+activeProcess, cwd, activeProcess, now)
		} else {
			e.readyOrUnknownFromPane(ss, status, mode, cwd, activeProcess, now)
		}
	default:
		if mode == ModeAgent {
			e.setStateLocked(ss, StateUnknown, "agent-idle", cwd, activeProcess, now)
		} else {
			e.setStateLocked(ss, StateReady, "shell-idle", cwd, activeProcess, now)
		}
	}
}

func (e *Engine) readyOrUnknownFromPane(ss *sessionState, status PaneStatus, mode Mode, cwd, activeProcess string, now time.Time) {
	reason := "pane-diff:" + string(status)
	if mode == ModeAgent {
		e.setStateLocked(ss, StateUnknown, reason, cwd, activeProcess, now)
		return
	}
	e.setStateLocked(ss, StateReady, reason, cwd, activeProcess, now)
}

// setStateLocked applies a new classification and emits pty_ready if
// (state, indicator, reason, cwd) changed. Caller must hold ss.mu. Empty
// cwd/activeProcess mean "leave unchanged".
func (e *Engine) setStateLocked(ss *sessionState, newState State, reason, cwd, activeProcess string, now time.Time) {
	indicator := ss.indicator
	switch newState {
	case StateReady:
		indicator = IndicatorReady
	case StateBusy:
		indicator = IndicatorBusy
	}
	if cwd == "" {
		cwd = ss.cwd
	}
	if activeProcess == "" {
		activeProcess = ss.activeProcess
	}
	source := sourceFor(reason)

	changed := ss.state != newState || ss.indicator != indicator || ss.reason != reason || ss.cwd != cwd

	ss.state = newState
	ss.indicator = indicator
	ss.reason = reason
	ss.source = source
	ss.cwd = cwd
	ss.activeProcess = activeProcess

	if !changed {
		return
	}
	snap := e.snapshotLocked(ss)
	snap.TS = now
	e.trace.add(snap)
	if e.OnReady != nil {
		e.OnReady(snap)
	}
}

func (e *Engine) snapshotLocked(ss *sessionState) Snapshot {
	return Snapshot{
		ID:            ss.ref.ID,
		State:         ss.state,
		Indicator:     ss.indicator,
		Reason:        ss.reason,
		Source:        ss.source,
		TS:            e.now(),
		Cwd:           ss.cwd,
		ActiveProcess: ss.activeProcess,
	}
}

// sourceFor derives the pty_ready "source" field from a reason string.
func sourceFor(reason string) string {
	switch {
	case reason == "input:command":
		return "input-event"
	case reason == "exited":
		return "process-exit"
	case strings.HasPrefix(reason, "process:"):
		return "tmux-pane-inspection"
	case strings.HasPrefix(reason, "pane-diff:"):
		return "pane-inference"
	case reason == "agent-prompt-stable" || strings.HasPrefix(reason, "agent:") || reason == "prompt" || reason == "prompt-recent":
		return "pane-inference"
	default:
		return "status-engine"
	}
}
