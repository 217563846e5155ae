package readiness

import "time"

// Tunables holds every timing knob the engine uses. Zero-value fields are
// replaced by the package defaults in applyDefaults, mirroring
// workerutil.RecoveryOptions's "zero means default" convention.
type Tunables struct {
	// QuietWindow: output must be silent this long before flipping ready.
	QuietWindow time.Duration
	// ShellQuietMin: minimum silence after output for a session with no
	// resolved process. It is defaulted here, but the engine's recompute
	// does not read it.
	ShellQuietMin time.Duration
	// PromptWindow: after a prompt marker is seen, the session is treated
	// as prompt-fresh for this long.
	PromptWindow time.Duration
	// BusyDelay: incoming output is tentatively "busy" only after this
	// delay, absorbing prompt repaints.
	BusyDelay time.Duration
	// PostCommandCheck: after a submitted input line, schedule a
	// re-evaluation at this horizon.
	PostCommandCheck time.Duration
	// RecomputeDebounce: minimum gap between scheduled recomputes.
	RecomputeDebounce time.Duration
	// WorkingGrace: pane-diff-based "working" status must persist this
	// long before busy is confirmed.
	WorkingGrace time.Duration
	// TraceSize: capacity of the bounded diagnostic trace ring.
	TraceSize int
}

// DefaultTunables returns the values from spec §4.5's tunables table.
func DefaultTunables() Tunables {
	return Tunables{
		QuietWindow:       220 * time.Millisecond,
		ShellQuietMin:     250 * time.Millisecond,
		PromptWindow:      15000 * time.Millisecond,
		BusyDelay:         120 * time.Millisecond,
		PostCommandCheck:  800 * time.Millisecond,
		RecomputeDebounce: 120 * time.Millisecond,
		WorkingGrace:      4000 * time.Millisecond,
		TraceSize:         200,
	}
}

func (t Tunables) applyDefaults() Tunables {
	def := DefaultTunables()
	if t.QuietWindow <= 0 {
		t.QuietWindow = def.QuietWindow
	}
	if t.ShellQuietMin <= 0 {
		t.ShellQuietMin = def.ShellQuietMin
	}
	if t.PromptWindow <= 0 {
		t.PromptWindow = def.PromptWindow
	}
	if t.BusyDelay <= 0 {
		t.BusyDelay = def.BusyDelay
	}
	if t.PostCommandCheck <= 0 {
		t.PostCommandCheck = def.PostCommandCheck
	}
	if t.RecomputeDebounce <= 0 {
		t.RecomputeDebounce = def.RecomputeDebounce
	}
	if t.WorkingGrace <= 0 {
		t.WorkingGrace = def.WorkingGrace
	}
	if t.TraceSize <= 0 {
		t.TraceSize = def.TraceSize
	}
	return t
}
