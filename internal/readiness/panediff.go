package readiness

import (
	"strings"
	"time"
)

// PaneStatus is the result of comparing two pane snapshots.
type PaneStatus string

const (
	PaneWaiting    PaneStatus = "waiting"
	PaneWorking    PaneStatus = "working"
	PanePermission PaneStatus = "permission"
)

// PaneSnapshot is one pane-content observation.
type PaneSnapshot struct {
	Content string
	Width   int
	Height  int
}

// paneDiffState is the per-session carry-over state pane-diff inference
// needs between calls: when the current streak of "changed" observations
// began.
type paneDiffState struct {
	changingSince time.Time
	wasChanging   bool
}

// diffPanes is the pure function behind spec §4.5's pane-diff inference:
// given the previous and next pane snapshot, it returns the inferred
// status and an advisory interval for the next check. state is mutated to
// track how long a "changing" streak has been running; pass a fresh
// *paneDiffState per session.
func diffPanes(prev, next PaneSnapshot, state *paneDiffState, now time.Time, workingGrace time.Duration) (PaneStatus, time.Duration) {
	if LooksLikePermissionPrompt(next.Content) {
		state.wasChanging = false
		return PanePermission, 250 * time.Millisecond
	}

	unchanged := prev.Content == next.Content && prev.Width == next.Width && prev.Height == next.Height
	if unchanged {
		state.wasChanging = false
		return PaneWaiting, 500 * time.Millisecond
	}

	if changedSignificantly(prev.Content, next.Content) {
		if !state.wasChanging {
			state.wasChanging = true
			state.changingSince = now
		}
		if now.Sub(state.changingSince) >= workingGrace {
			return PaneWorking, 250 * time.Millisecond
		}
		return PaneWaiting, 250 * time.Millisecond
	}

	state.wasChanging = false
	return PaneWaiting, 400 * time.Millisecond
}

// changedSignificantly reports whether new differs from old across more
// than a small fraction of visible rows, the threshold spec §4.5 calls
// "affects more than a small fraction of visible rows".
func changedSignificantly(old, new string) bool {
	oldLines := strings.Split(old, "\n")
	newLines := strings.Split(new, "\n")
	n := len(newLines)
	if n == 0 {
		return false
	}
	differing := 0
	for i := 0; i < n; i++ {
		var oldLine string
		if i < len(oldLines) {
			oldLine = oldLines[i]
		}
		if oldLine != newLines[i] {
			differing++
		}
	}
	differing += abs(len(oldLines) - len(newLines))
	return float64(differing)/float64(n) > 0.1
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
