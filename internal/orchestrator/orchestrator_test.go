package orchestrator

import (
	"os/exec"
	"testing"
	"time"

	"github.com/agmux/agmux-server/internal/muxadapter"
	"github.com/agmux/agmux-server/internal/readiness"
	"github.com/agmux/agmux-server/internal/serverconfig"
	"github.com/agmux/agmux-server/internal/session"
	"github.com/agmux/agmux-server/internal/store"
	"github.com/agmux/agmux-server/internal/triggerload"
	"github.com/agmux/agmux-server/internal/triggers"
	"github.com/agmux/agmux-server/internal/wshub"
)

func skipIfNoSh(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not found in PATH, skipping")
	}
}

func newUnstartedTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	sessions := session.New()
	t.Cleanup(sessions.Close)

	hub := wshub.NewHub()
	hub.Start()
	t.Cleanup(hub.Stop)

	adapter := muxadapter.New("tmux")
	ready := readiness.NewEngine(adapter, readiness.DefaultTunables())
	t.Cleanup(ready.Close)

	trig := triggers.NewEngine()
	loader := triggerload.New(t.TempDir()+"/triggers.yaml", trig)

	cfg := serverconfig.DefaultConfig()
	return New(cfg, adapter, st, sessions, hub, ready, trig, loader, nil, "tmux")
}

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	o := newUnstartedTestOrchestrator(t)
	if err := o.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(o.Stop)
	return o
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

func TestSpawnCommandRegistersAndPersists(t *testing.T) {
	skipIfNoSh(t)
	o := newTestOrchestrator(t)

	summary, err := o.SpawnCommand(SpawnRequest{Command: "sh", Args: []string{"-c", "sleep 5"}, Name: "work"})
	if err != nil {
		t.Fatalf("SpawnCommand: %v", err)
	}
	if summary.Status != "running" {
		t.Fatalf("Status = %q, want running", summary.Status)
	}

	found := false
	for _, p := range o.ListPtys() {
		if p["id"] == summary.ID {
			found = true
			if p["displayName"] != "work" {
				t.Fatalf("displayName = %v, want work", p["displayName"])
			}
		}
	}
	if !found {
		t.Fatal("spawned session missing from ListPtys")
	}

	persisted, err := o.Store.ListSessions(0)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	var matched bool
	for _, p := range persisted {
		if p.ID == summary.ID {
			matched = true
		}
	}
	if !matched {
		t.Fatal("spawned session was not persisted")
	}
}

func TestSpawnCommandRejectsEmptyCommand(t *testing.T) {
	o := newTestOrchestrator(t)
	if _, err := o.SpawnCommand(SpawnRequest{}); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestKillSessionUnknownReturnsError(t *testing.T) {
	o := newTestOrchestrator(t)
	if err := o.KillSession("does-not-exist"); err != ErrUnknownSession {
		t.Fatalf("KillSession = %v, want ErrUnknownSession", err)
	}
}

func TestKillSessionRemovesRunningPty(t *testing.T) {
	skipIfNoSh(t)
	o := newTestOrchestrator(t)

	summary, err := o.SpawnCommand(SpawnRequest{Command: "sh", Args: []string{"-c", "sleep 5"}})
	if err != nil {
		t.Fatalf("SpawnCommand: %v", err)
	}
	if err := o.KillSession(summary.ID); err != nil {
		t.Fatalf("KillSession: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool {
		s, ok := o.Sessions.GetSummary(summary.ID)
		return !ok || s.Status == "exited"
	})
}

func TestHandleClientInputForwardsToReadinessAndSessionBeforeWrite(t *testing.T) {
	skipIfNoSh(t)
	// Built unstarted so nothing else drains Sessions.Events: Start() would
	// launch the orchestrator's own event loop goroutine, racing this test's
	// direct read of the same channel.
	o := newUnstartedTestOrchestrator(t)

	summary, err := o.SpawnCommand(SpawnRequest{Command: "sh", Args: []string{"-c", "cat"}})
	if err != nil {
		t.Fatalf("SpawnCommand: %v", err)
	}

	o.handleClientInput(summary.ID, []byte("echo hi\n"))

	waitFor(t, 3*time.Second, func() bool {
		select {
		case ev := <-o.Sessions.Events:
			return ev.Output != nil && ev.Output.ID == summary.ID && len(ev.Output.Data) > 0
		default:
			return false
		}
	})
}

func TestReloadTriggersSucceedsWithoutRulesFile(t *testing.T) {
	o := newTestOrchestrator(t)
	// No triggers file was ever written; loading a nonexistent path is not
	// an error (zero rules installed), so ReloadTriggers must succeed too.
	if err := o.ReloadTriggers(); err != nil {
		t.Fatalf("ReloadTriggers: %v", err)
	}
}
