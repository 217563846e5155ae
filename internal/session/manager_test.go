package session

import (
	"os/exec"
	"testing"
	"time"
)

func skipIfNoSh(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not found in PATH, skipping")
	}
}

func waitForExit(t *testing.T, m *Manager, id string) Summary {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-m.Events:
			if ev.Exit == nil || ev.Exit.ID != id {
				continue
			}
			s, ok := m.GetSummary(id)
			if !ok {
				t.Fatalf("GetSummary(%q) missing after exit", id)
			}
			return s
		case <-deadline:
			t.Fatalf("timed out waiting for exit event")
		}
	}
}

func TestManagerSpawnAndExit(t *testing.T) {
	skipIfNoSh(t)
	m := New()
	defer m.Close()

	sum, err := m.Spawn(Descriptor{
		Command: "sh",
		Args:    []string{"-c", "echo hi; exit 3"},
		Cols:    80,
		Rows:    24,
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if sum.Status != "running" {
		t.Fatalf("Status = %q, want running", sum.Status)
	}

	var sawHi bool
	deadline := time.After(5 * time.Second)
	for !sawHi {
		select {
		case ev := <-m.Events:
			if ev.Output != nil && ev.Output.ID == sum.ID && len(ev.Output.Data) > 0 {
				sawHi = true
			}
		case <-deadline:
			t.Fatalf("timed out waiting for output")
		}
	}

	final := waitForExit(t, m, sum.ID)
	if final.Status != "exited" {
		t.Fatalf("final Status = %q, want exited", final.Status)
	}
	if final.ExitCode == nil || *final.ExitCode != 3 {
		t.Fatalf("ExitCode = %v, want 3", final.ExitCode)
	}
}

func TestManagerResizeClampsAndNoops(t *testing.T) {
	skipIfNoSh(t)
	m := New()
	defer m.Close()

	sum, err := m.Spawn(Descriptor{Command: "sh", Args: []string{"-c", "sleep 5"}, Cols: 80, Rows: 24})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer m.Kill(sum.ID)

	if err := m.Resize(sum.ID, 0, 24); err == nil {
		t.Fatalf("Resize with cols=0 should fail")
	}
	if err := m.Resize(sum.ID, 1001, 24); err == nil {
		t.Fatalf("Resize with cols>1000 should fail")
	}
	if err := m.Resize(sum.ID, 100, 40); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	got, ok := m.GetSummary(sum.ID)
	if !ok {
		t.Fatalf("GetSummary missing")
	}
	if got.Cols != 100 || got.Rows != 40 {
		t.Fatalf("Cols/Rows = %d/%d, want 100/40", got.Cols, got.Rows)
	}

	// Same size again should be a harmless no-op.
	if err := m.Resize(sum.ID, 100, 40); err != nil {
		t.Fatalf("Resize (no-op): %v", err)
	}
}

func TestManagerUnknownIDIsNoop(t *testing.T) {
	m := New()
	defer m.Close()

	m.Write("nope", []byte("x"))
	m.UpdateCwd("nope", "/tmp")
	m.Kill("nope")

	if _, ok := m.GetSummary("nope"); ok {
		t.Fatalf("GetSummary(unknown) should report false")
	}
	if _, ok := m.GetPid("nope"); ok {
		t.Fatalf("GetPid(unknown) should report false")
	}
}

func TestManagerKillIsIdempotent(t *testing.T) {
	skipIfNoSh(t)
	m := New()
	defer m.Close()

	sum, err := m.Spawn(Descriptor{Command: "sh", Args: []string{"-c", "sleep 5"}, Cols: 80, Rows: 24})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	m.Kill(sum.ID)
	m.Kill(sum.ID)

	waitForExit(t, m, sum.ID)
}

func TestKillEscalatesToSIGKILLWhenChildIgnoresSIGHUP(t *testing.T) {
	skipIfNoSh(t)
	m := New()
	defer m.Close()

	sum, err := m.Spawn(Descriptor{
		Command: "sh",
		Args:    []string{"-c", "trap '' HUP; sleep 30"},
		Cols:    80,
		Rows:    24,
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	m.Kill(sum.ID)

	deadline := time.After(killGracePeriod + 3*time.Second)
	for {
		select {
		case ev := <-m.Events:
			if ev.Exit != nil && ev.Exit.ID == sum.ID {
				final, ok := m.GetSummary(sum.ID)
				if !ok || final.Status != "exited" {
					t.Fatalf("expected session to be marked exited, got %+v", final)
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for SIGKILL escalation to produce an exit")
		}
	}
}

func TestEventsNeverEmitOutputAfterExitForSameID(t *testing.T) {
	skipIfNoSh(t)
	m := New()
	defer m.Close()

	sum, err := m.Spawn(Descriptor{
		Command: "sh",
		Args:    []string{"-c", "printf last-chunk; exit 0"},
		Cols:    80,
		Rows:    24,
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	var sawExit bool
	deadline := time.After(5 * time.Second)
	for !sawExit {
		select {
		case ev := <-m.Events:
			if ev.Output != nil && ev.Output.ID == sum.ID && sawExit {
				t.Fatal("received output after exit for the same id")
			}
			if ev.Exit != nil && ev.Exit.ID == sum.ID {
				sawExit = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for exit")
		}
	}
}
