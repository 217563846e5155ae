package store

import (
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertAndListSessions(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	summary := SessionSummary{
		ID: "s1", DisplayName: "shell:main", MuxServer: "private", MuxName: "agmux_s1",
		Command: "tmux", Args: []string{"attach", "-t", "agmux_s1"},
		Cwd: "/home/user", CreatedAt: now, LastSeenAt: now, Status: "running",
	}
	if err := s.UpsertSession(summary); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}

	list, err := s.ListSessions(0)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(list) != 1 || list[0].ID != "s1" {
		t.Fatalf("unexpected list: %+v", list)
	}
	if len(list[0].Args) != 3 {
		t.Fatalf("args not round-tripped: %+v", list[0].Args)
	}

	summary.Status = "exited"
	code := 0
	summary.ExitCode = &code
	if err := s.UpsertSession(summary); err != nil {
		t.Fatalf("UpsertSession (update): %v", err)
	}
	list, err = s.ListSessions(0)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if list[0].Status != "exited" || list[0].ExitCode == nil || *list[0].ExitCode != 0 {
		t.Fatalf("update not applied: %+v", list[0])
	}
}

func TestInputHistoryCapsAt40(t *testing.T) {
	s := openTestStore(t)
	var entries []InputHistoryEntry
	for i := 0; i < 50; i++ {
		entries = append(entries, InputHistoryEntry{Seq: int64(i), Text: "cmd", Timestamp: time.Now()})
	}
	if err := s.SaveInputHistory(InputHistory{SessionID: "s1", Entries: entries}); err != nil {
		t.Fatalf("SaveInputHistory: %v", err)
	}
	all, err := s.LoadAllInputHistory()
	if err != nil {
		t.Fatalf("LoadAllInputHistory: %v", err)
	}
	h := all["s1"]
	if len(h.Entries) != MaxInputHistoryEntries {
		t.Fatalf("got %d entries, want %d", len(h.Entries), MaxInputHistoryEntries)
	}
	if h.Entries[0].Seq != 10 {
		t.Fatalf("expected oldest entries dropped, got first seq %d", h.Entries[0].Seq)
	}
}

func TestPreferencesLastWriteWins(t *testing.T) {
	s := openTestStore(t)
	if err := s.SetPreference("theme", "dark"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetPreference("theme", "light"); err != nil {
		t.Fatal(err)
	}
	var got string
	if err := s.GetPreference("theme", &got); err != nil {
		t.Fatal(err)
	}
	if got != "light" {
		t.Fatalf("got %q, want light", got)
	}

	var missing string
	if err := s.GetPreference("nope", &missing); err != ErrNoRows {
		t.Fatalf("expected ErrNoRows, got %v", err)
	}
}

func TestAgentSessionMergeRules(t *testing.T) {
	s := openTestStore(t)
	t0 := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
	t1 := time.Now().Truncate(time.Millisecond)

	if err := s.UpsertAgentSession(AgentSessionRecord{
		Provider: "claude", ProviderSessionID: "abc", Cwd: "/repo", CreatedAt: t0, LastSeenAt: t0,
	}); err != nil {
		t.Fatal(err)
	}
	// Later upsert with a newer createdAt and no cwd: earliest createdAt wins,
	// latest lastSeenAt wins, non-null cwd preferred (incoming is empty so
	// the stored one survives).
	if err := s.UpsertAgentSession(AgentSessionRecord{
		Provider: "claude", ProviderSessionID: "abc", CreatedAt: t1, LastSeenAt: t1,
	}); err != nil {
		t.Fatal(err)
	}

	rec, err := s.GetAgentSession("claude", "abc")
	if err != nil {
		t.Fatal(err)
	}
	if !rec.CreatedAt.Equal(t0) {
		t.Fatalf("expected earliest createdAt %v, got %v", t0, rec.CreatedAt)
	}
	if !rec.LastSeenAt.Equal(t1) {
		t.Fatalf("expected latest lastSeenAt %v, got %v", t1, rec.LastSeenAt)
	}
	if rec.Cwd != "/repo" {
		t.Fatalf("expected preserved cwd /repo, got %q", rec.Cwd)
	}
}

func TestTaskAssignmentAtomicSwap(t *testing.T) {
	s := openTestStore(t)
	if err := s.UpsertSession(SessionSummary{ID: "s1", CreatedAt: time.Now(), LastSeenAt: time.Now(), Status: "running"}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTaskAssignment("s1", "task-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTaskAssignment("s1", "task-2"); err != nil {
		t.Fatal(err)
	}
	// The partial unique index over active=1 must not have been violated;
	// if it was, the second SetTaskAssignment call above would have failed.
}
