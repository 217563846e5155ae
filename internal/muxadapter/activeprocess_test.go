package muxadapter

import "testing"

func TestResolveActiveProcess_PreferForegroundPGIDLeader(t *testing.T) {
	pane := PaneInfo{ActiveCommand: "bash", PanePID: 100, TTY: "ttys001"}
	rows := []procRow{
		{PID: 100, PGID: 100, TPGID: 200, Comm: "bash"},
		{PID: 200, PGID: 200, TPGID: 200, Comm: "vim"},
	}
	got := resolveActiveProcess(rows, pane)
	if got != "vim" {
		t.Fatalf("got %q, want vim", got)
	}
}

func TestResolveActiveProcess_SkipsBackgroundHelperSharingGroup(t *testing.T) {
	pane := PaneInfo{ActiveCommand: "bash", PanePID: 100, TTY: "ttys001"}
	rows := []procRow{
		{PID: 100, PGID: 100, TPGID: 100, Comm: "bash"},
		{PID: 150, PGID: 999, TPGID: 100, Comm: "git-status-daemon"},
	}
	got := resolveActiveProcess(rows, pane)
	// Neither row has pid==tpgid with a non-shell command, and the second
	// row's pgid (999) != tpgid (100), so it must not be reported.
	if got != "bash" {
		t.Fatalf("got %q, want fallback to pane command bash", got)
	}
}

func TestResolveActiveProcess_FallsBackToPaneCommandWhenOnlyShellForeground(t *testing.T) {
	pane := PaneInfo{ActiveCommand: "zsh", PanePID: 5, TTY: "ttys002"}
	rows := []procRow{
		{PID: 5, PGID: 5, TPGID: 5, Comm: "zsh"},
	}
	got := resolveActiveProcess(rows, pane)
	if got != "zsh" {
		t.Fatalf("got %q, want zsh", got)
	}
}

func TestIsKnownShell(t *testing.T) {
	cases := map[string]bool{
		"bash":   true,
		"-bash":  true,
		"zsh":    true,
		"vim":    false,
		"claude": false,
		"":       false,
	}
	for in, want := range cases {
		if got := isKnownShell(in); got != want {
			t.Errorf("isKnownShell(%q) = %v, want %v", in, got, want)
		}
	}
}
