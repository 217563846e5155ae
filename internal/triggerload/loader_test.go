package triggerload

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agmux/agmux-server/internal/triggers"
)

func writeRules(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "triggers.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadMissingFileInstallsEmptyRuleSet(t *testing.T) {
	dir := t.TempDir()
	engine := triggers.NewEngine()
	l := New(filepath.Join(dir, "does-not-exist.yaml"), engine)

	if err := l.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(engine.Rules()) != 0 {
		t.Fatalf("expected zero rules, got %d", len(engine.Rules()))
	}
}

func TestLoadValidFileInstallsRules(t *testing.T) {
	dir := t.TempDir()
	path := writeRules(t, dir, `
rules:
  - name: done
    scope: line
    pattern: "^Done\\b"
    cooldownMs: 500
    highlightTtlMs: 2000
`)
	engine := triggers.NewEngine()
	l := New(path, engine)

	var statuses []bool
	l.OnStatus = func(ok bool, message string, version int) { statuses = append(statuses, ok) }

	if err := l.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	rules := engine.Rules()
	if len(rules) != 1 || rules[0].Name != "done" {
		t.Fatalf("unexpected rules: %+v", rules)
	}
	if len(statuses) != 1 || !statuses[0] {
		t.Fatalf("expected one successful status report, got %v", statuses)
	}
}

func TestLoadBadYAMLKeepsPreviousRuleSet(t *testing.T) {
	dir := t.TempDir()
	path := writeRules(t, dir, `
rules:
  - name: good
    pattern: "ok"
`)
	engine := triggers.NewEngine()
	l := New(path, engine)
	if err := l.Load(); err != nil {
		t.Fatalf("initial Load: %v", err)
	}

	if err := os.WriteFile(path, []byte("rules: [this is not valid: yaml: at all"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	var lastOK *bool
	l.OnStatus = func(ok bool, message string, version int) { v := ok; lastOK = &v }

	if err := l.Load(); err == nil {
		t.Fatal("expected parse error")
	}
	if lastOK == nil || *lastOK {
		t.Fatalf("expected a failed status report, got %v", lastOK)
	}

	rules := engine.Rules()
	if len(rules) != 1 || rules[0].Name != "good" {
		t.Fatalf("expected previous rule set to survive a bad reload, got %+v", rules)
	}
}

func TestLoadRejectsDuplicateNames(t *testing.T) {
	dir := t.TempDir()
	path := writeRules(t, dir, `
rules:
  - name: dup
    pattern: "a"
  - name: dup
    pattern: "b"
`)
	engine := triggers.NewEngine()
	l := New(path, engine)
	if err := l.Load(); err == nil {
		t.Fatal("expected duplicate name to be rejected")
	}
}

func TestLoadRejectsBadPattern(t *testing.T) {
	dir := t.TempDir()
	path := writeRules(t, dir, `
rules:
  - name: bad
    pattern: "("
`)
	engine := triggers.NewEngine()
	l := New(path, engine)
	if err := l.Load(); err == nil {
		t.Fatal("expected invalid regex to be rejected")
	}
}

func TestDeclarativeActionEmitsAndWritesBack(t *testing.T) {
	dir := t.TempDir()
	path := writeRules(t, dir, `
rules:
  - name: ping
    pattern: "ping"
    highlightTtlMs: 1500
    writeBack: "pong\n"
`)
	engine := triggers.NewEngine()
	l := New(path, engine)
	if err := l.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	var events []any
	var written []byte
	engine.OnOutput("s1", []byte("ping"), func(e any) { events = append(events, e) }, func(b []byte) { written = b })

	if len(events) != 2 {
		t.Fatalf("expected a trigger_fired and a pty_highlight event, got %d: %+v", len(events), events)
	}
	if _, ok := events[0].(TriggerFired); !ok {
		t.Fatalf("expected first event to be TriggerFired, got %T", events[0])
	}
	if hl, ok := events[1].(PtyHighlight); !ok || hl.TTLMs != 1500 {
		t.Fatalf("expected a PtyHighlight with TTLMs=1500, got %+v", events[1])
	}
	if string(written) != "pong\n" {
		t.Fatalf("expected write-back, got %q", written)
	}
}

func TestWatchDirReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeRules(t, dir, `
rules:
  - name: one
    pattern: "a"
`)
	engine := triggers.NewEngine()
	l := New(path, engine)
	if err := l.Load(); err != nil {
		t.Fatalf("initial Load: %v", err)
	}

	stop, err := l.WatchDir(20 * time.Millisecond)
	if err != nil {
		t.Fatalf("WatchDir: %v", err)
	}
	defer stop()

	if err := os.WriteFile(path, []byte("rules:\n  - name: two\n    pattern: \"b\"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rules := engine.Rules()
		if len(rules) == 1 && rules[0].Name == "two" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("timed out waiting for watched reload to take effect")
}
