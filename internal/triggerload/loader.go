// Package triggerload is C7: loads and hot-reloads the user-editable
// trigger rule file, keeping a last-known-good copy so a bad edit never
// takes down the active rule set. Rule file parsed with go.yaml.in/yaml/v3
// (the teacher's own config library), validated the way
// internal/config.Config validates its YAML document (metadata probing,
// non-fatal fallback, last-known-good retained on failure). Directory
// watching is via github.com/fsnotify/fsnotify, a teacher go.mod
// dependency previously unused in the teacher's own source.
package triggerload

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/agmux/agmux-server/internal/triggers"
)

// ruleDoc is the on-disk declarative shape of one rule in triggers.yaml.
// The action is expressed declaratively (emit trigger_fired always; emit
// pty_highlight if HighlightTTLMs > 0; write WriteBack to the session if
// non-empty) rather than as arbitrary code, since this module has no
// embedded scripting runtime — the teacher's own config file is plain
// data, not code, and this rule file follows the same convention.
type ruleDoc struct {
	Name           string `yaml:"name"`
	Scope          string `yaml:"scope"`
	Pattern        string `yaml:"pattern"`
	CooldownMs     int64  `yaml:"cooldownMs"`
	HighlightTTLMs int64  `yaml:"highlightTtlMs"`
	WriteBack      string `yaml:"writeBack"`
}

type fileDoc struct {
	Rules []ruleDoc `yaml:"rules"`
}

// Loader owns the active Engine, the configured file path, and the
// last-known-good document, per spec §4.7.
type Loader struct {
	path   string
	engine *triggers.Engine

	lastGood []ruleDoc
	version  int

	// OnStatus is invoked after every load attempt (success or failure),
	// typically wired to broadcast a status event.
	OnStatus func(ok bool, message string, version int)

	watcher  *fileWatcher
}

// New returns a Loader for the rule file at path, wired to engine.
func New(path string, engine *triggers.Engine) *Loader {
	return &Loader{path: path, engine: engine}
}

// Load reads and validates the rule file, installing it and bumping the
// version on success. On failure the previously active rule set (or the
// last-known-good document, if this is the very first load) stays active,
// and the failure is reported via OnStatus, per spec §4.7 and §7 "Trigger
// load".
func (l *Loader) Load() error {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			// No rule file yet is not an error: the engine simply runs
			// with zero rules until one is created.
			l.install(nil)
			l.report(true, "no trigger file at "+l.path, nil)
			return nil
		}
		l.report(false, err.Error(), nil)
		return fmt.Errorf("triggerload: read %s: %w", l.path, err)
	}

	var doc fileDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		l.report(false, "parse error: "+err.Error(), nil)
		return fmt.Errorf("triggerload: parse %s: %w", l.path, err)
	}

	compiled, err := compile(doc.Rules)
	if err != nil {
		l.report(false, "validation error: "+err.Error(), nil)
		return fmt.Errorf("triggerload: validate %s: %w", l.path, err)
	}

	l.install(compiled)
	l.lastGood = doc.Rules
	l.version++
	l.report(true, fmt.Sprintf("loaded %d rule(s) from %s", len(compiled), l.path), &l.version)
	return nil
}

func (l *Loader) install(rules []triggers.Rule) {
	l.engine.SetTriggers(rules)
}

func (l *Loader) report(ok bool, message string, version *int) {
	if l.OnStatus == nil {
		return
	}
	v := l.version
	if version != nil {
		v = *version
	}
	l.OnStatus(ok, message, v)
}

// compile validates each ruleDoc (non-empty name, valid scope, compilable
// pattern, callable action) and returns the engine-ready Rule slice, per
// spec §4.7 "validates that the exported value is a sequence whose
// elements each have a string name, a compiled regex, and a callable
// action".
func compile(docs []ruleDoc) ([]triggers.Rule, error) {
	seen := map[string]bool{}
	out := make([]triggers.Rule, 0, len(docs))
	for i, d := range docs {
		if d.Name == "" {
			return nil, fmt.Errorf("rule %d: name is required", i)
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("rule %d (%s): duplicate name", i, d.Name)
		}
		seen[d.Name] = true

		scope := triggers.Scope(d.Scope)
		switch scope {
		case triggers.ScopeChunk, triggers.ScopeLine:
		case "":
			scope = triggers.ScopeChunk
		default:
			return nil, fmt.Errorf("rule %d (%s): unknown scope %q", i, d.Name, d.Scope)
		}

		pattern, err := regexp.Compile(d.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): bad pattern: %w", i, d.Name, err)
		}

		out = append(out, triggers.Rule{
			Name:       d.Name,
			Scope:      scope,
			Pattern:    pattern,
			CooldownMs: d.CooldownMs,
			Action:     declarativeAction(d),
		})
	}
	return out, nil
}

// declarativeAction builds a triggers.Action that performs the three
// effects a rule doc can declare: always a trigger_fired event, optionally
// a pty_highlight with TTL, optionally a write-back to the session.
func declarativeAction(d ruleDoc) triggers.Action {
	return triggers.ActionFunc(func(ctx triggers.MatchContext) {
		ctx.Emit(TriggerFired{
			SessionID: ctx.SessionID,
			Trigger:   d.Name,
			Match:     firstOrEmpty(ctx.Match),
			Line:      ctx.Line,
			Timestamp: ctx.Timestamp,
		})
		if d.HighlightTTLMs > 0 {
			ctx.Emit(PtyHighlight{
				SessionID: ctx.SessionID,
				Reason:    d.Name,
				TTLMs:     d.HighlightTTLMs,
			})
		}
		if d.WriteBack != "" && ctx.Write != nil {
			ctx.Write([]byte(d.WriteBack))
		}
	})
}

func firstOrEmpty(m []string) string {
	if len(m) == 0 {
		return ""
	}
	return m[0]
}

// TriggerFired and PtyHighlight are the two declarative-action event
// shapes; the runtime orchestrator translates them into the wire-format
// wshub.TriggerFiredMsg/PtyHighlightMsg.
type TriggerFired struct {
	SessionID string
	Trigger   string
	Match     string
	Line      string
	Timestamp time.Time
}

type PtyHighlight struct {
	SessionID string
	Reason    string
	TTLMs     int64
}

// WatchDir starts a debounced directory watcher over the directory
// containing the rule file; any change triggers a reload after debounce.
// Returns a stop function.
func (l *Loader) WatchDir(debounce time.Duration) (stop func(), err error) {
	dir := filepath.Dir(l.path)
	w, err := newFileWatcher(dir, debounce, func() {
		_ = l.Load()
	})
	if err != nil {
		return nil, err
	}
	l.watcher = w
	w.start()
	return w.stop, nil
}
