// Package triggers is C6: the active rule set matched against session
// output, with per-rule per-session cooldowns. New package — the teacher
// has no equivalent, since it is a plain terminal multiplexer with no
// output-rule concept. Per-rule cooldown bookkeeping is grounded in style
// on internal/tmux/session_manager_idle.go's per-session timestamp
// tracking; panic-safe action invocation is grounded on
// internal/workerutil.RunWithPanicRecovery's recover-and-log pattern,
// inlined per-call since triggers run synchronously on the output path
// rather than on their own goroutine.
package triggers

import (
	"log/slog"
	"regexp"
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

// Scope selects how a rule is matched against an output chunk.
type Scope string

const (
	// ScopeChunk matches the raw chunk, useful for prompts without a
	// trailing newline.
	ScopeChunk Scope = "chunk"
	// ScopeLine splits the chunk on newlines into complete lines only and
	// matches each.
	ScopeLine Scope = "line"
)

// MatchContext is passed to a rule's Action on a match that clears its
// cooldown, per spec §4.6.
type MatchContext struct {
	SessionID string
	Timestamp time.Time
	Match     []string // regexp.FindStringSubmatch result
	Line      string    // the matched chunk or line, depending on Scope
	Emit      func(event any)
	Write     func(data []byte)
}

// Action is a rule's callable, invoked on a cooldown-clearing match. It
// produces zero or more events via ctx.Emit and may write back to the
// session via ctx.Write; it must not block.
type Action interface {
	Run(ctx MatchContext)
}

// ActionFunc adapts a plain function to Action.
type ActionFunc func(ctx MatchContext)

func (f ActionFunc) Run(ctx MatchContext) { f(ctx) }

// Rule is one compiled trigger, held only in memory (spec §3 "Trigger
// rule"). The rule set is replaced atomically by C7; a rule's identity for
// cooldown-reset purposes is its Name.
type Rule struct {
	Name       string
	Scope      Scope
	Pattern    *regexp.Regexp
	CooldownMs int64
	Action     Action
}

// Engine holds the active rule set and per-(rule, session) cooldown
// timestamps, per spec §4.6.
type Engine struct {
	mu        sync.RWMutex
	rules     []Rule
	cooldowns map[string]map[string]time.Time // rule name -> session id -> last fired

	now func() time.Time

	// OnTriggerError is invoked (outside any lock) when a rule's Action
	// panics, reported as a trigger_error event on the synthetic "system"
	// session id, per spec §4.6 "a buggy rule must not bring the engine
	// down".
	OnTriggerError func(trigger, sessionID, message string, ts time.Time)
}

// NewEngine returns an Engine with no rules loaded.
func NewEngine() *Engine {
	return &Engine{
		cooldowns: map[string]map[string]time.Time{},
		now:       time.Now,
	}
}

// SetTriggers atomically swaps the active rule set. Cooldowns are reset
// only for rules whose identity (name) changed between the old and new
// set, per spec §4.6; rules that survive by name keep their existing
// per-session cooldown state so a reload does not let a rule refire
// immediately.
func (e *Engine) SetTriggers(rules []Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := make(map[string]map[string]time.Time, len(rules))
	for _, r := range rules {
		if existing, ok := e.cooldowns[r.Name]; ok {
			next[r.Name] = existing
		} else {
			next[r.Name] = map[string]time.Time{}
		}
	}
	e.rules = append([]Rule(nil), rules...)
	e.cooldowns = next
}

// Rules returns a copy of the currently active rule set.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Rule(nil), e.rules...)
}

// OnOutput matches chunk against every active rule for sessionID, per
// scope, enforcing cooldowns, per spec §4.6. emit/write are forwarded into
// each matched rule's MatchContext.
func (e *Engine) OnOutput(sessionID string, chunk []byte, emit func(event any), write func(data []byte)) {
	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()
	if len(rules) == 0 {
		return
	}

	text := string(chunk)
	var lines []string

	for _, rule := range rules {
		switch rule.Scope {
		case ScopeLine:
			if lines == nil {
				lines = splitCompleteLines(text)
			}
			for _, line := range lines {
				if m := rule.Pattern.FindStringSubmatch(line); m != nil {
					e.fire(rule, sessionID, m, line, emit, write)
				}
			}
		default: // ScopeChunk
			if m := rule.Pattern.FindStringSubmatch(text); m != nil {
				e.fire(rule, sessionID, m, text, emit, write)
			}
		}
	}
}

// splitCompleteLines returns only the lines terminated by '\n'; a trailing
// partial line with no newline is dropped, per spec §4.6 "complete lines
// only".
func splitCompleteLines(chunk string) []string {
	if !strings.Contains(chunk, "\n") {
		return nil
	}
	parts := strings.Split(chunk, "\n")
	return parts[:len(parts)-1]
}

func (e *Engine) fire(rule Rule, sessionID string, match []string, line string, emit func(event any), write func(data []byte)) {
	now := e.now()

	e.mu.Lock()
	sessionCooldowns, ok := e.cooldowns[rule.Name]
	if !ok {
		sessionCooldowns = map[string]time.Time{}
		e.cooldowns[rule.Name] = sessionCooldowns
	}
	if rule.CooldownMs > 0 {
		if last, ok := sessionCooldowns[sessionID]; ok {
			if now.Sub(last) < time.Duration(rule.CooldownMs)*time.Millisecond {
				e.mu.Unlock()
				return
			}
		}
	}
	sessionCooldowns[sessionID] = now
	e.mu.Unlock()

	e.invoke(rule, MatchContext{
		SessionID: sessionID,
		Timestamp: now,
		Match:     match,
		Line:      line,
		Emit:      emit,
		Write:     write,
	})
}

// invoke runs rule.Action with panic recovery so a single buggy rule can
// never bring the engine down; a panic is reported as a trigger_error
// event instead, per spec §4.6 and §7 "Trigger action".
func (e *Engine) invoke(rule Rule, ctx MatchContext) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("triggers: action panicked", "trigger", rule.Name, "session", ctx.SessionID, "panic", r, "stack", string(debug.Stack()))
			if e.OnTriggerError != nil {
				e.OnTriggerError(rule.Name, ctx.SessionID, panicMessage(r), e.now())
			}
		}
	}()
	rule.Action.Run(ctx)
}

func panicMessage(r any) string {
	if err, ok := r.(error); ok {
		return err.Error()
	}
	return "trigger action panicked"
}
