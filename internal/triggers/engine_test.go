package triggers

import (
	"regexp"
	"sync"
	"testing"
	"time"
)

func newTestEngine(start time.Time) *Engine {
	e := NewEngine()
	cur := start
	e.now = func() time.Time { return cur }
	return e
}

func TestOnOutputMatchesChunkScope(t *testing.T) {
	e := NewEngine()
	var fired []string
	e.SetTriggers([]Rule{
		{
			Name:    "err",
			Scope:   ScopeChunk,
			Pattern: regexp.MustCompile(`error: (\w+)`),
			Action: ActionFunc(func(ctx MatchContext) {
				fired = append(fired, ctx.Match[1])
			}),
		},
	})

	e.OnOutput("s1", []byte("error: boom"), func(any) {}, func([]byte) {})

	if len(fired) != 1 || fired[0] != "boom" {
		t.Fatalf("expected one match capturing boom, got %v", fired)
	}
}

func TestOnOutputLineScopeDropsPartialLine(t *testing.T) {
	e := NewEngine()
	var matched []string
	e.SetTriggers([]Rule{
		{
			Name:    "prompt",
			Scope:   ScopeLine,
			Pattern: regexp.MustCompile(`^\$`),
			Action: ActionFunc(func(ctx MatchContext) {
				matched = append(matched, ctx.Line)
			}),
		},
	})

	e.OnOutput("s1", []byte("$ complete\n$ partial"), func(any) {}, func([]byte) {})

	if len(matched) != 1 || matched[0] != "$ complete" {
		t.Fatalf("expected only the complete line to match, got %v", matched)
	}
}

func TestCooldownSuppressesRefire(t *testing.T) {
	start := time.Unix(0, 0)
	e := newTestEngine(start)
	var count int
	e.SetTriggers([]Rule{
		{
			Name:       "r",
			Scope:      ScopeChunk,
			Pattern:    regexp.MustCompile(`x`),
			CooldownMs: 1000,
			Action:     ActionFunc(func(ctx MatchContext) { count++ }),
		},
	})

	e.OnOutput("s1", []byte("x"), func(any) {}, func([]byte) {})
	e.OnOutput("s1", []byte("x"), func(any) {}, func([]byte) {})
	if count != 1 {
		t.Fatalf("expected cooldown to suppress second fire, got count=%d", count)
	}

	e.now = func() time.Time { return start.Add(2 * time.Second) }
	e.OnOutput("s1", []byte("x"), func(any) {}, func([]byte) {})
	if count != 2 {
		t.Fatalf("expected fire after cooldown elapsed, got count=%d", count)
	}
}

func TestCooldownIsPerSession(t *testing.T) {
	e := newTestEngine(time.Unix(0, 0))
	var fires []string
	e.SetTriggers([]Rule{
		{
			Name:       "r",
			Scope:      ScopeChunk,
			Pattern:    regexp.MustCompile(`x`),
			CooldownMs: 1000,
			Action:     ActionFunc(func(ctx MatchContext) { fires = append(fires, ctx.SessionID) }),
		},
	})

	e.OnOutput("s1", []byte("x"), func(any) {}, func([]byte) {})
	e.OnOutput("s2", []byte("x"), func(any) {}, func([]byte) {})

	if len(fires) != 2 {
		t.Fatalf("expected independent cooldowns per session, got %v", fires)
	}
}

func TestSetTriggersPreservesCooldownForSurvivingRule(t *testing.T) {
	start := time.Unix(0, 0)
	e := newTestEngine(start)
	rule := func(count *int) Rule {
		return Rule{
			Name:       "r",
			Scope:      ScopeChunk,
			Pattern:    regexp.MustCompile(`x`),
			CooldownMs: 1000,
			Action:     ActionFunc(func(ctx MatchContext) { *count++ }),
		}
	}
	var count int
	e.SetTriggers([]Rule{rule(&count)})
	e.OnOutput("s1", []byte("x"), func(any) {}, func([]byte) {})

	// Reload with a rule of the same name; the cooldown should carry over
	// so the reload itself cannot be used to force an immediate refire.
	e.SetTriggers([]Rule{rule(&count)})
	e.OnOutput("s1", []byte("x"), func(any) {}, func([]byte) {})

	if count != 1 {
		t.Fatalf("expected surviving rule name to keep its cooldown across reload, got count=%d", count)
	}
}

func TestSetTriggersResetsCooldownForRenamedRule(t *testing.T) {
	start := time.Unix(0, 0)
	e := newTestEngine(start)
	var count int
	action := ActionFunc(func(ctx MatchContext) { count++ })
	e.SetTriggers([]Rule{{Name: "a", Scope: ScopeChunk, Pattern: regexp.MustCompile(`x`), CooldownMs: 1000, Action: action}})
	e.OnOutput("s1", []byte("x"), func(any) {}, func([]byte) {})

	e.SetTriggers([]Rule{{Name: "b", Scope: ScopeChunk, Pattern: regexp.MustCompile(`x`), CooldownMs: 1000, Action: action}})
	e.OnOutput("s1", []byte("x"), func(any) {}, func([]byte) {})

	if count != 2 {
		t.Fatalf("expected a differently-named rule to start with a clean cooldown, got count=%d", count)
	}
}

func TestPanicInActionReportsTriggerErrorAndSurvives(t *testing.T) {
	e := NewEngine()
	var reported bool
	e.OnTriggerError = func(trigger, sessionID, message string, ts time.Time) {
		reported = true
		if trigger != "boom" || sessionID != "s1" {
			t.Fatalf("unexpected trigger error fields: %s %s %s", trigger, sessionID, message)
		}
	}
	e.SetTriggers([]Rule{
		{
			Name:    "boom",
			Scope:   ScopeChunk,
			Pattern: regexp.MustCompile(`x`),
			Action:  ActionFunc(func(ctx MatchContext) { panic("kaboom") }),
		},
	})

	e.OnOutput("s1", []byte("x"), func(any) {}, func([]byte) {})

	if !reported {
		t.Fatal("expected OnTriggerError to be invoked on panic")
	}

	// The engine must still be usable afterward.
	var again bool
	e.SetTriggers([]Rule{
		{Name: "ok", Scope: ScopeChunk, Pattern: regexp.MustCompile(`y`), Action: ActionFunc(func(ctx MatchContext) { again = true })},
	})
	e.OnOutput("s1", []byte("y"), func(any) {}, func([]byte) {})
	if !again {
		t.Fatal("expected engine to keep matching after a prior rule panicked")
	}
}

func TestOnOutputNoRulesIsNoop(t *testing.T) {
	e := NewEngine()
	e.OnOutput("s1", []byte("anything"), func(any) { t.Fatal("emit should not be called") }, func([]byte) { t.Fatal("write should not be called") })
}

func TestConcurrentOnOutputIsRaceFree(t *testing.T) {
	e := NewEngine()
	e.SetTriggers([]Rule{
		{Name: "r", Scope: ScopeChunk, Pattern: regexp.MustCompile(`x`), Action: ActionFunc(func(ctx MatchContext) {})},
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				e.OnOutput("s1", []byte("x"), func(any) {}, func([]byte) {})
			}
		}(i)
	}
	wg.Wait()
}
