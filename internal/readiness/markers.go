package readiness

import (
	"regexp"
	"strings"
)

// knownShells mirrors muxadapter's table; duplicated rather than imported
// so this package's mode classification has no dependency on C1's
// process-resolution internals, only on the active-process string it
// returns.
var knownShells = map[string]bool{
	"bash": true, "zsh": true, "sh": true, "fish": true, "dash": true,
	"ksh": true, "tcsh": true, "csh": true, "pwsh": true, "powershell": true,
}

func isKnownShellName(name string) bool {
	name = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "-"))
	return knownShells[name]
}

// knownAgentPrefixes maps a command/process prefix to its agent family.
// A closed set per spec §4.5; additional families can be registered via
// RegisterAgentPrefix for callers that know about more agent CLIs.
var knownAgentPrefixes = map[string]AgentFamily{
	"codex":  AgentCodex,
	"claude": AgentClaude,
}

// RegisterAgentPrefix adds (or overrides) a command-prefix -> family
// mapping, letting the host application plug in agent families beyond the
// closed set built in here.
func RegisterAgentPrefix(prefix string, family AgentFamily) {
	knownAgentPrefixes[strings.ToLower(prefix)] = family
}

func classifyAgentFamily(command string) (AgentFamily, bool) {
	cmd := strings.ToLower(strings.TrimSpace(command))
	for prefix, family := range knownAgentPrefixes {
		if strings.HasPrefix(cmd, prefix) {
			return family, true
		}
	}
	return "", false
}

// ClassifyMode implements spec §4.5's per-session mode classification.
func ClassifyMode(sessionName, command, activeProcess string) (Mode, AgentFamily) {
	if strings.HasPrefix(sessionName, "shell:") {
		return ModeShell, ""
	}
	candidate := activeProcess
	if candidate == "" {
		candidate = command
	}
	if isKnownShellName(candidate) || isKnownShellName(command) {
		return ModeShell, ""
	}
	if family, ok := classifyAgentFamily(candidate); ok {
		return ModeAgent, family
	}
	if family, ok := classifyAgentFamily(command); ok {
		return ModeAgent, family
	}
	return ModeOther, ""
}

// AgentMarkers is the pluggable pair of patterns used to detect "this
// agent has started doing work" (busy) and "this agent is showing its own
// prompt" (prompt-fresh) in one output chunk. Both patterns are regexes
// matched against the chunk text; there is no non-regex matcher.
type AgentMarkers struct {
	BusyPattern   *regexp.Regexp
	PromptPattern *regexp.Regexp
}

// defaultAgentMarkers are heuristics for the two named families; "other"
// gets no family-specific markers and falls back to the shell-prompt tail
// heuristic plus generic content presence.
var defaultAgentMarkers = map[AgentFamily]AgentMarkers{
	AgentCodex: {
		BusyPattern:   regexp.MustCompile(`(?i)(thinking|running|\bworking\b|⠋|⠙|⠹|⠸|⠼|⠴|⠦|⠧|⠇|⠏)`),
		PromptPattern: regexp.MustCompile(`(?i)^\s*(codex>|›)\s*$`),
	},
	AgentClaude: {
		BusyPattern:   regexp.MustCompile(`(?i)(esc to interrupt|\bworking\b|\bthinking\b)`),
		PromptPattern: regexp.MustCompile(`(?i)^\s*(Human:|>)\s*$`),
	},
}

// MarkersFor returns the configured markers for family, or a zero value
// (no matches) if none are registered.
func MarkersFor(family AgentFamily) AgentMarkers {
	return defaultAgentMarkers[family]
}

// RegisterAgentMarkers overrides (or adds) the marker pair for family,
// implementing the "pluggable predicate" design point: a host can swap in
// its own detection for an agent family without touching engine code.
func RegisterAgentMarkers(family AgentFamily, markers AgentMarkers) {
	defaultAgentMarkers[family] = markers
}

// altScreenSequences are the alternate-screen toggle escapes the runtime
// orchestrator strips before feeding output to clients and to this engine
// (spec §6 "Multiplexer process conventions"); stripping is duplicated
// here defensively since the engine may also see output directly from a
// raw-PTY session that bypasses C8's stripping path.
var altScreenSequences = []string{
	"\x1b[?1049h", "\x1b[?1049l",
	"\x1b[?47h", "\x1b[?47l",
	"\x1b[?1047h", "\x1b[?1047l",
}

// StripAltScreen removes alternate-screen toggle sequences from chunk.
func StripAltScreen(chunk []byte) []byte {
	s := string(chunk)
	for _, seq := range altScreenSequences {
		s = strings.ReplaceAll(s, seq, "")
	}
	return []byte(s)
}

// shellPromptLineRegex matches a tail line that looks like an interactive shell
// prompt: up to 180 chars of leading text, ending in a conventional prompt
// glyph, or a yes/no or credential prompt.
var shellPromptLineRegex = regexp.MustCompile(`^.{0,180}[$#%>›❯]{1,3}\s*$`)
var proceedPromptRegex = regexp.MustCompile(`(?i)proceed\s*\(y`)
var credentialPromptRegex = regexp.MustCompile(`(?i)(password|login)\s*:\s*$`)

// LooksLikeShellPrompt applies the tail heuristic from spec §4.5 to the
// last non-empty line of chunk.
func LooksLikeShellPrompt(chunk string) bool {
	lines := strings.Split(chunk, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimRight(lines[i], "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		return shellPromptLineRegex.MatchString(line) ||
			proceedPromptRegex.MatchString(line) ||
			credentialPromptRegex.MatchString(line)
	}
	return false
}

// permissionPromptRegex recognizes a recognizable permission/approval
// prompt in a captured pane (e.g. agent CLIs asking to run a tool).
var permissionPromptRegex = regexp.MustCompile(`(?i)(allow|permit|approve).{0,40}\?\s*$|\[y/n\]\s*$`)

// LooksLikePermissionPrompt reports whether content contains a visible
// permission/approval prompt marker.
func LooksLikePermissionPrompt(content string) bool {
	lines := strings.Split(content, "\n")
	for i := len(lines) - 1; i >= 0 && i >= len(lines)-5; i-- {
		if permissionPromptRegex.MatchString(strings.TrimSpace(lines[i])) {
			return true
		}
	}
	return false
}
