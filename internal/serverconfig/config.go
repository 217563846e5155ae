// Package serverconfig loads and validates this server's environment-variable
// configuration, per spec §6. Non-fatal problems fall back to a documented
// default and are recorded as warnings rather than aborting startup, the way
// the teacher's internal/config package tolerates a malformed YAML document.
package serverconfig

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// ShellBackend selects how a plain "shell" session (as opposed to an
// attach-tmux session) is spawned.
type ShellBackend string

const (
	BackendMultiplexer ShellBackend = "tmux"
	BackendPTY         ShellBackend = "pty"
)

// Config is the full set of environment-derived settings for one server
// process. Zero-value fields are never used directly; Load always returns a
// Config with every field populated, falling back to DefaultConfig's values.
type Config struct {
	// Host is the bind address. Defaults to loopback; binding to a
	// non-loopback address requires AllowNonLoopback.
	Host string
	Port int

	// StorePath is the sqlite database file used by the session store (C2).
	StorePath string

	// TriggersPath is the directory containing the trigger rule file (C7).
	TriggersPath string

	// AuthToken is the shared token required on every state-mutating HTTP
	// request and on WS upgrade.
	AuthToken string

	// AllowNonLoopback permits Host to be a non-loopback address. Off by
	// default: loopback binding is enforced per spec §5.
	AllowNonLoopback bool

	// AllowedOrigins is the set of Origin header values accepted on WS
	// upgrade ("*" accepts any). Empty means every request that carries an
	// Origin header is refused; requests without one are accepted.
	AllowedOrigins []string

	// ShellBackend chooses whether POST /api/ptys/shell spawns a tmux
	// session or a raw PTY.
	ShellBackend ShellBackend

	// ShellExecutable is the shell run by a plain shell session.
	ShellExecutable string

	// SuppressOpenBrowser disables any auto-open-browser behavior in the
	// external HTTP/router collaborator; carried through for that
	// collaborator's benefit even though this module does not open browsers
	// itself.
	SuppressOpenBrowser bool

	// ReadinessWorkingGraceMs overrides the pane-diff "working grace"
	// tunable (default 4000ms per spec §4.5).
	ReadinessWorkingGraceMs int

	// ReadinessTraceSize bounds the readiness engine's diagnostic trace
	// (default 200 per spec §4.5).
	ReadinessTraceSize int

	// ReadinessTraceEnabled is parsed from the environment but not read by
	// the server; the readiness engine always keeps its trace.
	ReadinessTraceEnabled bool
}

const (
	envHost                = "AGMUX_HOST"
	envPort                = "AGMUX_PORT"
	envStorePath           = "AGMUX_STORE_PATH"
	envTriggersPath        = "AGMUX_TRIGGERS_PATH"
	envAuthToken           = "AGMUX_TOKEN"
	envAllowNonLoopback    = "AGMUX_ALLOW_NON_LOOPBACK"
	envAllowedOrigins      = "AGMUX_ALLOWED_ORIGINS"
	envShellBackend        = "AGMUX_SHELL_BACKEND"
	envShellExecutable     = "AGMUX_SHELL"
	envSuppressOpenBrowser = "AGMUX_NO_OPEN_BROWSER"
	envWorkingGraceMs      = "AGMUX_READINESS_WORKING_GRACE_MS"
	envTraceSize           = "AGMUX_READINESS_TRACE_SIZE"
	envTraceEnabled        = "AGMUX_READINESS_TRACE_ENABLED"
)

// DefaultConfig returns the configuration used when no environment variable
// overrides a field.
func DefaultConfig() Config {
	return Config{
		Host:                    "127.0.0.1",
		Port:                    7531,
		StorePath:               "agmux.db",
		TriggersPath:            "./triggers",
		AuthToken:               "",
		AllowNonLoopback:        false,
		AllowedOrigins:          nil,
		ShellBackend:            BackendMultiplexer,
		ShellExecutable:         defaultShell(),
		SuppressOpenBrowser:     false,
		ReadinessWorkingGraceMs: 4000,
		ReadinessTraceSize:      200,
		ReadinessTraceEnabled:   true,
	}
}

func defaultShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

// Warning is a non-fatal problem encountered while loading configuration.
type Warning struct {
	Field   string
	Message string
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: %s", w.Field, w.Message)
}

// Load reads configuration from the process environment, validating and
// falling back to DefaultConfig's value per-field on any problem. It never
// returns an error; problems are reported as warnings for the caller to log,
// matching the teacher's "config load/parse failures are non-fatal" stance.
func Load() (Config, []Warning) {
	cfg := DefaultConfig()
	var warnings []Warning

	if v, ok := os.LookupEnv(envHost); ok && v != "" {
		cfg.Host = v
	}
	if v, ok := os.LookupEnv(envAllowNonLoopback); ok {
		cfg.AllowNonLoopback = parseBool(v)
	}
	if !cfg.AllowNonLoopback {
		if !isLoopbackHost(cfg.Host) {
			warnings = append(warnings, Warning{envHost, fmt.Sprintf("%q is not a loopback address and AGMUX_ALLOW_NON_LOOPBACK is not set; falling back to 127.0.0.1", cfg.Host)})
			cfg.Host = "127.0.0.1"
		}
	}

	if v, ok := os.LookupEnv(envPort); ok && v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 && p <= 65535 {
			cfg.Port = p
		} else {
			warnings = append(warnings, Warning{envPort, fmt.Sprintf("invalid port %q, using default %d", v, cfg.Port)})
		}
	}

	if v, ok := os.LookupEnv(envStorePath); ok && v != "" {
		cfg.StorePath = v
	}
	if v, ok := os.LookupEnv(envTriggersPath); ok && v != "" {
		cfg.TriggersPath = v
	}
	if v, ok := os.LookupEnv(envAuthToken); ok {
		cfg.AuthToken = v
	}
	if cfg.AuthToken == "" {
		warnings = append(warnings, Warning{envAuthToken, "no auth token configured; every token-protected request will be rejected until AGMUX_TOKEN is set"})
	}

	if v, ok := os.LookupEnv(envAllowedOrigins); ok && v != "" {
		cfg.AllowedOrigins = splitAndTrim(v)
	}

	if v, ok := os.LookupEnv(envShellBackend); ok && v != "" {
		switch ShellBackend(strings.ToLower(v)) {
		case BackendMultiplexer, BackendPTY:
			cfg.ShellBackend = ShellBackend(strings.ToLower(v))
		default:
			warnings = append(warnings, Warning{envShellBackend, fmt.Sprintf("unknown backend %q, using %q", v, cfg.ShellBackend)})
		}
	}

	if v, ok := os.LookupEnv(envShellExecutable); ok && v != "" {
		if err := validateShellPath(v); err != nil {
			warnings = append(warnings, Warning{envShellExecutable, err.Error()})
		} else {
			cfg.ShellExecutable = v
		}
	}

	if v, ok := os.LookupEnv(envSuppressOpenBrowser); ok {
		cfg.SuppressOpenBrowser = parseBool(v)
	}

	if v, ok := os.LookupEnv(envWorkingGraceMs); ok && v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.ReadinessWorkingGraceMs = ms
		} else {
			warnings = append(warnings, Warning{envWorkingGraceMs, fmt.Sprintf("invalid duration %q, using default", v)})
		}
	}
	if v, ok := os.LookupEnv(envTraceSize); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ReadinessTraceSize = n
		} else {
			warnings = append(warnings, Warning{envTraceSize, fmt.Sprintf("invalid size %q, using default", v)})
		}
	}
	if v, ok := os.LookupEnv(envTraceEnabled); ok {
		cfg.ReadinessTraceEnabled = parseBool(v)
	}

	return cfg, warnings
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && b
}

func splitAndTrim(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// validateShellPath rejects values that cannot possibly be a shell
// executable: empty, a flag-like leading dash, embedded whitespace, or a NUL
// byte, mirroring spec §4.1's "create session" shell validation rule.
func validateShellPath(shell string) error {
	if shell == "" {
		return fmt.Errorf("shell must not be empty")
	}
	if strings.HasPrefix(shell, "-") {
		return fmt.Errorf("shell must not start with '-'")
	}
	if strings.ContainsAny(shell, " \t\n\x00") {
		return fmt.Errorf("shell must not contain whitespace or NUL bytes")
	}
	return nil
}

// ValidateShell exposes the same rule for use by C1 when validating a
// caller-supplied shell executable at session-creation time.
func ValidateShell(shell string) error {
	return validateShellPath(shell)
}
