package store

import "time"

// SessionSummary is the persisted view of a C3 session, per spec §3.
type SessionSummary struct {
	ID          string
	DisplayName string
	MuxServer   string
	MuxName     string
	Command     string
	Args        []string
	Cwd         string
	CreatedAt   time.Time
	LastSeenAt  time.Time
	Status      string // "running" | "exited"
	ExitCode    *int
	ExitSignal  *string
}

// Event is a C2 append-only session event: (sessionId, timestampMillis,
// type, payload).
type Event struct {
	SessionID string
	TimestampMs int64
	Type      string
	Payload   map[string]any
}

// InputHistoryEntry is one bounded, ordered entry in a session's recent
// submitted-input list (cap 40, per spec §3).
type InputHistoryEntry struct {
	Seq       int64
	Text      string
	Source    string
	Timestamp time.Time
}

// InputHistory is the per-session record: last submitted input line, last
// inferred process hint, and the bounded entry list.
type InputHistory struct {
	SessionID   string
	LastInput   string
	ProcessHint string
	Entries     []InputHistoryEntry
}

// MaxInputHistoryEntries is the cap on InputHistory.Entries (spec §3).
const MaxInputHistoryEntries = 40

// AgentSessionRecord is the (provider, providerSessionId)-keyed registry
// entry referenced (but not owned) by the core, per spec §3.
type AgentSessionRecord struct {
	Provider          string
	ProviderSessionID string
	DisplayName       string
	Cwd               string
	CreatedAt         time.Time
	LastSeenAt        time.Time
	LastRestoredAt    *time.Time
}
