// Package wshub is C4: the set of open WebSocket clients streaming session
// output and state events to browser/UI consumers. It is rearchitected from
// the teacher's single-client internal/wsserver.Hub into a true multi-client
// hub with per-(client, session) output coalescing, grounded on that file's
// deadline/ping/panic-recovery/lock-ordering idioms plus the 16ms
// coalescing pattern from internal/terminal/output_flush_manager.go,
// generalized from one global pane buffer to one buffer per (client,
// session) pair.
package wshub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// flushWindow is the coalescing window for pty_output frames, fixed at
	// 16ms per spec (unlike the teacher's adaptive-backoff flush loop).
	flushWindow = 16 * time.Millisecond

	// socketCeiling bounds a client's outstanding mid-write bytes; breaching
	// it causes that client to be skipped (and, if sustained, closed) on the
	// current flush round.
	socketCeiling = 8 * 1024 * 1024

	// clientCeiling bounds a client's total queued (not yet flushed)
	// per-session output bytes.
	clientCeiling = 1 * 1024 * 1024

	// maxInboundFrame matches the spec's "max inbound frame 256 KiB".
	maxInboundFrame = 256 * 1024

	// maxInputPayload matches the spec's "max input payload 64 KiB"; larger
	// input messages are rejected rather than forwarded.
	maxInputPayload = 64 * 1024

	writeDeadline = 5 * time.Second
	readDeadline  = 90 * time.Second
	pingInterval  = 30 * time.Second
)

// closeTooSlow is the 1011-class ("internal error" / server-side
// overload) close code used to drop a client that breached a ceiling.
const closeTooSlow = websocket.CloseInternalServerErr

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 32 * 1024,
}

// Hub owns the live client set and the shared output-coalescing flush
// loop. Hooks (OnInput, OnResize, OnTmuxControl, SnapshotFor) are wired by
// the runtime orchestrator to C3/C5/C1; wshub itself has no knowledge of
// those components.
type Hub struct {
	AllowedOrigins []string

	OnInput       func(ptyID string, data []byte)
	OnResize      func(ptyID string, cols, rows int)
	OnTmuxControl func(ptyID string, direction string, lines int)
	SnapshotFor   func(ptyID string) ([]byte, bool)

	mu      sync.RWMutex
	clients map[*client]struct{}

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewHub creates a Hub. Start must be called before clients connect so the
// flush loop is running.
func NewHub() *Hub {
	return &Hub{
		clients: map[*client]struct{}{},
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start launches the shared flush loop.
func (h *Hub) Start() {
	go h.flushLoop()
}

// Stop halts the flush loop and closes every connected client.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
		<-h.doneCh

		h.mu.Lock()
		clients := make([]*client, 0, len(h.clients))
		for c := range h.clients {
			clients = append(clients, c)
		}
		h.clients = map[*client]struct{}{}
		h.mu.Unlock()

		for _, c := range clients {
			c.close("hub stop")
		}
	})
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients (no Origin header) are allowed; the HTTP
		// layer has already enforced token auth and loopback binding.
		return true
	}
	if len(h.AllowedOrigins) == 0 {
		return false
	}
	for _, allowed := range h.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ServeWS upgrades the request to a WebSocket connection and runs the
// client's read pump until it disconnects. Callers (the HTTP surface) are
// responsible for token auth before invoking this handler.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("wshub: upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(maxInboundFrame)

	c := newClient(h, conn)

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	c.run()

	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// Broadcast JSON-encodes event once and sends it to every connected client
// whose outstanding write backlog is under the socket ceiling; clients over
// the ceiling are closed instead.
func (h *Hub) Broadcast(event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Warn("wshub: broadcast marshal failed", "error", err)
		return
	}

	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.sendRaw(payload)
	}
}

// QueuePtyOutput appends bytes to the per-(client, id) coalescing buffer of
// every client subscribed to id, per spec §4.4.
func (h *Hub) QueuePtyOutput(id string, data []byte) {
	if len(data) == 0 {
		return
	}

	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.queueOutput(id, data)
	}
}

func (h *Hub) flushLoop() {
	defer close(h.doneCh)
	ticker := time.NewTicker(flushWindow)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.flushAll()
		}
	}
}

func (h *Hub) flushAll() {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.flush()
	}
}

// recoverPanic is shared by the per-client goroutines so a single client's
// misbehaving connection cannot bring the hub down.
func recoverPanic(where string) {
	if r := recover(); r != nil {
		slog.Error("wshub: recovered panic", "where", where, "panic", r, "stack", string(debug.Stack()))
	}
}
