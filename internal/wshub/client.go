package wshub

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// client is one connected WebSocket consumer: a subscription set plus a
// per-session pending output buffer, per spec §4.4.
type client struct {
	hub  *Hub
	conn *websocket.Conn

	mu      sync.Mutex
	subs    map[string]struct{}
	pending map[string]*bytes.Buffer
	queued  int // sum of all pending buffer lengths, the "per-client queued bytes" ceiling target

	writeMu     sync.Mutex
	queuedBytes int64 // atomic-ish, guarded by writeMu: bytes mid-flight in the current write

	closeOnce sync.Once
	closed    atomic.Bool
}

func newClient(h *Hub, conn *websocket.Conn) *client {
	return &client{
		hub:     h,
		conn:    conn,
		subs:    map[string]struct{}{},
		pending: map[string]*bytes.Buffer{},
	}
}

func (c *client) run() {
	defer recoverPanic("client.run")

	if err := c.conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
		c.close("initial read deadline failed")
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	pingDone := make(chan struct{})
	go c.pingLoop(pingDone)
	defer close(pingDone)

	defer c.close("read pump exit")

	for {
		msgType, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		c.handleMessage(raw)
	}
}

func (c *client) pingLoop(done <-chan struct{}) {
	defer recoverPanic("client.pingLoop")
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if !c.write(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *client) handleMessage(raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return
	}

	switch env.Type {
	case "subscribe":
		var msg subscribeMsg
		if json.Unmarshal(raw, &msg) != nil || msg.PtyID == "" {
			return
		}
		c.mu.Lock()
		c.subs[msg.PtyID] = struct{}{}
		c.mu.Unlock()
		if c.hub.SnapshotFor != nil {
			if snapshot, ok := c.hub.SnapshotFor(msg.PtyID); ok {
				c.queueOutput(msg.PtyID, snapshot)
				c.flush()
			}
		}
	case "input":
		var msg inputMsg
		if json.Unmarshal(raw, &msg) != nil || msg.PtyID == "" {
			return
		}
		if len(msg.Data) > maxInputPayload {
			return
		}
		if c.hub.OnInput != nil {
			c.hub.OnInput(msg.PtyID, []byte(msg.Data))
		}
	case "resize":
		var msg resizeMsg
		if json.Unmarshal(raw, &msg) != nil || msg.PtyID == "" {
			return
		}
		if msg.Cols < 1 || msg.Cols > 1000 || msg.Rows < 1 || msg.Rows > 1000 {
			return
		}
		if c.hub.OnResize != nil {
			c.hub.OnResize(msg.PtyID, msg.Cols, msg.Rows)
		}
	case "tmux_control":
		var msg tmuxControlMsg
		if json.Unmarshal(raw, &msg) != nil || msg.PtyID == "" {
			return
		}
		if msg.Lines < 1 || msg.Lines > 200 {
			return
		}
		if c.hub.OnTmuxControl != nil {
			c.hub.OnTmuxControl(msg.PtyID, msg.Direction, msg.Lines)
		}
	}
}

// queueOutput appends data to the client's buffer for id, only if the
// client has subscribed to it. Breaching the per-client ceiling closes the
// client.
func (c *client) queueOutput(id string, data []byte) {
	c.mu.Lock()
	_, subscribed := c.subs[id]
	if !subscribed {
		c.mu.Unlock()
		return
	}
	buf := c.pending[id]
	if buf == nil {
		buf = &bytes.Buffer{}
		c.pending[id] = buf
	}
	buf.Write(data)
	c.queued += len(data)
	over := c.queued > clientCeiling
	c.mu.Unlock()

	if over {
		c.close("per-client output ceiling exceeded")
	}
}

// flush emits one pty_output frame per pending session and clears buffers,
// provided the client's outstanding write backlog is under the socket
// ceiling.
func (c *client) flush() {
	if c.closed.Load() {
		return
	}

	c.writeMu.Lock()
	overSocket := c.queuedBytes > socketCeiling
	c.writeMu.Unlock()
	if overSocket {
		c.close("socket-level buffer ceiling exceeded")
		return
	}

	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	drained := make(map[string][]byte, len(c.pending))
	for id, buf := range c.pending {
		if buf.Len() == 0 {
			continue
		}
		drained[id] = append([]byte(nil), buf.Bytes()...)
		buf.Reset()
	}
	c.queued = 0
	c.mu.Unlock()

	for id, data := range drained {
		msg := PtyOutputMsg{Type: "pty_output", PtyID: id, Data: base64.StdEncoding.EncodeToString(data)}
		payload, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		if !c.sendRaw(payload) {
			return
		}
	}
}

// sendRaw writes an already-encoded JSON payload as a single text frame.
// Returns false if the write failed (the client has been closed).
func (c *client) sendRaw(payload []byte) bool {
	return c.write(websocket.TextMessage, payload)
}

func (c *client) write(msgType int, payload []byte) bool {
	if c.closed.Load() {
		return false
	}

	c.writeMu.Lock()
	atomic.AddInt64(&c.queuedBytes, int64(len(payload)))
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		c.writeMu.Unlock()
		c.close("set write deadline failed")
		return false
	}
	err := c.conn.WriteMessage(msgType, payload)
	atomic.AddInt64(&c.queuedBytes, -int64(len(payload)))
	c.writeMu.Unlock()

	if err != nil {
		c.close("write failed")
		return false
	}
	return true
}

func (c *client) close(reason string) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeTooSlow, reason),
			time.Now().Add(time.Second))
		_ = c.conn.Close()
	})
}
