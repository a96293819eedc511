// Package broadcast fans a single JSON payload out to every connected
// WebSocket client. It is a deliberately narrower cousin of the
// teacher's pkg/events.ConnectionManager: there is exactly one topic
// here ("view_update"), so there is no per-channel subscription
// bookkeeping, only connection register/unregister/broadcast.
package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Hub tracks active WebSocket connections and broadcasts view updates
// to all of them. One Hub per observability-server process.
type Hub struct {
	mu          sync.RWMutex
	connections map[string]*conn

	writeTimeout time.Duration
}

type conn struct {
	id     string
	ws     *websocket.Conn
	cancel context.CancelFunc
}

// New constructs an empty Hub. writeTimeout bounds how long a single
// client write may block before that client is dropped.
func New(writeTimeout time.Duration) *Hub {
	return &Hub{
		connections:  make(map[string]*conn),
		writeTimeout: writeTimeout,
	}
}

// HandleConnection registers ws and blocks until it closes or parentCtx
// is cancelled. Intended to be called directly from the WebSocket
// upgrade handler, mirroring the teacher's HandleConnection contract.
func (h *Hub) HandleConnection(parentCtx context.Context, ws *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &conn{id: uuid.New().String(), ws: ws, cancel: cancel}

	h.register(c)
	defer h.unregister(c)

	h.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": c.id,
	})

	// The hub never expects client-initiated messages; the read loop
	// exists only to detect the connection closing.
	for {
		if _, _, err := ws.Read(ctx); err != nil {
			return
		}
	}
}

// Broadcast sends payload (already-marshaled JSON) to every connected
// client, dropping any that fail to write within the hub's timeout.
func (h *Hub) Broadcast(payload []byte) {
	h.mu.RLock()
	targets := make([]*conn, 0, len(h.connections))
	for _, c := range h.connections {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := h.sendRaw(c, payload); err != nil {
			slog.Warn("dropping websocket client after failed write", "connection_id", c.id, "error", err)
			c.cancel()
		}
	}
}

// ActiveConnections reports how many clients are currently registered.
func (h *Hub) ActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

func (h *Hub) register(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connections[c.id] = c
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	delete(h.connections, c.id)
	h.mu.Unlock()
	_ = c.ws.Close(websocket.StatusNormalClosure, "")
}

func (h *Hub) sendJSON(c *conn, v map[string]string) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = h.sendRaw(c, data)
}

func (h *Hub) sendRaw(c *conn, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), h.writeTimeout)
	defer cancel()
	return c.ws.Write(ctx, websocket.MessageText, data)
}
