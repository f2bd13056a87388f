// Package events provides an in-memory broadcast hub for job-lifecycle
// notifications. It sits alongside the store-backed protocol as a pure
// introspection surface: nothing about claim, checkpoint, or finish
// semantics depends on whether anyone is listening.
package events

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/bobmcallan/taskqueue/internal/common"
	"github.com/bobmcallan/taskqueue/internal/models"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans job lifecycle events out to connected WebSocket subscribers.
// There is no second actor to coordinate with (unlike the teacher's
// JobManager, which ran its websocket hub alongside a watcher and a
// processor pool), so subscriber bookkeeping is a plain mutex-guarded map
// rather than a register/unregister/broadcast channel trio: Publish takes
// the lock and writes directly instead of handing events to a dedicated
// goroutine.
type Hub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	closed  bool
	logger  *common.Logger
}

// wsClient represents a connected WebSocket subscriber.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a new, empty event hub.
func NewHub(logger *common.Logger) *Hub {
	return &Hub{
		clients: make(map[*wsClient]struct{}),
		logger:  logger,
	}
}

// Publish broadcasts a job lifecycle event to every connected subscriber,
// evicting any subscriber whose send buffer is full rather than blocking.
func (h *Hub) Publish(event models.JobEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to marshal job event")
		return
	}

	h.mu.RLock()
	var slow []*wsClient
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, c := range slow {
		h.evictLocked(c)
	}
	h.mu.Unlock()
}

// ServeWS upgrades an HTTP connection to WebSocket and registers the
// subscriber.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("event subscriber upgrade failed")
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 256),
	}

	h.mu.Lock()
	closed := h.closed
	if !closed {
		h.clients[client] = struct{}{}
	}
	n := len(h.clients)
	h.mu.Unlock()

	if closed {
		conn.Close()
		return
	}

	h.logger.Debug().Int("clients", n).Msg("event subscriber connected")

	go h.writePump(client)
	go h.readPump(client)
}

// Stop disconnects every subscriber and rejects future ones.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for c := range h.clients {
		h.evictLocked(c)
	}
}

// evictLocked removes client from the hub and closes its send channel.
// Callers must hold h.mu for writing.
func (h *Hub) evictLocked(c *wsClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.evictLocked(c)
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) readPump(c *wsClient) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
