package monitor

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-dev/wavebench/pkg/record"
)

const (
	clientQueue = 256
	writeWait   = 5 * time.Second
)

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub broadcasts records to WebSocket clients. A client that cannot keep up
// loses records rather than slowing the servers down.
type Hub struct {
	clients  map[*client]struct{}
	mu       sync.RWMutex
	upgrader websocket.Upgrader
	dropped  atomic.Uint64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// ServeHTTP upgrades the request and streams records until the client goes
// away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientQueue)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writePump(c)

	// Clients only listen; reading detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.remove(c)
}

func (h *Hub) writePump(c *client) {
	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.remove(c)
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	c.conn.Close()
}

// Emit sends r to every connected client.
func (h *Hub) Emit(r record.Record) {
	data, err := json.Marshal(r)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.dropped.Add(1)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns the number of records not delivered to slow clients.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
}
