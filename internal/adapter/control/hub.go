package control

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/ChristophBellmann/chromecast-receiver/internal/domain"
)

const sendBuffer = 64

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func newClient(conn *websocket.Conn) *client {
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// hub fans messages out to connected websocket clients. Slow clients are
// dropped instead of blocking the session.
type hub struct {
	mu      sync.Mutex
	clients map[*client]bool
	logger  domain.Logger
}

func newHub(logger domain.Logger) *hub {
	return &hub{clients: make(map[*client]bool), logger: logger}
}

func (h *hub) add(conn *websocket.Conn) *client {
	c := newClient(conn)
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	return c
}

func (h *hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// sendTo queues msg for a single client.
func (h *hub) sendTo(c *client, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal ws message", "err", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.clients[c] {
		return
	}
	select {
	case c.send <- data:
	default:
		h.logger.Warn("ws client too slow, disconnecting")
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *hub) broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal ws message", "err", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("ws client too slow, disconnecting")
			delete(h.clients, c)
			close(c.send)
		}
	}
}
