package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/juliankiedaisch/deskgate/types"
)

const (
	eventWriteWait  = 10 * time.Second
	eventPongWait   = 60 * time.Second
	eventPingPeriod = eventPongWait * 9 / 10
	eventSendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are enforced by the CORS middleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Hub fans lifecycle events out to connected API clients. It implements the
// allocator's event sink; publishing never blocks, slow clients lose events
// instead of stalling an allocation.
type Hub struct {
	mu      sync.RWMutex
	clients map[*eventClient]struct{}
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*eventClient]struct{})}
}

// Publish delivers ev to every connected client owned by the instance's
// owner.
func (h *Hub) Publish(ev types.InstanceEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.owner != ev.OwnerID {
			continue
		}
		select {
		case c.send <- ev:
		default:
		}
	}
}

// Clients returns the number of connected event clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) add(owner string, conn *websocket.Conn) *eventClient {
	c := &eventClient{
		owner: owner,
		conn:  conn,
		send:  make(chan types.InstanceEvent, eventSendBuffer),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *Hub) remove(c *eventClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	_ = c.conn.Close()
}

type eventClient struct {
	owner string
	conn  *websocket.Conn
	send  chan types.InstanceEvent
}

// writePump pushes events and keepalive pings until the send channel closes
// or a write fails.
func (c *eventClient) writePump() {
	ticker := time.NewTicker(eventPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case ev, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound frames; the stream is push-only. It returns when
// the client hangs up or stops answering pings.
func (c *eventClient) readPump() {
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(eventPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(eventPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
