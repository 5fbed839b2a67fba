package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/loomworks/loom/internal/events"
)

// streamClient is one connected event stream consumer.
type streamClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub bridges the event bus to WebSocket consumers. The stream is
// observation only: consumers receive every engine event as JSON and send
// nothing back.
type Hub struct {
	mu          sync.RWMutex
	clients     map[*streamClient]struct{}
	unsubscribe func()
}

// NewHub creates a hub subscribed to every event on the bus.
func NewHub(bus *events.Bus) *Hub {
	h := &Hub{clients: make(map[*streamClient]struct{})}
	h.unsubscribe = bus.Subscribe(func(e events.Event) {
		data, err := json.Marshal(e)
		if err != nil {
			slog.Error("marshal stream event", "error", err)
			return
		}
		h.broadcast(data)
	})
	return h
}

// Close unsubscribes from the bus and drops all clients.
func (h *Hub) Close() {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

func (h *Hub) broadcast(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

func (h *Hub) register(c *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	slog.Info("event stream client connected", "clients", len(h.clients))
}

func (h *Hub) unregister(c *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		slog.Info("event stream client disconnected", "clients", len(h.clients))
	}
}

// ServeWS upgrades the request and streams events until the client leaves.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Allow any origin for dev
	})
	if err != nil {
		slog.Error("ws accept", "error", err)
		return
	}

	client := &streamClient{
		conn: conn,
		send: make(chan []byte, 256),
	}
	h.register(client)

	ctx := r.Context()
	go func() {
		defer func() {
			h.unregister(client)
			conn.Close(websocket.StatusNormalClosure, "")
		}()
		// Drain the read side to observe the close.
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg, ok := <-client.send:
			if !ok {
				return
			}
			if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
