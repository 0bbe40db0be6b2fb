// Package wsfeed is a read-only push feed of the lifecycle events published
// through it (the job.* topics; no agent events are published) for
// operational dashboards. The dashboard itself is an external
// collaborator (spec.md's scope is the orchestrator core, not a UI); this is
// only the wire adapter that would feed one. Grounded on
// control_plane/ws_hub.go's connection-management pattern (register/
// unregister channels, a connection cap, per-write deadlines), adapted from
// a ticker-driven metrics poll to an event-driven push: every call to
// Publish fans the event out to connected clients instead of waiting for
// the next tick.
package wsfeed

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/testmesh/orchestrator/control_plane/streaming"
)

// maxConnections bounds the feed's fan-out so a slow or hostile client
// population cannot grow the connection set without limit.
const maxConnections = 200

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans every published event out to connected WebSocket clients. It
// also implements streaming.Publisher itself, wrapping an inner publisher
// so the feed composes with whatever transport (log, future message
// broker) the rest of the system already publishes through.
type Hub struct {
	inner streaming.Publisher

	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}
}

// NewHub wraps inner, which still receives every Publish call unchanged.
func NewHub(inner streaming.Publisher) *Hub {
	return &Hub{inner: inner, clients: make(map[*websocket.Conn]struct{})}
}

// Publish implements streaming.Publisher: it forwards to inner, then
// broadcasts the same event to every connected client.
func (h *Hub) Publish(ctx context.Context, topic string, payload interface{}) error {
	if h.inner != nil {
		if err := h.inner.Publish(ctx, topic, payload); err != nil {
			return err
		}
	}
	h.broadcast(topic, payload)
	return nil
}

// Close releases the inner publisher and disconnects every client.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
	if h.inner != nil {
		return h.inner.Close()
	}
	return nil
}

func (h *Hub) broadcast(topic string, payload interface{}) {
	envelope := struct {
		Topic     string      `json:"topic"`
		Payload   interface{} `json:"payload"`
		Timestamp time.Time   `json:"timestamp"`
	}{Topic: topic, Payload: payload, Timestamp: time.Now()}

	body, err := json.Marshal(envelope)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
			log.Printf("wsfeed: write failed, dropping client: %v", err)
			go h.unregister(conn)
		}
	}
}

// ServeHTTP upgrades the request to a WebSocket and registers the
// connection as a feed subscriber. The connection is read-only from the
// client's perspective; inbound frames are drained and discarded solely to
// detect disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("wsfeed: upgrade failed: %v", err)
		return
	}

	h.mu.Lock()
	if len(h.clients) >= maxConnections {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[conn] = struct{}{}
	h.mu.Unlock()

	go h.drain(conn)
}

func (h *Hub) drain(conn *websocket.Conn) {
	defer h.unregister(conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
}

// ClientCount reports the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
