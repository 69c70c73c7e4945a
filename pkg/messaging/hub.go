package messaging

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Message is the envelope for coordinator<->olm traffic.
type Message struct {
	Type    string      `json:"type"` // e.g. ping, pong, terminate
	OlmID   string      `json:"olmId,omitempty"`
	Token   string      `json:"token,omitempty"` // session token, user-owned clients only
	Payload interface{} `json:"payload,omitempty"`
}

// PingHandler consumes inbound keepalive messages; a false return means the
// ping is dropped without a reply.
type PingHandler func(msg Message) bool

// Hub maintains olm websocket sessions. Sends are best effort: a missing or
// broken connection is logged, never surfaced to the caller.
type Hub struct {
	upgrader websocket.Upgrader
	onPing   PingHandler

	mu    sync.RWMutex
	conns map[string]*websocket.Conn
}

func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: map[string]*websocket.Conn{},
	}
}

// SetPingHandler installs the keepalive state machine entry point.
func (h *Hub) SetPingHandler(fn PingHandler) { h.onPing = fn }

// HandleOlmWS upgrades and registers a connection; expects ?olmId=xxx. The
// caller is responsible for having authenticated the olm.
func (h *Hub) HandleOlmWS(w http.ResponseWriter, r *http.Request) {
	olmID := r.URL.Query().Get("olmId")
	if olmID == "" {
		http.Error(w, "olmId required", http.StatusBadRequest)
		return
	}
	c, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed olm=%s err=%v", olmID, err)
		return
	}
	h.mu.Lock()
	if old, ok := h.conns[olmID]; ok {
		_ = old.Close()
	}
	h.conns[olmID] = c
	h.mu.Unlock()
	log.Printf("olm ws connected: %s", olmID)
	go h.readLoop(olmID, c)
}

func (h *Hub) readLoop(olmID string, c *websocket.Conn) {
	defer func() {
		c.Close()
		h.mu.Lock()
		if h.conns[olmID] == c {
			delete(h.conns, olmID)
		}
		h.mu.Unlock()
		log.Printf("olm ws disconnected: %s", olmID)
	}()
	for {
		var msg Message
		if err := c.ReadJSON(&msg); err != nil {
			return
		}
		msg.OlmID = olmID
		if msg.Type == "ping" && h.onPing != nil {
			if h.onPing(msg) {
				h.SendToClient(olmID, Message{Type: "pong"})
			}
			// validation failures drop the ping silently; the sweeper's
			// timeout disconnects the peer
		}
	}
}

// SendToClient delivers a message to a connected olm, best effort.
func (h *Hub) SendToClient(olmID string, message interface{}) {
	h.mu.RLock()
	c := h.conns[olmID]
	h.mu.RUnlock()
	if c == nil {
		log.Printf("ws send skipped; olm %s not connected", olmID)
		return
	}
	if err := c.WriteJSON(message); err != nil {
		log.Printf("ws send to %s failed: %v", olmID, err)
	}
}

// DisconnectClient force-closes an olm's session if connected.
func (h *Hub) DisconnectClient(olmID string) {
	h.mu.Lock()
	c := h.conns[olmID]
	delete(h.conns, olmID)
	h.mu.Unlock()
	if c != nil {
		_ = c.Close()
		log.Printf("olm ws force-disconnected: %s", olmID)
	}
}

// Connected reports whether an olm currently holds a session.
func (h *Hub) Connected(olmID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[olmID]
	return ok
}
