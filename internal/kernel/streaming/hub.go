// Package streaming pushes agent lifecycle events to websocket subscribers.
package streaming

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hivedev/hive/internal/common/logger"
	events "github.com/hivedev/hive/internal/events/bus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The kernel binds to loopback; cross-origin checks add nothing here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans lifecycle events out to connected clients. A client with no
// subscriptions receives everything; a subscribed client receives only its
// agents' events.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	byAgent map[string]map[*Client]bool
	logger  *logger.Logger
}

// NewHub creates an empty hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]bool),
		byAgent: make(map[string]map[*Client]bool),
		logger:  log.WithFields(zap.String("component", "streaming-hub")),
	}
}

// Register adds a client.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
}

// Unregister removes a client and its subscriptions.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.clients[c]; !exists {
		return
	}
	delete(h.clients, c)
	for agentID, subs := range h.byAgent {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.byAgent, agentID)
		}
	}
	close(c.send)
}

// SubscribeClient narrows a client to one agent's events.
func (h *Hub) SubscribeClient(c *Client, agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.byAgent[agentID] == nil {
		h.byAgent[agentID] = make(map[*Client]bool)
	}
	h.byAgent[agentID][c] = true
}

// UnsubscribeClient drops one agent subscription.
func (h *Hub) UnsubscribeClient(c *Client, agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if subs := h.byAgent[agentID]; subs != nil {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.byAgent, agentID)
		}
	}
}

// Publish broadcasts a lifecycle event to every interested client.
func (h *Hub) Publish(event *events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to marshal event", zap.Error(err))
		return
	}
	agentID, _ := event.Data["agent_id"].(string)

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if c.hasSubscriptions() && !c.isSubscribed(agentID) {
			continue
		}
		if !c.trySend(data) {
			h.logger.Debug("dropping event for slow client",
				zap.String("agent_id", agentID))
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades an HTTP request and runs the client's pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &Client{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, 64),
		agentIDs: make(map[string]bool),
		logger:   h.logger,
	}
	h.Register(c)

	go c.writePump()
	go c.readPump()
}
