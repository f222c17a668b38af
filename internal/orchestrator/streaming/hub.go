// Package streaming broadcasts run lifecycle events to WebSocket
// observers. Observers are read-mostly: the only inbound messages are
// agent subscription changes.
package streaming

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/events/bus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub manages observer connections and fans run events out to them.
type Hub struct {
	clients map[*Client]bool

	// Clients filtered to specific agents. A client with no filter
	// receives every event.
	agentSubscribers map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *bus.Event

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a new observer hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:          make(map[*Client]bool),
		agentSubscribers: make(map[string]map[*Client]bool),
		register:         make(chan *Client),
		unregister:       make(chan *Client),
		broadcast:        make(chan *bus.Event, 256),
		logger:           log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run starts the hub's processing loop and attaches it to the event bus.
// It blocks until ctx is cancelled.
func (h *Hub) Run(ctx context.Context, eventBus bus.EventBus) error {
	sub, err := eventBus.Subscribe("runs.>", func(ctx context.Context, ev *bus.Event) error {
		h.broadcast <- ev
		return nil
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			h.logger.Warn("failed to unsubscribe from run events", zap.Error(err))
		}
	}()

	h.logger.Info("observer hub started")
	defer h.logger.Info("observer hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return nil

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("observer registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case ev := <-h.broadcast:
			h.broadcastEvent(ev)
		}
	}
}

// ServeWS upgrades an HTTP request to an observer connection. An optional
// agent_id query parameter pre-filters the connection to one agent.
func (h *Hub) ServeWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(uuid.New().String(), conn, h, h.logger)
	h.register <- client

	if agentID := c.Query("agent_id"); agentID != "" {
		h.subscribeToAgent(client, agentID)
	}

	go client.writePump()
	go client.readPump()
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.agentSubscribers = make(map[string]map[*Client]bool)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)

	for agentID := range client.subscriptions {
		if clients, ok := h.agentSubscribers[agentID]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.agentSubscribers, agentID)
			}
		}
	}
	h.logger.Debug("observer unregistered", zap.String("client_id", client.ID))
}

func (h *Hub) broadcastEvent(ev *bus.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to marshal run event", zap.Error(err))
		return
	}

	agentID, _ := ev.Data["agent_id"].(string)

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if len(client.subscriptions) > 0 {
			if agentID == "" || !client.subscriptions[agentID] {
				continue
			}
		}
		select {
		case client.send <- data:
		default:
			// Buffer full, writePump cleanup will catch up.
		}
	}
}

func (h *Hub) subscribeToAgent(client *Client, agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.agentSubscribers[agentID]; !ok {
		h.agentSubscribers[agentID] = make(map[*Client]bool)
	}
	h.agentSubscribers[agentID][client] = true
	client.subscriptions[agentID] = true

	h.logger.Debug("observer subscribed to agent",
		zap.String("client_id", client.ID),
		zap.String("agent_id", agentID))
}

func (h *Hub) unsubscribeFromAgent(client *Client, agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.subscriptions, agentID)
	if clients, ok := h.agentSubscribers[agentID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.agentSubscribers, agentID)
		}
	}
}

// ClientCount returns the number of connected observers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
