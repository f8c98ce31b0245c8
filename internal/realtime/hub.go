package realtime

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait are used for heartbeat, in seconds.
	PingInterval = 30
	PongWait     = 60
)

// Subscriber subscribes to a user's event channel.
type Subscriber interface {
	Subscribe(userID uuid.UUID, handler func(event string, payload []byte)) (cancel func(), err error)
}

// Hub maintains user_id -> set of connections. Events arrive from Redis so
// updates published by worker processes reach every API instance.
type Hub struct {
	users  map[uuid.UUID]map[string]*Client
	subs   map[uuid.UUID]func()
	mu     sync.RWMutex
	sub    Subscriber
	logger *zap.Logger
}

// NewHub creates a new WebSocket hub.
func NewHub(sub Subscriber, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		users:  make(map[uuid.UUID]map[string]*Client),
		subs:   make(map[uuid.UUID]func()),
		sub:    sub,
		logger: logger,
	}
}

// Register adds a client. The first client of a user starts the Redis subscription.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.users[c.UserID] == nil {
		h.users[c.UserID] = make(map[string]*Client)
		if h.sub != nil {
			userID := c.UserID
			cancel, err := h.sub.Subscribe(userID, func(event string, payload []byte) {
				h.Deliver(userID, event, json.RawMessage(payload))
			})
			if err != nil {
				h.logger.Warn("subscribe user events failed", zap.Error(err), zap.String("user_id", userID.String()))
			} else {
				h.subs[userID] = cancel
			}
		}
	}
	h.users[c.UserID][c.ID] = c
	h.logger.Debug("client connected", zap.String("client_id", c.ID), zap.String("user_id", c.UserID.String()))
}

// Unregister removes a client. The last client of a user cancels the subscription.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.users[c.UserID]
	if !ok {
		return
	}
	if _, ok := m[c.ID]; ok {
		delete(m, c.ID)
		close(c.send)
	}
	if len(m) == 0 {
		delete(h.users, c.UserID)
		if cancel, ok := h.subs[c.UserID]; ok {
			cancel()
			delete(h.subs, c.UserID)
		}
	}
	h.logger.Debug("client disconnected", zap.String("client_id", c.ID), zap.String("user_id", c.UserID.String()))
}

// Deliver sends an event to every local connection of the user.
func (h *Hub) Deliver(userID uuid.UUID, event string, payload json.RawMessage) {
	msg := WSMessage{Event: event, Data: payload}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.users[userID] {
		select {
		case c.send <- msg:
		default:
			// buffer full, skip
		}
	}
}

// Connections returns the number of open connections for a user.
func (h *Hub) Connections(userID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}
