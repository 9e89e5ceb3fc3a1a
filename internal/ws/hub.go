package ws

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/traklist/server/internal/room"
)

const sendBuffer = 64

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub maps connection ids to live sockets. It is the room engine's Notifier.
type Hub struct {
	mu      sync.Mutex
	clients map[string]*client
	logger  logrus.FieldLogger
}

func NewHub(logger logrus.FieldLogger) *Hub {
	return &Hub{
		clients: make(map[string]*client),
		logger:  logger,
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
}

func (h *Hub) unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(id)
}

func (h *Hub) dropLocked(id string) {
	if c, ok := h.clients[id]; ok {
		delete(h.clients, id)
		close(c.send)
	}
}

// Send queues msg for connID without blocking. A client whose buffer is full
// is dropped and its socket closed by the write pump.
func (h *Hub) Send(connID string, msg room.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.WithError(err).WithField("type", msg.Type).Error("failed to marshal message")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.clients[connID]
	if !ok {
		return
	}
	select {
	case c.send <- data:
	default:
		h.logger.WithField("conn", connID).Warn("send buffer full, dropping connection")
		h.dropLocked(connID)
	}
}

func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
