package gateway

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Hub tracks connected clients and hands serialized frames to their
// writers. Its Deliver method is the delivery optimizer's sink.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]chan []byte
	dropped atomic.Uint64
	logger  *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{clients: make(map[string]chan []byte), logger: logger}
}

func (h *Hub) register(id string, send chan []byte) {
	h.mu.Lock()
	h.clients[id] = send
	h.mu.Unlock()
}

func (h *Hub) unregister(id string) {
	h.mu.Lock()
	delete(h.clients, id)
	h.mu.Unlock()
}

// Deliver serializes msg and queues it for clientID. Messages for unknown
// clients are discarded; a full client queue drops the message.
func (h *Hub) Deliver(clientID string, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal outbound frame", zap.String("client", clientID), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	send, ok := h.clients[clientID]
	if !ok {
		return
	}
	select {
	case send <- data:
	default:
		h.dropped.Add(1)
		h.logger.Warn("client send queue full, dropping frame", zap.String("client", clientID))
	}
}

// IDs returns connected client ids.
func (h *Hub) IDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many frames were dropped on full queues.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }
