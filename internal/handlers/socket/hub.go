package socket

import (
	"encoding/json"
	"sync"

	"github.com/sitescan/notifier/pkg/metrics"
	"go.uber.org/zap"
)

const (
	resultSent    = "sent"
	resultDropped = "dropped"
)

// Hub holds the live connections and delivers events to them. A slow
// connection never blocks the sender: events that do not fit in its queue are
// dropped.
type Hub struct {
	lock  sync.RWMutex
	conns map[string]*conn
}

func NewHub() *Hub {
	return &Hub{conns: make(map[string]*conn)}
}

func (h *Hub) Send(handle string, event string, payload any) {
	data, err := json.Marshal(outboundEnvelope{Event: event, Data: payload})
	if err != nil {
		zap.S().Named("socket_hub").Errorw("failed to marshal event", "error", err, "event", event)
		return
	}

	h.lock.RLock()
	defer h.lock.RUnlock()

	c, found := h.conns[handle]
	if !found {
		metrics.IncreaseNotificationMetric(event, resultDropped)
		zap.S().Named("socket_hub").Debugw("event for unknown connection dropped", "handle", handle, "event", event)
		return
	}

	select {
	case c.send <- data:
		metrics.IncreaseNotificationMetric(event, resultSent)
	default:
		metrics.IncreaseNotificationMetric(event, resultDropped)
		zap.S().Named("socket_hub").Warnw("connection queue full, event dropped", "handle", handle, "event", event)
	}
}

// Len returns the number of open connections.
func (h *Hub) Len() int {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return len(h.conns)
}

// Close asks every connection to close.
func (h *Hub) Close() {
	h.lock.Lock()
	defer h.lock.Unlock()

	for handle, c := range h.conns {
		close(c.send)
		delete(h.conns, handle)
	}
	metrics.SetConnectionsActive(0)
}

func (h *Hub) register(c *conn) {
	h.lock.Lock()
	defer h.lock.Unlock()

	h.conns[c.handle] = c
	metrics.SetConnectionsActive(len(h.conns))
}

func (h *Hub) unregister(handle string) {
	h.lock.Lock()
	defer h.lock.Unlock()

	c, found := h.conns[handle]
	if !found {
		return
	}
	close(c.send)
	delete(h.conns, handle)
	metrics.SetConnectionsActive(len(h.conns))
}
