package events

import (
	"sync"
	"time"

	"github.com/vendra/field-sales/erp-orchestrator/internal/models"
)

// Hub fans lifecycle events out to subscribers over buffered channels.
// Publishing never blocks: a subscriber whose buffer is full loses the event,
// which is acceptable because delivery is at-least-once overall (consumers
// reconcile through the status endpoints) and a slow WebSocket client must
// not stall the orchestration core.
type Hub struct {
	mu         sync.RWMutex
	subs       map[int]chan models.Event
	nextID     int
	bufferSize int
	closed     bool
}

// NewHub creates a hub with the given per-subscriber buffer size.
func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Hub{
		subs:       make(map[int]chan models.Event),
		bufferSize: bufferSize,
	}
}

// Subscribe registers a new subscriber. The returned channel is closed on
// unsubscribe or hub close.
func (h *Hub) Subscribe() (<-chan models.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan models.Event, h.bufferSize)
	if h.closed {
		close(ch)
		return ch, func() {}
	}

	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}
	return ch, unsubscribe
}

// Publish sends an event envelope to every subscriber, dropping it for any
// subscriber whose buffer is full.
func (h *Hub) Publish(eventType string, payload map[string]interface{}) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return
	}

	event := models.Event{
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	for _, ch := range h.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close closes all subscriber channels. Publish becomes a no-op.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
