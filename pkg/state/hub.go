package state

import (
	"sync"

	"github.com/google/uuid"
)

// Subscription is one live stream consumer
type Subscription struct {
	ID string
	C  <-chan Event

	ch  chan Event
	hub *Hub
}

// Close unsubscribes; safe to call more than once
func (s *Subscription) Close() {
	s.hub.remove(s.ID)
}

// Hub fans state events out to subscribers. Delivery is best effort: a subscriber
// whose buffer is full is removed without affecting anyone else.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscription
	bufferSize  int
}

// NewHub creates a hub whose subscriber channels buffer bufferSize events
func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = 32
	}
	return &Hub{
		subscribers: make(map[string]*Subscription),
		bufferSize:  bufferSize,
	}
}

// Subscribe adds a subscriber with a process-unique id
func (h *Hub) Subscribe() *Subscription {
	ch := make(chan Event, h.bufferSize)
	sub := &Subscription{ID: uuid.NewString(), C: ch, ch: ch, hub: h}

	h.mu.Lock()
	h.subscribers[sub.ID] = sub
	h.mu.Unlock()
	return sub
}

// Count returns the number of live subscribers
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Publish delivers ev to every subscriber without blocking
func (h *Hub) Publish(ev Event) {
	var failed []string

	h.mu.RLock()
	for id, sub := range h.subscribers {
		select {
		case sub.ch <- ev:
		default:
			failed = append(failed, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range failed {
		h.remove(id)
	}
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	sub, ok := h.subscribers[id]
	delete(h.subscribers, id)
	h.mu.Unlock()

	if ok {
		close(sub.ch)
	}
}
