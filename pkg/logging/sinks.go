package logging

import (
	"sync"

	"github.com/google/uuid"
)

// RingBuffer keeps the most recent log entries in memory
type RingBuffer struct {
	mu      sync.RWMutex
	entries []Entry
	next    int
	full    bool
}

// NewRingBuffer creates a ring holding at most capacity entries
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer{entries: make([]Entry, capacity)}
}

// Write stores an entry, overwriting the oldest once full
func (r *RingBuffer) Write(e Entry) {
	r.mu.Lock()
	r.entries[r.next] = e
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// Recent returns up to limit entries, oldest first. limit <= 0 returns everything held.
func (r *RingBuffer) Recent(limit int) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ordered []Entry
	if r.full {
		ordered = append(ordered, r.entries[r.next:]...)
		ordered = append(ordered, r.entries[:r.next]...)
	} else {
		ordered = append(ordered, r.entries[:r.next]...)
	}

	if limit > 0 && len(ordered) > limit {
		ordered = ordered[len(ordered)-limit:]
	}
	return ordered
}

// Broadcaster fans log entries out to live subscribers. A subscriber whose
// channel is full is dropped and its channel closed.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]chan Entry
	bufferSize  int
}

// NewBroadcaster creates a broadcaster whose subscriber channels hold bufferSize entries
func NewBroadcaster(bufferSize int) *Broadcaster {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Broadcaster{
		subscribers: make(map[string]chan Entry),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a new subscriber
func (b *Broadcaster) Subscribe() (string, <-chan Entry) {
	id := uuid.NewString()
	ch := make(chan Entry, b.bufferSize)

	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	ch, ok := b.subscribers[id]
	delete(b.subscribers, id)
	b.mu.Unlock()

	if ok {
		close(ch)
	}
}

// Count returns the number of live subscribers
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Write delivers e to every subscriber without blocking
func (b *Broadcaster) Write(e Entry) {
	var slow []string

	b.mu.RLock()
	for id, ch := range b.subscribers {
		select {
		case ch <- e:
		default:
			slow = append(slow, id)
		}
	}
	b.mu.RUnlock()

	for _, id := range slow {
		b.Unsubscribe(id)
	}
}
