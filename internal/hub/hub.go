// Package hub fans values out to any number of subscribers.
package hub

import (
	"sync"

	"github.com/google/uuid"
)

const DEFAULT_SUBSCRIBER_BUFFER = 16

// Hub broadcasts every published value to all current subscribers. A
// subscriber that is not keeping up misses values rather than stalling the
// publisher.
type Hub[T any] struct {
	subscribers  map[string]chan T
	subscriberMu sync.Mutex
	bufferSize   int
	closed       bool
	dropped      uint64
}

func New[T any](bufferSize int) *Hub[T] {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &Hub[T]{
		subscribers: make(map[string]chan T),
		bufferSize:  bufferSize,
	}
}

// Subscribe returns an id for Unsubscribe and the channel values arrive on.
// Subscribing to a closed hub returns an already closed channel.
func (h *Hub[T]) Subscribe() (string, <-chan T) {
	id := uuid.NewString()
	ch := make(chan T, h.bufferSize)

	h.subscriberMu.Lock()
	defer h.subscriberMu.Unlock()
	if h.closed {
		close(ch)
		return id, ch
	}
	h.subscribers[id] = ch
	return id, ch
}

func (h *Hub[T]) Unsubscribe(id string) {
	h.subscriberMu.Lock()
	defer h.subscriberMu.Unlock()
	if ch, ok := h.subscribers[id]; ok {
		close(ch)
		delete(h.subscribers, id)
	}
}

func (h *Hub[T]) Publish(v T) {
	h.subscriberMu.Lock()
	defer h.subscriberMu.Unlock()
	for _, ch := range h.subscribers {
		select {
		case ch <- v:
		default:
			h.dropped++
		}
	}
}

func (h *Hub[T]) Subscribers() int {
	h.subscriberMu.Lock()
	defer h.subscriberMu.Unlock()
	return len(h.subscribers)
}

// Dropped is the number of deliveries skipped because a subscriber was full.
func (h *Hub[T]) Dropped() uint64 {
	h.subscriberMu.Lock()
	defer h.subscriberMu.Unlock()
	return h.dropped
}

// Close closes every subscriber channel. Later publishes are no-ops.
func (h *Hub[T]) Close() {
	h.subscriberMu.Lock()
	defer h.subscriberMu.Unlock()
	h.closed = true
	for id, ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, id)
	}
}
