package events

import (
	"sync"

	"orderflow/internal/domain"
)

// Subscription is one consumer's buffered view of the event stream. Events
// arriving while the buffer is full are skipped for that subscriber; slow
// websocket clients must not hold anyone else back.
type Subscription struct {
	C chan domain.Event
}

// Hub fans events out to any number of subscribers.
type Hub struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a new subscriber with the given buffer size.
func (h *Hub) Subscribe(buffer int) *Subscription {
	sub := &Subscription{C: make(chan domain.Event, buffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscriber and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.C)
	}
	h.mu.Unlock()
}

// Broadcast delivers the event to every subscriber that has buffer space.
func (h *Hub) Broadcast(e domain.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		select {
		case sub.C <- e:
		default:
		}
	}
}

// Compile-time interface check.
var _ Sink = (*HubSink)(nil)

// HubSink bridges the publisher to a Hub.
type HubSink struct {
	Hub *Hub
}

// Name implements Sink.
func (HubSink) Name() string { return "hub" }

// Emit implements Sink.
func (s HubSink) Emit(e domain.Event) error {
	s.Hub.Broadcast(e)
	return nil
}
