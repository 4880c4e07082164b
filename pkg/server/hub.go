package server

import (
	"sync"

	"github.com/google/uuid"
)

const subscriberBuffer = 256

// hub fans a running job's events out to live subscribers.
type hub struct {
	mu     sync.Mutex
	subs   map[int]chan StoredEvent
	nextID int
	closed bool
}

func (h *hub) subscribe() (<-chan StoredEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan StoredEvent, subscriberBuffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
}

// publish delivers e to every subscriber. A subscriber that fell too far
// behind is dropped; it can reconnect and replay from the store.
func (h *hub) publish(e StoredEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- e:
		default:
			delete(h.subs, id)
			close(ch)
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

// broker tracks the hubs of jobs that are still running.
type broker struct {
	mu   sync.Mutex
	hubs map[uuid.UUID]*hub
}

func newBroker() *broker {
	return &broker{hubs: make(map[uuid.UUID]*hub)}
}

func (b *broker) open(id uuid.UUID) *hub {
	b.mu.Lock()
	defer b.mu.Unlock()
	h := &hub{subs: make(map[int]chan StoredEvent)}
	b.hubs[id] = h
	return h
}

func (b *broker) get(id uuid.UUID) (*hub, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.hubs[id]
	return h, ok
}

func (b *broker) finish(id uuid.UUID) {
	b.mu.Lock()
	h, ok := b.hubs[id]
	delete(b.hubs, id)
	b.mu.Unlock()
	if ok {
		h.close()
	}
}
