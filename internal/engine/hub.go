package engine

import (
	"fmt"
	"sync"
	"time"
)

const defaultSubscriberBuffer = 64

// Event is emitted whenever a tracker publishes a result or changes state.
type Event struct {
	Identity string    `json:"identity"`
	State    State     `json:"state"`
	Result   *Result   `json:"result,omitempty"`
	Err      error     `json:"-"`
	At       time.Time `json:"at"`
}

// Subscription receives events for one identity, or for all of them when Identity is empty.
type Subscription struct {
	ID       string
	Identity string

	hub    *Hub
	ch     chan Event
	closed bool
}

// C returns the event channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close ends the subscription.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s.ID)
}

// Hub fans tracker events out to subscribers. Slow subscribers lose events rather than
// stall the trackers.
type Hub struct {
	buffer int

	mu     sync.RWMutex
	subs   map[string]*Subscription
	nextID uint64
	closed bool
}

func newHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Hub{buffer: buffer, subs: make(map[string]*Subscription)}
}

func (h *Hub) subscribe(identity string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscription{
		ID:       fmt.Sprintf("sub-%d", h.nextID),
		Identity: identity,
		hub:      h,
		ch:       make(chan Event, h.buffer),
	}
	if h.closed {
		sub.closed = true
		close(sub.ch)
		return sub
	}
	h.subs[sub.ID] = sub
	return sub
}

func (h *Hub) unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.subs[id]
	if !ok {
		return
	}
	delete(h.subs, id)
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

func (h *Hub) publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if sub.Identity != "" && sub.Identity != ev.Identity {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

func (h *Hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
	}
}
