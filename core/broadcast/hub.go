// Package broadcast is an in-process fan-out of UI invalidation signals.
//
// Subscribers only see events published after they subscribe. Every subscription
// owns a bounded buffer: when it is full the oldest pending event is dropped to make
// room, so Publish never blocks. Consumers re-fetch state on any event, so losing
// some notifications is fine as long as one of them arrives.
package broadcast

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

type Kind int

const (
	CrudEvent Kind = iota + 1
	CrudPerson
	ChangeSignUp
)

// Event is a named signal with at most a correlation ID. It carries no payload.
type Event struct {
	Kind Kind
	ID   uuid.UUID
}

func EventsChanged() Event { return Event{Kind: CrudEvent} }

func PeopleChanged() Event { return Event{Kind: CrudPerson} }

func SignUpChanged(eventID uuid.UUID) Event { return Event{Kind: ChangeSignUp, ID: eventID} }

// Name is the wire name of e, as sent on the SSE feed.
func (e Event) Name() string {
	switch e.Kind {
	case CrudEvent:
		return "crud_event"
	case CrudPerson:
		return "crud_person"
	case ChangeSignUp:
		return "change_sign_up_" + e.ID.String()
	}
	return "unknown"
}

const DefaultBuffer = 16

type (
	Option func(*Hub)

	Hub struct {
		mu     sync.RWMutex
		subs   map[*Subscription]struct{}
		buffer int
		closed bool
		onDrop func()
	}

	Subscription struct {
		hub     *Hub
		sendMu  sync.Mutex
		ch      chan Event
		closed  bool
		dropped atomic.Uint64
	}
)

// WithDropHook registers fn to be called every time a slow subscriber loses an event.
func WithDropHook(fn func()) Option {
	return func(h *Hub) { h.onDrop = fn }
}

func NewHub(buffer int, opts ...Option) *Hub {
	if buffer < 1 {
		buffer = DefaultBuffer
	}
	h := &Hub{
		subs:   make(map[*Subscription]struct{}),
		buffer: buffer,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe returns a live receiver. A subscription on a closed hub is already closed.
func (h *Hub) Subscribe() *Subscription {
	sub := &Subscription{hub: h, ch: make(chan Event, h.buffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.closed = true
		close(sub.ch)
		return sub
	}
	h.subs[sub] = struct{}{}
	return sub
}

// Publish hands e to every current subscriber and returns how many there were.
// With no subscribers the event is simply lost.
func (h *Hub) Publish(e Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs {
		if sub.send(e) && h.onDrop != nil {
			h.onDrop()
		}
	}
	return len(h.subs)
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close ends every subscription; later subscriptions are born closed.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		sub.close()
		delete(h.subs, sub)
	}
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
	sub.close()
}

// send reports whether an older event had to be dropped.
func (s *Subscription) send(e Event) (dropped bool) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return false
	}
	for {
		select {
		case s.ch <- e:
			return dropped
		default:
		}
		// full: evict the oldest
		select {
		case <-s.ch:
			dropped = true
			s.dropped.Add(1)
		default:
		}
	}
}

func (s *Subscription) close() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Events is closed once the subscription or the hub is closed.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.remove(s)
}

// Dropped is the number of events this subscriber lost to overflow.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}
