// Package progress fans out session lifecycle events to live subscribers.
//
// Delivery is best-effort: there is no replay buffer, a subscriber only sees
// events published while it is connected, and a subscriber that cannot keep
// up has events dropped rather than blocking the publisher.
package progress

import (
	"sync"
)

type EventKind string

const (
	EventStarted   EventKind = "started"
	EventProgress  EventKind = "progress"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
)

// Terminal reports whether an event ends its session's stream.
func (k EventKind) Terminal() bool {
	return k == EventCompleted || k == EventFailed
}

type Event struct {
	SessionID string         `json:"session_id"`
	Kind      EventKind      `json:"kind"`
	Payload   map[string]any `json:"payload,omitempty"`
}

const subscriberBuffer = 16

type Subscription struct {
	C <-chan Event

	hub       *Hub
	sessionID string
	ch        chan Event
	once      sync.Once
}

// Close detaches the subscription from the hub. Safe to call more than once,
// including after the hub already closed the channel on a terminal event.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

type Hub struct {
	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*Subscription]struct{})}
}

func (h *Hub) Subscribe(sessionID string) *Subscription {
	sub := &Subscription{
		hub:       h,
		sessionID: sessionID,
		ch:        make(chan Event, subscriberBuffer),
	}
	sub.C = sub.ch

	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[sessionID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Publish delivers ev to every current subscriber of its session, in
// emission order per subscriber. A terminal event closes the session's
// subscriptions afterwards.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs[ev.SessionID] {
		select {
		case sub.ch <- ev:
		default:
			// subscriber too slow, drop
		}
	}

	if ev.Kind.Terminal() {
		for sub := range h.subs[ev.SessionID] {
			sub.closeChan()
		}
		delete(h.subs, ev.SessionID)
	}
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[sub.sessionID]; ok {
		if _, present := set[sub]; present {
			delete(set, sub)
			if len(set) == 0 {
				delete(h.subs, sub.sessionID)
			}
			sub.closeChan()
		}
	}
}

func (s *Subscription) closeChan() {
	s.once.Do(func() { close(s.ch) })
}
