// Package events provides the per-assignment SSE fan-out hub. Each
// assignment id owns one Hub; the executor service publishes TaskEvents to
// it and HTTP handlers subscribe on behalf of connected SSE clients. A
// terminal event (done/error) is latched so a subscriber that attaches
// after the task has already finished still replays it exactly once.
package events

import (
	"sync"

	"github.com/cuemby/awcp/pkg/protocol"
)

// Subscriber is a channel that receives TaskEvents for one assignment.
type Subscriber chan protocol.TaskEvent

const subscriberBuffer = 16

// Hub fans out events for a single assignment id.
type Hub struct {
	mu         sync.Mutex
	subs       map[Subscriber]bool
	terminal   *protocol.TaskEvent
	closed     bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[Subscriber]bool)}
}

// Subscribe attaches a new subscriber. If the hub already latched a
// terminal event, the subscriber receives it immediately and the returned
// channel is closed right after — callers should drain until closed rather
// than assuming more events follow.
func (h *Hub) Subscribe() Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := make(Subscriber, subscriberBuffer)
	if h.terminal != nil {
		sub <- *h.terminal
		close(sub)
		return sub
	}
	h.subs[sub] = true
	return sub
}

// Unsubscribe detaches sub. Safe to call more than once.
func (h *Hub) Unsubscribe(sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subs[sub] {
		delete(h.subs, sub)
		close(sub)
	}
}

// Publish delivers event to every current subscriber, non-blocking — a slow
// subscriber misses events rather than stalling the publisher. If event is
// terminal, it is latched for future subscribers and the hub closes out all
// current subscriber channels after delivery.
func (h *Hub) Publish(event protocol.TaskEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.terminal != nil {
		return
	}

	for sub := range h.subs {
		select {
		case sub <- event:
		default:
		}
	}

	if event.IsTerminal() {
		h.terminal = &event
		for sub := range h.subs {
			close(sub)
		}
		h.subs = make(map[Subscriber]bool)
	}
}

// Registry maps assignment ids to their Hub.
type Registry struct {
	mu   sync.Mutex
	hubs map[string]*Hub
}

// NewRegistry creates an empty hub registry.
func NewRegistry() *Registry {
	return &Registry{hubs: make(map[string]*Hub)}
}

// HubFor returns the hub for id, creating it if absent.
func (r *Registry) HubFor(id string) *Hub {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.hubs[id]
	if !ok {
		h = NewHub()
		r.hubs[id] = h
	}
	return h
}

// Drop removes the hub for id, e.g. once a retention sweep releases the
// underlying assignment. Existing subscribers are unaffected.
func (r *Registry) Drop(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.hubs, id)
}
