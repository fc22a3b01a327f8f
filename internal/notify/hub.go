// Package notify fans command lifecycle events out to connected listeners.
// Subscribers are either global (every event) or scoped to one assessment.
package notify

import (
	"sync"

	"github.com/rs/zerolog/log"

	"pentest-command-gateway/internal/monitor"
)

// Event types published by the gateway.
const (
	EventCommandPending  = "command_pending_approval"
	EventCommandApproved = "command_approved"
	EventCommandRejected = "command_rejected"
	EventCommandTimeout  = "command_timeout"
	EventSettingsUpdated = "command_settings_updated"
)

// Event is one notification. Data is marshaled as-is for transport.
type Event struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Subscription is a live listener handle. Close it via Hub.Unsubscribe.
type Subscription struct {
	C            chan Event
	assessmentID *int64 // nil means global
	id           uint64
}

// Hub is the in-process broadcaster. Publishing never blocks: a subscriber
// that cannot keep up loses events rather than stalling the publisher.
type Hub struct {
	mu      sync.Mutex
	subs    map[uint64]*Subscription
	nextID  uint64
	metrics *monitor.Metrics
}

func NewHub(metrics *monitor.Metrics) *Hub {
	return &Hub{
		subs:    make(map[uint64]*Subscription),
		metrics: metrics,
	}
}

// Subscribe registers a listener. A nil assessmentID receives every event;
// otherwise only events scoped to that assessment plus global broadcasts.
func (h *Hub) Subscribe(assessmentID *int64, buffer int) *Subscription {
	if buffer < 1 {
		buffer = 16
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscription{
		C:            make(chan Event, buffer),
		assessmentID: assessmentID,
		id:           h.nextID,
	}
	h.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes the listener and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[sub.id]; ok {
		delete(h.subs, sub.id)
		close(sub.C)
	}
}

// Publish delivers to subscribers scoped to assessmentID and to global
// subscribers.
func (h *Hub) Publish(assessmentID int64, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sub := range h.subs {
		if sub.assessmentID != nil && *sub.assessmentID != assessmentID {
			continue
		}
		h.deliver(sub, ev)
	}
}

// Broadcast delivers to every subscriber regardless of scope.
func (h *Hub) Broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sub := range h.subs {
		h.deliver(sub, ev)
	}
}

// SubscriberCount reports the number of live subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) deliver(sub *Subscription, ev Event) {
	select {
	case sub.C <- ev:
	default:
		if h.metrics != nil {
			h.metrics.EventsDropped.Inc()
		}
		log.Warn().
			Str("event_type", ev.Type).
			Uint64("subscriber", sub.id).
			Msg("subscriber buffer full, dropping event")
	}
}
