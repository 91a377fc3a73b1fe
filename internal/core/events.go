package core

import "sync"

// EventType identifies the kind of event fired on the bus.
type EventType int

const (
	EventStateChanged EventType = iota
	EventKeyRotated
	EventBlockedReason
	EventConfigReloaded
)

// Event carries data about something that happened in the engine.
type Event struct {
	Type    EventType
	Payload any
}

// StateChangedPayload is the payload for EventStateChanged.
type StateChangedPayload struct {
	OldState TunnelState
	NewState TunnelState
}

// KeyRotatedPayload is the payload for EventKeyRotated.
type KeyRotatedPayload struct {
	// PublicKey is the base64 public half of the newly promoted keypair.
	PublicKey string
}

// BlockedReasonPayload is the payload for EventBlockedReason.
type BlockedReasonPayload struct {
	Cause ErrorCause
}

// Handler is a callback for bus subscribers.
type Handler func(Event)

// EventBus provides pub/sub between engine components and the surrounding
// daemon layer.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// NewEventBus creates a ready-to-use event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe registers a handler for a given event type.
func (eb *EventBus) Subscribe(t EventType, h Handler) {
	eb.mu.Lock()
	eb.handlers[t] = append(eb.handlers[t], h)
	eb.mu.Unlock()
}

// Publish fires an event to all subscribed handlers synchronously.
func (eb *EventBus) Publish(e Event) {
	eb.mu.RLock()
	handlers := eb.handlers[e.Type]
	eb.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}

// PublishAsync fires an event to all subscribed handlers in goroutines.
func (eb *EventBus) PublishAsync(e Event) {
	eb.mu.RLock()
	handlers := eb.handlers[e.Type]
	eb.mu.RUnlock()

	for _, h := range handlers {
		go h(e)
	}
}
