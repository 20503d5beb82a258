package mingle

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
)

// EventHandler is the callback invoked for each frame of a subscribed type.
type EventHandler func(eventType string, data json.RawMessage)

// Subscription is a scoped handle for a registered handler. Cancel releases
// it deterministically; cancelling during a dispatch pass does not affect
// delivery to the other handlers in that pass.
type Subscription struct {
	bus       *EventBus
	eventType string
	id        uint64
	handler   EventHandler
}

// Cancel removes the handler from the bus. Safe to call more than once.
func (s *Subscription) Cancel() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.unsubscribe(s)
	s.bus = nil
}

// EventBus routes inbound frames by their string event type to zero or more
// registered handlers, in registration order.
type EventBus struct {
	mu       sync.Mutex
	nextID   uint64
	handlers map[string][]*Subscription
	log      zerolog.Logger
}

// NewEventBus creates an empty bus.
func NewEventBus(log zerolog.Logger) *EventBus {
	return &EventBus{
		handlers: make(map[string][]*Subscription),
		log:      log,
	}
}

// Subscribe registers a handler for an event type and returns its handle.
func (b *EventBus) Subscribe(eventType string, h EventHandler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{bus: b, eventType: eventType, id: b.nextID, handler: h}
	b.handlers[eventType] = append(b.handlers[eventType], sub)
	return sub
}

func (b *EventBus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.handlers[sub.eventType]
	for i, s := range subs {
		if s.id == sub.id {
			b.handlers[sub.eventType] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.handlers[sub.eventType]) == 0 {
		delete(b.handlers, sub.eventType)
	}
}

// Dispatch invokes every handler currently registered for eventType, in
// registration order. Handlers run synchronously; a panicking handler is
// isolated and does not prevent delivery to the rest.
func (b *EventBus) Dispatch(eventType string, data json.RawMessage) {
	b.mu.Lock()
	subs := append([]*Subscription(nil), b.handlers[eventType]...)
	b.mu.Unlock()

	for _, s := range subs {
		b.call(s, eventType, data)
	}
}

func (b *EventBus) call(s *Subscription, eventType string, data json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Str("event", eventType).Any("panic", r).Msg("event handler panicked")
		}
	}()
	s.handler(eventType, data)
}

// DispatchRaw parses one wire frame and dispatches it. Malformed frames
// (unparseable body, missing type) are dropped with a diagnostic.
func (b *EventBus) DispatchRaw(raw []byte) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		b.log.Warn().Err(err).Msg("dropping malformed frame")
		return
	}
	if frame.Type == "" {
		b.log.Warn().Msg("dropping frame without type")
		return
	}
	b.Dispatch(frame.Type, frame.Data)
}
