package bus

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventBus is an in-process publish/subscribe registry.
//
// The registry mutex is held only while reading or mutating the handler
// lists. Handlers run on the emitting goroutine after the lock is released,
// so a handler may call Subscribe or Unsubscribe.
type EventBus struct {
	mu       sync.Mutex
	handlers map[string][]Handler
	logger   *zap.Logger
	now      func() time.Time
}

func NewEventBus(logger *zap.Logger) *EventBus {
	return &EventBus{
		handlers: make(map[string][]Handler),
		logger:   logger.Named("bus"),
		now:      time.Now,
	}
}

// Subscribe registers h for eventType, or for all events with Wildcard.
// Registering the same handler twice for one type is a no-op.
func (b *EventBus) Subscribe(eventType string, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, existing := range b.handlers[eventType] {
		if sameHandler(existing, h) {
			return
		}
	}
	b.handlers[eventType] = append(b.handlers[eventType], h)
}

func (b *EventBus) Unsubscribe(eventType string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	handlers := b.handlers[eventType]
	idx := slices.IndexFunc(handlers, func(existing Handler) bool { return sameHandler(existing, h) })
	if idx < 0 {
		return
	}
	handlers = slices.Delete(slices.Clone(handlers), idx, idx+1)
	if len(handlers) == 0 {
		delete(b.handlers, eventType)
		return
	}
	b.handlers[eventType] = handlers
}

// Emit delivers an event to the handlers of eventType, then to wildcard
// handlers, in registration order. Handler errors and panics are logged.
func (b *EventBus) Emit(eventType string, payload any) {
	ev := Event{
		Type:      eventType,
		Timestamp: b.now().UTC(),
		Payload:   payload,
	}

	b.mu.Lock()
	targets := make([]Handler, 0, len(b.handlers[eventType])+len(b.handlers[Wildcard]))
	targets = append(targets, b.handlers[eventType]...)
	if eventType != Wildcard {
		targets = append(targets, b.handlers[Wildcard]...)
	}
	b.mu.Unlock()

	for _, h := range targets {
		if err := b.invoke(h, ev); err != nil {
			b.logger.Error("event handler failed", zap.String("event_type", eventType), zap.Error(err))
		}
	}
}

// HandlerCount returns the number of handlers registered for eventType.
func (b *EventBus) HandlerCount(eventType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers[eventType])
}

func (b *EventBus) invoke(h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.HandleEvent(ev)
}
