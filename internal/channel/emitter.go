package channel

import (
	"context"
	"log/slog"
	"sync"

	"chatrelay/internal/domain"

	"github.com/google/uuid"
)

type subscription struct {
	id      domain.SubscriptionID
	event   domain.ChannelEvent
	handler domain.EventHandler
}

// Emitter implements the On/Off half of domain.Channel. Handlers are called
// synchronously in registration order; a panicking handler is logged and
// does not affect the others or the caller.
type Emitter struct {
	mu     sync.RWMutex
	subs   []subscription
	logger *slog.Logger
}

// NewEmitter returns an Emitter that logs handler panics to logger.
func NewEmitter(logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{logger: logger}
}

// On registers handler for event and returns a token for Off.
func (e *Emitter) On(event domain.ChannelEvent, handler domain.EventHandler) domain.SubscriptionID {
	id := domain.SubscriptionID(uuid.NewString())
	e.mu.Lock()
	e.subs = append(e.subs, subscription{id: id, event: event, handler: handler})
	e.mu.Unlock()
	return id
}

// Off removes the handler registered under id.
func (e *Emitter) Off(id domain.SubscriptionID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, s := range e.subs {
		if s.id == id {
			e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
			return
		}
	}
}

// Listeners returns the number of handlers registered for event.
func (e *Emitter) Listeners(event domain.ChannelEvent) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, s := range e.subs {
		if s.event == event {
			n++
		}
	}
	return n
}

// Emit delivers ev to every handler registered for ev.Type.
func (e *Emitter) Emit(ctx context.Context, ev domain.Event) {
	e.mu.RLock()
	handlers := make([]subscription, 0, len(e.subs))
	for _, s := range e.subs {
		if s.event == ev.Type {
			handlers = append(handlers, s)
		}
	}
	e.mu.RUnlock()

	for _, s := range handlers {
		func(s subscription) {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("channel event handler panic", "event", ev.Type, "handler", s.id, "panic", r)
				}
			}()
			s.handler(ctx, ev)
		}(s)
	}
}

// EmitMessage is shorthand for emitting an EventMessage.
func (e *Emitter) EmitMessage(ctx context.Context, msg *domain.ChannelMessage) {
	e.Emit(ctx, domain.Event{Type: domain.EventMessage, Message: msg})
}

// EmitError is shorthand for emitting an EventError.
func (e *Emitter) EmitError(ctx context.Context, err error) {
	e.Emit(ctx, domain.Event{Type: domain.EventError, Err: err})
}
