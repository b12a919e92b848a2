package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatrelay/internal/domain"
)

// Wildcard subscribes to every event type.
const Wildcard = "*"

const defaultMaxHistory = 1000

// Event is one observability event as recorded by the bus.
type Event struct {
	ID        string
	Type      string // e.g. "message:received", "session:evicted"
	Payload   map[string]any
	Timestamp time.Time
}

// EventHandler receives events. A returned error is reported to the emitter
// but never stops delivery to the remaining handlers.
type EventHandler func(ctx context.Context, e Event) error

type subscription struct {
	id    string
	topic string
	fn    EventHandler
}

// EventBus is a synchronous topic pub/sub with a bounded replay history.
type EventBus struct {
	mu   sync.RWMutex
	subs []subscription

	// history is a ring: the oldest event sits at head once it is full.
	history    []Event
	head       int
	maxHistory int

	logger *slog.Logger
	now    func() time.Time
}

var _ domain.EventBus = (*EventBus)(nil)

// NewEventBus keeps the last 1000 events for Replay.
func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{maxHistory: defaultMaxHistory, logger: logger, now: time.Now}
}

// On subscribes handler to topic, or to everything with Wildcard. The
// returned id is used with Off.
func (eb *EventBus) On(topic string, handler EventHandler) string {
	id := uuid.NewString()
	eb.mu.Lock()
	eb.subs = append(eb.subs, subscription{id: id, topic: topic, fn: handler})
	eb.mu.Unlock()
	return id
}

// Off removes a subscription. Unknown ids are ignored.
func (eb *EventBus) Off(id string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.subs = slices.DeleteFunc(eb.subs, func(s subscription) bool { return s.id == id })
}

// matching returns the subscribers for topic: exact ones first, then
// wildcard ones, each in subscription order.
func (eb *EventBus) matching(topic string) []subscription {
	var exact, wild []subscription
	for _, s := range eb.subs {
		switch {
		case s.topic == topic:
			exact = append(exact, s)
		case s.topic == Wildcard:
			wild = append(wild, s)
		}
	}
	return append(exact, wild...)
}

func (eb *EventBus) record(e Event) {
	if eb.maxHistory <= 0 {
		return
	}
	if len(eb.history) < eb.maxHistory {
		eb.history = append(eb.history, e)
		return
	}
	eb.history[eb.head] = e
	eb.head = (eb.head + 1) % len(eb.history)
}

// Emit records the event and runs every matching handler synchronously.
// Handler errors and panics are joined into the returned error. A done ctx
// drops the event unrecorded.
func (eb *EventBus) Emit(ctx context.Context, topic string, payload map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e := Event{ID: uuid.NewString(), Type: topic, Payload: payload, Timestamp: eb.now()}

	eb.mu.Lock()
	eb.record(e)
	subs := eb.matching(topic)
	eb.mu.Unlock()

	var errs []error
	for _, s := range subs {
		if err := eb.deliver(ctx, s, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (eb *EventBus) deliver(ctx context.Context, s subscription, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "event", e.Type, "handler", s.id, "panic", r)
			err = fmt.Errorf("handler %s panicked: %v", s.id, r)
		}
	}()
	return s.fn(ctx, e)
}

// Replay returns recorded events of topic (or all, with Wildcard) emitted at
// or after since, oldest first.
func (eb *EventBus) Replay(topic string, since time.Time) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var out []Event
	for i := range eb.history {
		e := eb.history[(eb.head+i)%len(eb.history)]
		if e.Timestamp.Before(since) {
			continue
		}
		if topic == Wildcard || e.Type == topic {
			out = append(out, e)
		}
	}
	return out
}

// HistoryLen returns the number of recorded events.
func (eb *EventBus) HistoryLen() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.history)
}

// Discard drops every event. Used when no bus is configured.
type Discard struct{}

func (Discard) Emit(context.Context, string, map[string]any) error { return nil }
