package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"chatrelay/internal/domain"
)

const defaultPublishTimeout = 100 * time.Millisecond

// ErrQueueFull is returned by AsyncBus.Emit when an event could not be queued
// within the publish timeout.
var ErrQueueFull = errors.New("event queue full")

// ErrClosed is returned by AsyncBus.Emit after Close.
var ErrClosed = errors.New("event bus closed")

type queuedEvent struct {
	eventType string
	payload   map[string]any
}

// AsyncBus decouples emitters from handlers: Emit only queues the event and a
// single goroutine forwards queued events, in order, to the wrapped bus.
type AsyncBus struct {
	next    domain.EventBus
	queue   chan queuedEvent
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

var _ domain.EventBus = (*AsyncBus)(nil)

// NewAsync starts an AsyncBus in front of next with the given buffer size.
func NewAsync(next domain.EventBus, bufferSize int, logger *slog.Logger) *AsyncBus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &AsyncBus{
		next:    next,
		queue:   make(chan queuedEvent, bufferSize),
		timeout: defaultPublishTimeout,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go b.run()
	return b
}

// Emit queues the event. It waits at most the publish timeout when the
// buffer is full and then drops the event with ErrQueueFull.
func (b *AsyncBus) Emit(ctx context.Context, eventType string, payload map[string]any) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}

	ev := queuedEvent{eventType: eventType, payload: payload}
	select {
	case b.queue <- ev:
		return nil
	default:
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()
	select {
	case b.queue <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		b.logger.Warn("event dropped: queue full", "event", eventType)
		return ErrQueueFull
	}
}

func (b *AsyncBus) run() {
	defer close(b.done)
	for ev := range b.queue {
		if err := b.next.Emit(context.Background(), ev.eventType, ev.payload); err != nil {
			b.logger.Warn("event handler failed", "event", ev.eventType, "err", err)
		}
	}
}

// Close stops accepting events and waits until queued ones are delivered or
// ctx is done.
func (b *AsyncBus) Close(ctx context.Context) error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.queue)
	}
	b.mu.Unlock()

	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
