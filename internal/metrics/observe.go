package metrics

import (
	"context"
	"fmt"

	"chatrelay/internal/bus"
	"chatrelay/internal/domain"
)

// Subscriber is the part of bus.EventBus the observer needs.
type Subscriber interface {
	On(eventType string, handler bus.EventHandler) string
	Off(handlerID string)
}

var taskDurationBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600}

// Observe derives router metrics from bus events. The returned function
// unsubscribes every handler.
func (c *Collector) Observe(sub Subscriber) (stop func()) {
	byChannel := func(name, help string) bus.EventHandler {
		return func(_ context.Context, e bus.Event) error {
			c.Counter(name, help, Label("channel", payloadString(e, "channelId"))).Inc()
			return nil
		}
	}
	sessions := c.Gauge("chatrelay_active_sessions", "Dialog sessions currently alive", "")

	ids := []string{
		sub.On(domain.EventMessageReceived, byChannel("chatrelay_messages_received_total", "Inbound channel messages")),
		sub.On(domain.EventMessageSent, byChannel("chatrelay_messages_sent_total", "Replies delivered to channels")),
		sub.On(domain.EventTranscriptionFailed, byChannel("chatrelay_transcription_failures_total", "Voice messages that could not be transcribed")),
		sub.On(domain.EventChannelError, byChannel("chatrelay_channel_errors_total", "Errors reported by channels")),
		sub.On(domain.EventMessageDropped, func(_ context.Context, e bus.Event) error {
			c.Counter("chatrelay_messages_dropped_total", "Inbound messages dropped before dispatch",
				Label("reason", payloadString(e, "reason"))).Inc()
			return nil
		}),
		sub.On(domain.EventSessionCreated, func(context.Context, bus.Event) error {
			sessions.Inc()
			return nil
		}),
		sub.On(domain.EventSessionEvicted, func(context.Context, bus.Event) error {
			sessions.Dec()
			return nil
		}),
		sub.On(domain.EventTaskFinished, func(_ context.Context, e bus.Event) error {
			status := payloadString(e, "status")
			c.Counter("chatrelay_tasks_finished_total", "Background tasks by final status", Label("status", status)).Inc()
			if ms, ok := e.Payload["durationMs"].(int64); ok {
				c.Histogram("chatrelay_task_duration_seconds", "Background task run time in seconds", "", taskDurationBuckets).
					Observe(float64(ms) / 1000)
			}
			return nil
		}),
	}

	return func() {
		for _, id := range ids {
			sub.Off(id)
		}
	}
}

func payloadString(e bus.Event, key string) string {
	v, ok := e.Payload[key]
	if !ok || v == nil {
		return "unknown"
	}
	if s, ok := v.(string); ok {
		if s == "" {
			return "unknown"
		}
		return s
	}
	return fmt.Sprint(v)
}
