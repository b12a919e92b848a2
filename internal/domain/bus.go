package domain

import "context"

// EventBus is the observability side channel. Emit failures are reported
// through the returned error and must never interrupt message processing.
type EventBus interface {
	Emit(ctx context.Context, eventType string, payload map[string]any) error
}

// Well-known event types emitted by the router and its collaborators.
const (
	EventMessageReceived     = "message:received"
	EventMessageSent         = "message:sent"
	EventMessageDropped      = "message:dropped"
	EventTranscriptionFailed = "transcription:failed"
	EventSessionCreated      = "session:created"
	EventSessionEvicted      = "session:evicted"
	EventChannelError        = "channel:error"
	EventTaskFinished        = "task:finished"
)
