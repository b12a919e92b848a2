package domain

import "context"

// ChannelEvent names an event a Channel can emit.
type ChannelEvent string

const (
	EventMessage      ChannelEvent = "message"
	EventError        ChannelEvent = "error"
	EventConnected    ChannelEvent = "connected"
	EventDisconnected ChannelEvent = "disconnected"
)

// Event is the payload delivered to channel event handlers.
// Message is set for EventMessage, Err for EventError.
type Event struct {
	Type    ChannelEvent
	Message *ChannelMessage
	Err     error
}

// EventHandler receives channel events. Handlers must not block for long:
// channels call them from their receive loop.
type EventHandler func(ctx context.Context, ev Event)

// SubscriptionID identifies a handler registered with Channel.On.
type SubscriptionID string

// SendOptions tune an outbound send.
type SendOptions struct {
	ReplyToID string
	ThreadID  string
	ParseMode string
	Caption   string // used by SendMedia
}

// DownloadedFile is the result of Channel.DownloadAttachment.
type DownloadedFile struct {
	Data     []byte
	MimeType string
	FileName string
}

// ChannelConfig is the connect configuration handed to Channel.Connect.
type ChannelConfig struct {
	Token     string            `json:"token,omitempty" yaml:"token,omitempty"`
	AppToken  string            `json:"appToken,omitempty" yaml:"appToken,omitempty"`
	AllowFrom []string          `json:"allowFrom,omitempty" yaml:"allowFrom,omitempty"`
	ParseMode string            `json:"parseMode,omitempty" yaml:"parseMode,omitempty"`
	GuildID   string            `json:"guildId,omitempty" yaml:"guildId,omitempty"`
	Extra     map[string]string `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// Channel is an external chat transport (Telegram bot, Discord bot, ...).
type Channel interface {
	ID() string
	Type() string
	Connected() bool

	Connect(ctx context.Context, cfg ChannelConfig) error
	Disconnect(ctx context.Context) error

	// SendText and SendMedia return the provider-assigned id of the sent message.
	SendText(ctx context.Context, chatID, text string, opts SendOptions) (string, error)
	SendMedia(ctx context.Context, chatID string, att ChannelAttachment, opts SendOptions) (string, error)
	DownloadAttachment(ctx context.Context, att ChannelAttachment) (*DownloadedFile, error)

	// On registers a handler for one event type. Off revokes it; unknown ids are ignored.
	On(event ChannelEvent, handler EventHandler) SubscriptionID
	Off(id SubscriptionID)
}
