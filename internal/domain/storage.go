package domain

import (
	"context"
	"time"
)

// Storage persists conversations and their messages. It is shared by the
// legacy conversation engine, dialog sessions and the background task runner.
// A conversation id is the routing key of the chat it belongs to, or a task
// id for background work.
type Storage interface {
	// CreateConversation is a no-op when the id already exists.
	CreateConversation(ctx context.Context, conv Conversation) error
	// GetConversation returns nil, nil for an unknown id.
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, limit int) ([]Conversation, error)
	// DeleteConversation removes the conversation and its messages.
	DeleteConversation(ctx context.Context, id string) error

	AddMessage(ctx context.Context, convID string, msg MessageRecord) error
	// GetMessages returns the newest limit messages in chronological order.
	GetMessages(ctx context.Context, convID string, limit int) ([]MessageRecord, error)

	Close() error
}

// Conversation ties stored history to the chat it came from.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Channel   string    `json:"channel"`
	ChatID    string    `json:"chat_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MessageRecord is one stored turn. Token counts and latency are only set
// on assistant records.
type MessageRecord struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	TokensIn       int       `json:"tokens_in,omitempty"`
	TokensOut      int       `json:"tokens_out,omitempty"`
	LatencyMs      int64     `json:"latency_ms,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Prompt converts the record to a provider message.
func (r MessageRecord) Prompt() Message {
	return Message{Role: r.Role, Content: r.Content}
}
