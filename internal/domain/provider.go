package domain

import "context"

// Role identifies the author of a prompt message.
type Role = string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Provider is the LLM backend behind conversation engines, chat sessions
// and background tasks. Chat is a single non-streaming completion.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	Name() string
	// Healthy performs a cheap reachability check.
	Healthy(ctx context.Context) error
}

// ChatRequest is a completion request. Zero values leave the choice to the
// provider's configuration.
type ChatRequest struct {
	Messages    []Message
	Model       string
	MaxTokens   int
	Temperature float64
}

// Message is one prompt entry.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatResponse carries the reply text and accounting for one completion.
type ChatResponse struct {
	Content string
	// FinishReason is "stop" or "length".
	FinishReason string
	Usage        Usage
	LatencyMs    int64
}

// Usage is token accounting as reported by the backend.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Total returns TotalTokens, or the sum of both sides when the backend
// left it unset.
func (u Usage) Total() int {
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.PromptTokens + u.CompletionTokens
}
