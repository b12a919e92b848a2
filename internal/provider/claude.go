package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatrelay/internal/domain"
)

const (
	claudeAPIVersion = "2023-06-01"
	defaultMaxTokens = 4096
)

// Claude talks to the Anthropic Messages API.
type Claude struct {
	apiClient
}

func NewClaude(cfg APIConfig) *Claude {
	return &Claude{newAPIClient(cfg, "https://api.anthropic.com/v1", "claude-sonnet-4-5")}
}

func (c *Claude) Name() string { return "claude" }

// Healthy only checks that a key is configured.
func (c *Claude) Healthy(context.Context) error {
	if c.apiKey == "" {
		return errors.New("claude: no API key configured")
	}
	return nil
}

type claudeRequest struct {
	Model       string       `json:"model"`
	MaxTokens   int          `json:"max_tokens"`
	System      string       `json:"system,omitempty"`
	Messages    []oaiMessage `json:"messages"`
	Temperature *float64     `json:"temperature,omitempty"`
}

type claudeResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (c *Claude) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	body := claudeRequest{
		Model:     c.modelFor(req),
		MaxTokens: req.MaxTokens,
		Messages:  make([]oaiMessage, 0, len(req.Messages)),
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = defaultMaxTokens
	}
	if req.Temperature > 0 {
		body.Temperature = &req.Temperature
	}

	// The API takes system prompts in a dedicated field.
	var system []string
	for _, m := range req.Messages {
		if m.Role == domain.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		body.Messages = append(body.Messages, oaiMessage(m))
	}
	body.System = strings.Join(system, "\n\n")

	start := time.Now()
	var out claudeResponse
	headers := map[string]string{"x-api-key": c.apiKey, "anthropic-version": claudeAPIVersion}
	if err := c.postJSON(ctx, "/messages", headers, body, &out); err != nil {
		return nil, fmt.Errorf("claude chat: %w", err)
	}

	var text strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return &domain.ChatResponse{
		Content:      text.String(),
		FinishReason: out.StopReason,
		Usage: domain.Usage{
			PromptTokens:     out.Usage.InputTokens,
			CompletionTokens: out.Usage.OutputTokens,
			TotalTokens:      out.Usage.InputTokens + out.Usage.OutputTokens,
		},
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}
