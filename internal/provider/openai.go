package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"chatrelay/internal/domain"
)

// OpenAI talks to OpenAI-compatible chat completion APIs: OpenAI itself,
// Groq, OpenRouter and Ollama's /v1 endpoint.
type OpenAI struct {
	apiClient
}

func NewOpenAI(cfg APIConfig) *OpenAI {
	return &OpenAI{newAPIClient(cfg, "https://api.openai.com/v1", "gpt-4o-mini")}
}

func (o *OpenAI) Name() string { return "openai" }

// Healthy lists models, which needs a valid key but costs no tokens.
func (o *OpenAI) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.apiBase+"/models", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("openai not reachable: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized:
		return errors.New("openai: invalid API key")
	default:
		return &StatusError{StatusCode: resp.StatusCode, Body: "GET /models"}
	}
}

type oaiRequest struct {
	Model       string       `json:"model"`
	Messages    []oaiMessage `json:"messages"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Temperature *float64     `json:"temperature,omitempty"`
	Stream      bool         `json:"stream"`
}

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiResponse struct {
	Choices []struct {
		Message      oaiMessage `json:"message"`
		FinishReason string     `json:"finish_reason"`
	} `json:"choices"`
	Usage domain.Usage `json:"usage"`
}

func (o *OpenAI) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	body := oaiRequest{
		Model:     o.modelFor(req),
		Messages:  make([]oaiMessage, len(req.Messages)),
		MaxTokens: req.MaxTokens,
	}
	for i, m := range req.Messages {
		body.Messages[i] = oaiMessage(m)
	}
	if req.Temperature > 0 {
		body.Temperature = &req.Temperature
	}

	start := time.Now()
	var out oaiResponse
	err := o.postJSON(ctx, "/chat/completions", map[string]string{"Authorization": "Bearer " + o.apiKey}, body, &out)
	if err != nil {
		return nil, fmt.Errorf("openai chat: %w", err)
	}

	resp := &domain.ChatResponse{
		FinishReason: "stop",
		Usage:        out.Usage,
		LatencyMs:    time.Since(start).Milliseconds(),
	}
	if len(out.Choices) > 0 {
		resp.Content = out.Choices[0].Message.Content
		resp.FinishReason = out.Choices[0].FinishReason
	}
	return resp, nil
}
