package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chatrelay/internal/config"
	"chatrelay/internal/domain"
)

const (
	defaultHistoryLimit = 40
	defaultTitle        = "New conversation"
)

// ChatSettings are the completion parameters shared by the engine, sessions
// and background tasks.
type ChatSettings struct {
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
	HistoryLimit int
}

// SettingsFromConfig extracts ChatSettings from the application config.
func SettingsFromConfig(cfg *config.Config) ChatSettings {
	if cfg == nil {
		return ChatSettings{HistoryLimit: defaultHistoryLimit}
	}
	s := ChatSettings{
		SystemPrompt: cfg.Provider.SystemPrompt,
		MaxTokens:    cfg.Provider.MaxTokens,
		Temperature:  cfg.Provider.Temperature,
		HistoryLimit: cfg.Memory.HistoryLimit,
	}
	if s.HistoryLimit <= 0 {
		s.HistoryLimit = defaultHistoryLimit
	}
	return s
}

// History stores and replays conversations through domain.Storage.
type History struct {
	store  domain.Storage
	logger *slog.Logger
}

func NewHistory(store domain.Storage, logger *slog.Logger) *History {
	if logger == nil {
		logger = slog.Default()
	}
	return &History{store: store, logger: logger}
}

// Ensure creates the conversation if it does not exist yet.
func (h *History) Ensure(ctx context.Context, conv domain.Conversation) error {
	existing, err := h.store.GetConversation(ctx, conv.ID)
	if err != nil {
		return fmt.Errorf("load conversation %s: %w", conv.ID, err)
	}
	if existing != nil {
		return nil
	}
	if conv.Title == "" {
		conv.Title = defaultTitle
	}
	if err := h.store.CreateConversation(ctx, conv); err != nil {
		return err
	}
	h.logger.Info("created new conversation", "conversation", conv.ID, "channel", conv.Channel, "chat", conv.ChatID)
	return nil
}

// Clear deletes the conversation and all its messages.
func (h *History) Clear(ctx context.Context, convID string) error {
	if err := h.store.DeleteConversation(ctx, convID); err != nil {
		return fmt.Errorf("clear conversation %s: %w", convID, err)
	}
	h.logger.Info("conversation cleared", "conversation", convID)
	return nil
}

// Messages returns the stored history as provider messages, oldest first.
func (h *History) Messages(ctx context.Context, convID string, limit int) ([]domain.Message, error) {
	records, err := h.store.GetMessages(ctx, convID, limit)
	if err != nil {
		return nil, err
	}
	messages := make([]domain.Message, 0, len(records))
	for _, r := range records {
		messages = append(messages, r.Prompt())
	}
	return messages, nil
}

// Complete runs one turn: system prompt, stored history and text go to the
// provider; the user text and the reply are persisted on success.
func (h *History) Complete(ctx context.Context, provider domain.Provider, s ChatSettings, convID, text string) (*domain.ChatResponse, error) {
	history, err := h.Messages(ctx, convID, s.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	msgs := make([]domain.Message, 0, len(history)+2)
	if s.SystemPrompt != "" {
		msgs = append(msgs, domain.Message{Role: domain.RoleSystem, Content: s.SystemPrompt})
	}
	msgs = append(msgs, history...)
	msgs = append(msgs, domain.Message{Role: domain.RoleUser, Content: text})

	start := time.Now()
	resp, err := provider.Chat(ctx, domain.ChatRequest{
		Messages:    msgs,
		MaxTokens:   s.MaxTokens,
		Temperature: s.Temperature,
	})
	if err != nil {
		return nil, err
	}

	if err := h.store.AddMessage(ctx, convID, domain.MessageRecord{
		Role:     domain.RoleUser,
		Content:  text,
		TokensIn: resp.Usage.PromptTokens,
	}); err != nil {
		h.logger.Warn("failed to save user message", "conversation", convID, "err", err)
	}
	if err := h.store.AddMessage(ctx, convID, domain.MessageRecord{
		Role:      domain.RoleAssistant,
		Content:   resp.Content,
		TokensOut: resp.Usage.CompletionTokens,
		LatencyMs: time.Since(start).Milliseconds(),
	}); err != nil {
		h.logger.Warn("failed to save assistant message", "conversation", convID, "err", err)
	}
	return resp, nil
}

const maxTitleRunes = 60

// generateTitle derives a short conversation title from the first line of
// the first message, cutting at a word boundary when one is near the limit.
func generateTitle(msg string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(msg), "\n")
	line = strings.TrimSpace(line)
	if line == "" {
		return defaultTitle
	}
	runes := []rune(line)
	if len(runes) <= maxTitleRunes {
		return line
	}
	head := string(runes[:maxTitleRunes])
	if cut := strings.LastIndexByte(head, ' '); cut >= 20 {
		head = head[:cut]
	}
	return strings.TrimRight(head, " ,.;:") + "..."
}
