package agent

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"

	"chatrelay/internal/channel"
	"chatrelay/internal/domain"
	"chatrelay/internal/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStore(t *testing.T) *memory.SQLiteStore {
	t.Helper()
	store, err := memory.NewSQLiteStore(":memory:", testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

type sentText struct {
	ChatID  string
	Text    string
	ReplyTo string
}

// fakeChannel records outbound text and signals every send on sentCh.
type fakeChannel struct {
	*channel.Base

	mu     sync.Mutex
	sends  []sentText
	sentCh chan sentText
}

func newFakeChannel(id string) *fakeChannel {
	return &fakeChannel{Base: channel.NewBase(id, "fake", testLogger()), sentCh: make(chan sentText, 32)}
}

func (f *fakeChannel) Connect(ctx context.Context, _ domain.ChannelConfig) error {
	f.SetConnected(ctx, true)
	return nil
}

func (f *fakeChannel) Disconnect(ctx context.Context) error {
	f.SetConnected(ctx, false)
	return nil
}

func (f *fakeChannel) SendText(_ context.Context, chatID, text string, opts domain.SendOptions) (string, error) {
	s := sentText{ChatID: chatID, Text: text, ReplyTo: opts.ReplyToID}
	f.mu.Lock()
	f.sends = append(f.sends, s)
	f.mu.Unlock()
	select {
	case f.sentCh <- s:
	default:
	}
	return "out-1", nil
}

func (f *fakeChannel) SendMedia(context.Context, string, domain.ChannelAttachment, domain.SendOptions) (string, error) {
	return "", errors.New("not supported")
}

func (f *fakeChannel) DownloadAttachment(context.Context, domain.ChannelAttachment) (*domain.DownloadedFile, error) {
	return nil, errors.New("not supported")
}

func (f *fakeChannel) Sends() []sentText {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentText(nil), f.sends...)
}

// fakeProvider answers with reply(req) and records every request.
type fakeProvider struct {
	mu       sync.Mutex
	requests []domain.ChatRequest
	reply    func(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error)
}

func echoProvider() *fakeProvider {
	return &fakeProvider{reply: func(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
		last := req.Messages[len(req.Messages)-1]
		return &domain.ChatResponse{Content: "echo: " + last.Content, Usage: domain.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}}, nil
	}}
}

func (p *fakeProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()
	return p.reply(ctx, req)
}

func (p *fakeProvider) Name() string                   { return "fake" }
func (p *fakeProvider) Healthy(context.Context) error { return nil }

func (p *fakeProvider) Requests() []domain.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.ChatRequest(nil), p.requests...)
}

// recordingBus collects emitted event names.
type recordingBus struct {
	mu     sync.Mutex
	events []string
}

func (b *recordingBus) Emit(_ context.Context, name string, _ map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, name)
	return nil
}

func (b *recordingBus) Count(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e == name {
			n++
		}
	}
	return n
}
