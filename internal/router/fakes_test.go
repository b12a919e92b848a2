package router

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"chatrelay/internal/channel"
	"chatrelay/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type sent struct {
	ChatID  string
	Text    string
	ReplyTo string
}

// fakeChannel records outbound sends and serves downloads from memory.
type fakeChannel struct {
	*channel.Base

	mu     sync.Mutex
	sends  []sent
	files  map[string]*domain.DownloadedFile
	onSend func(chatID, text string)
}

func newFakeChannel(id string) *fakeChannel {
	return &fakeChannel{Base: channel.NewBase(id, "fake", testLogger()), files: map[string]*domain.DownloadedFile{}}
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
	if f.onSend != nil {
		f.onSend(chatID, text)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, sent{ChatID: chatID, Text: text, ReplyTo: opts.ReplyToID})
	return "out-1", nil
}

func (f *fakeChannel) SendMedia(context.Context, string, domain.ChannelAttachment, domain.SendOptions) (string, error) {
	return "out-media", nil
}

func (f *fakeChannel) DownloadAttachment(_ context.Context, att domain.ChannelAttachment) (*domain.DownloadedFile, error) {
	if file, ok := f.files[att.URL]; ok {
		return file, nil
	}
	return nil, errors.New("file not found")
}

func (f *fakeChannel) Sends() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sends...)
}

// fakeEngine is a scripted ConversationEngine.
type fakeEngine struct {
	mu    sync.Mutex
	calls []engineCall
	run   func(ctx context.Context, text string, opts domain.RunOptions) (*domain.RunResult, error)
}

type engineCall struct {
	Text      string
	SessionID string
}

func (e *fakeEngine) Run(ctx context.Context, text string, opts domain.RunOptions) (*domain.RunResult, error) {
	e.mu.Lock()
	e.calls = append(e.calls, engineCall{Text: text, SessionID: opts.SessionID})
	e.mu.Unlock()
	if e.run != nil {
		return e.run(ctx, text, opts)
	}
	return &domain.RunResult{Response: "echo: " + text, SessionID: "sess"}, nil
}

func (e *fakeEngine) Calls() []engineCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engineCall(nil), e.calls...)
}

// fakeSession records the texts it handles.
type fakeSession struct {
	params  SessionParams
	mu      sync.Mutex
	texts   []string
	stopped atomic.Bool
}

func (s *fakeSession) HandleMessage(_ context.Context, text string, _ *domain.ChannelMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	return nil
}

func (s *fakeSession) Stop() { s.stopped.Store(true) }

func (s *fakeSession) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

// sessionFactory counts constructions per routing key.
type sessionFactory struct {
	mu       sync.Mutex
	sessions map[string][]*fakeSession
}

func newSessionFactory() *sessionFactory {
	return &sessionFactory{sessions: map[string][]*fakeSession{}}
}

func (f *sessionFactory) New(p SessionParams) domain.ChatSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeSession{params: p}
	f.sessions[p.RoutingKey] = append(f.sessions[p.RoutingKey], s)
	return s
}

func (f *sessionFactory) For(key string) []*fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeSession(nil), f.sessions[key]...)
}

type fakeRunner struct{ stopped atomic.Bool }

func (r *fakeRunner) StopAll() { r.stopped.Store(true) }

type fakeTranscriber struct {
	text      string
	err       error
	filenames []string
	mu        sync.Mutex
}

func (t *fakeTranscriber) Transcribe(_ context.Context, _ []byte, filename string) (*domain.TranscriptionResult, error) {
	t.mu.Lock()
	t.filenames = append(t.filenames, filename)
	t.mu.Unlock()
	if t.err != nil {
		return nil, t.err
	}
	return &domain.TranscriptionResult{Text: t.text}, nil
}

// recordingBus keeps the names of emitted events.
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

type failingBus struct{}

func (failingBus) Emit(context.Context, string, map[string]any) error {
	return errors.New("bus down")
}

func textMessage(channelID, chatID, id, content string) *domain.ChannelMessage {
	return &domain.ChannelMessage{
		ID:          id,
		ChannelID:   channelID,
		ChannelType: "fake",
		MessageType: domain.MessageText,
		SenderID:    "user-" + chatID,
		Content:     content,
		Metadata:    map[string]any{domain.MetaChatID: chatID},
	}
}

func voiceMessage(channelID, chatID, id, caption, url string) *domain.ChannelMessage {
	m := textMessage(channelID, chatID, id, caption)
	m.MessageType = domain.MessageVoice
	m.Attachments = []domain.ChannelAttachment{{Type: domain.MessageVoice, URL: url}}
	return m
}
