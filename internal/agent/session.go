package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chatrelay/internal/domain"
	"chatrelay/internal/router"
)

const deliveryTimeout = 30 * time.Second

// ErrSessionStopped is returned by HandleMessage after Stop.
var ErrSessionStopped = errors.New("session stopped")

// Session is the dialog-mode ChatSession: one per routing key. It answers
// turns one at a time over the stored history of its chat and delivers the
// replies itself.
type Session struct {
	key      string
	chatID   string
	channel  domain.Channel
	bus      domain.EventBus
	provider domain.Provider
	history  *History
	settings ChatSettings
	runner   *TaskRunner // nil when the router has no runner of this type
	limiter  *RateLimiter
	logger   *slog.Logger
	now      func() time.Time
	created  time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	turn    sync.Mutex
	stopped atomic.Bool
}

var _ domain.ChatSession = (*Session)(nil)

// NewSession builds a session from the router's construction parameters.
func NewSession(p router.SessionParams, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	runner, _ := p.TaskRunner.(*TaskRunner)
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		key:      p.RoutingKey,
		chatID:   p.ChatID,
		channel:  p.Channel,
		bus:      p.Bus,
		provider: p.Provider,
		history:  NewHistory(p.Storage, logger),
		settings: SettingsFromConfig(p.Config),
		runner:   runner,
		limiter:  NewRateLimiter(defaultSessionBurst, defaultSessionPerMinute),
		logger:   logger.With("session", p.RoutingKey),
		now:      time.Now,
		created:  time.Now(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

const (
	defaultSessionBurst     = 5
	defaultSessionPerMinute = 20.0
)

// SessionFactory adapts NewSession to router.DialogMode.NewSession.
func SessionFactory(logger *slog.Logger) func(router.SessionParams) domain.ChatSession {
	return func(p router.SessionParams) domain.ChatSession {
		return NewSession(p, logger)
	}
}

// HandleMessage answers text. Turns of one session never overlap; Stop
// cancels the turn in progress.
func (s *Session) HandleMessage(ctx context.Context, text string, original *domain.ChannelMessage) error {
	if s.stopped.Load() {
		return ErrSessionStopped
	}

	s.turn.Lock()
	defer s.turn.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	release := context.AfterFunc(s.ctx, cancel)
	defer release()

	if cmd := ParseCommand(text); cmd != nil {
		if reply, ok := s.command(ctx, cmd, original); ok {
			return s.reply(ctx, original, reply)
		}
	}

	if err := s.answer(ctx, text, original); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("session %s: %w", s.key, ctx.Err())
		}
		if sendErr := s.reply(ctx, original, router.ClassifyError(err)); sendErr != nil {
			s.logger.Warn("failed to deliver error message", "err", sendErr)
		}
		return fmt.Errorf("session %s: %w", s.key, err)
	}
	return nil
}

func (s *Session) answer(ctx context.Context, text string, original *domain.ChannelMessage) error {
	conv := domain.Conversation{ID: s.key, Title: generateTitle(text), ChatID: s.chatID}
	if original != nil {
		conv.Channel = original.ChannelID
	}
	if err := s.history.Ensure(ctx, conv); err != nil {
		return err
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	resp, err := s.history.Complete(ctx, s.provider, s.settings, s.key, text)
	if err != nil {
		return err
	}
	if strings.TrimSpace(resp.Content) == "" {
		s.logger.Debug("provider returned empty reply")
		return nil
	}
	return s.reply(ctx, original, resp.Content)
}

// reply sends text to the session's chat as a reply to original.
func (s *Session) reply(ctx context.Context, original *domain.ChannelMessage, text string) error {
	var opts domain.SendOptions
	if original != nil {
		opts.ReplyToID = original.ID
		opts.ThreadID = original.ThreadID
	}
	sentID, err := s.channel.SendText(ctx, s.chatID, text, opts)
	if err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	if s.bus != nil {
		if err := s.bus.Emit(ctx, domain.EventMessageSent, map[string]any{
			"channelId":  s.channel.ID(),
			"chatId":     s.chatID,
			"routingKey": s.key,
			"messageId":  sentID,
			"replyTo":    opts.ReplyToID,
			"mode":       "dialog",
		}); err != nil {
			s.logger.Debug("event emit failed", "event", domain.EventMessageSent, "err", err)
		}
	}
	return nil
}

// Stop cancels the turn in progress and rejects further messages. Running
// background tasks are owned by the task runner and keep going.
func (s *Session) Stop() {
	if s.stopped.Swap(true) {
		return
	}
	s.cancel()
	s.logger.Debug("session stopped")
}
