// Package router receives inbound messages from every registered channel,
// turns voice notes into text and dispatches the result either to a single
// global conversation queue (legacy mode) or to one ChatSession per chat
// (dialog mode).
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"chatrelay/internal/config"
	"chatrelay/internal/domain"
)

const (
	DefaultIdleTimeout   = 30 * time.Minute
	DefaultSweepInterval = 5 * time.Minute

	// TranscriptLabel precedes transcribed voice text in the dispatched message.
	TranscriptLabel = "[Voice message transcription]: "
	// TranscriptionApology is sent when a voice message without text cannot
	// be transcribed.
	TranscriptionApology = "Sorry, I couldn't transcribe your voice message. Please try again or send it as text."
)

var (
	ErrInvalidMode    = errors.New("invalid router mode")
	ErrAlreadyStarted = errors.New("router already started")
)

// Channels is the registry the router reads channels from and tears down on Stop.
// *channel.Manager implements it.
type Channels interface {
	List() []domain.Channel
	DisconnectAll(ctx context.Context)
}

// Mode selects the dispatch backend. It is either LegacyMode or DialogMode.
type Mode interface {
	modeName() string
}

// LegacyMode serializes every message through one conversation engine.
type LegacyMode struct {
	Engine domain.ConversationEngine
}

func (LegacyMode) modeName() string { return config.ModeLegacy }

// SessionParams is everything a new ChatSession is constructed with.
type SessionParams struct {
	RoutingKey string
	ChatID     string
	Channel    domain.Channel
	Storage    domain.Storage
	Bus        domain.EventBus
	Config     *config.Config
	Provider   domain.Provider
	TaskRunner domain.BackgroundTaskRunner
}

// TaskRunnerParams is what the background task runner is constructed with,
// once per router.
type TaskRunnerParams struct {
	Storage  domain.Storage
	Bus      domain.EventBus
	Config   *config.Config
	Provider domain.Provider
}

// DialogMode gives every chat its own ChatSession. Storage, Provider, Config
// and NewSession are required; NewTaskRunner is optional.
type DialogMode struct {
	Storage       domain.Storage
	Provider      domain.Provider
	Config        *config.Config
	NewSession    func(SessionParams) domain.ChatSession
	NewTaskRunner func(TaskRunnerParams) domain.BackgroundTaskRunner
}

func (DialogMode) modeName() string { return config.ModeDialog }

// Config configures a Router.
type Config struct {
	Channels    Channels
	Mode        Mode
	Bus         domain.EventBus    // optional
	Transcriber domain.Transcriber // optional; nil means voice messages cannot be transcribed

	IdleTimeout   time.Duration // dialog mode, default 30m
	SweepInterval time.Duration // dialog mode, default 5m

	Logger *slog.Logger
	Now    func() time.Time
}

type sessionRecord struct {
	session    domain.ChatSession
	lastActive time.Time
}

type subscription struct {
	ch  domain.Channel
	ids []domain.SubscriptionID
}

// Router is the channel message routing core.
type Router struct {
	channels    Channels
	bus         domain.EventBus
	transcriber domain.Transcriber
	logger      *slog.Logger
	now         func() time.Time

	idleTimeout   time.Duration
	sweepInterval time.Duration

	legacy *LegacyHandler
	dialog *DialogMode
	runner domain.BackgroundTaskRunner

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	started   bool
	stopped   bool
	subs      []subscription
	sessions  map[string]*sessionRecord
	stopSweep chan struct{}
	sweepDone chan struct{}
}

// New validates cfg and builds a router. Nothing runs until Start.
func New(cfg Config) (*Router, error) {
	if cfg.Channels == nil {
		return nil, errors.New("router: channels registry is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Bus == nil {
		cfg.Bus = discardBus{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		channels:      cfg.Channels,
		bus:           cfg.Bus,
		transcriber:   cfg.Transcriber,
		logger:        cfg.Logger,
		now:           cfg.Now,
		idleTimeout:   cfg.IdleTimeout,
		sweepInterval: cfg.SweepInterval,
		ctx:           ctx,
		cancel:        cancel,
		sessions:      make(map[string]*sessionRecord),
	}

	switch m := cfg.Mode.(type) {
	case LegacyMode:
		if m.Engine == nil {
			cancel()
			return nil, fmt.Errorf("%w: legacy mode needs a conversation engine", ErrInvalidMode)
		}
		r.legacy = NewLegacyHandler(m.Engine, r.bus, r.logger.With("mode", "legacy"))
	case DialogMode:
		var missing []string
		if m.Storage == nil {
			missing = append(missing, "storage")
		}
		if m.Provider == nil {
			missing = append(missing, "provider")
		}
		if m.Config == nil {
			missing = append(missing, "config")
		}
		if m.NewSession == nil {
			missing = append(missing, "session factory")
		}
		if len(missing) > 0 {
			cancel()
			return nil, fmt.Errorf("%w: dialog mode is missing %s", ErrInvalidMode, strings.Join(missing, ", "))
		}
		r.dialog = &m
		if m.NewTaskRunner != nil {
			r.runner = m.NewTaskRunner(TaskRunnerParams{
				Storage:  m.Storage,
				Bus:      r.bus,
				Config:   m.Config,
				Provider: m.Provider,
			})
		}
	default:
		cancel()
		return nil, fmt.Errorf("%w: %T", ErrInvalidMode, cfg.Mode)
	}
	return r, nil
}

// ModeName returns "legacy" or "dialog".
func (r *Router) ModeName() string {
	if r.dialog != nil {
		return config.ModeDialog
	}
	return config.ModeLegacy
}

// Start subscribes to every channel currently in the registry and, in dialog
// mode, starts the idle sweep. Channels registered later are not observed.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return ErrAlreadyStarted
	}
	r.started = true

	for _, ch := range r.channels.List() {
		ch := ch
		sub := subscription{ch: ch}
		sub.ids = append(sub.ids,
			ch.On(domain.EventMessage, func(ctx context.Context, ev domain.Event) {
				r.onMessage(ctx, ch, ev.Message)
			}),
			ch.On(domain.EventError, func(ctx context.Context, ev domain.Event) {
				r.onChannelError(ctx, ch, ev.Err)
			}),
		)
		r.subs = append(r.subs, sub)
	}

	if r.dialog != nil {
		r.stopSweep = make(chan struct{})
		r.sweepDone = make(chan struct{})
		go r.sweepLoop(r.stopSweep, r.sweepDone)
	}

	r.logger.Info("router started", "mode", r.ModeName(), "channels", len(r.subs))
	return nil
}

// Stop tears the router down: the idle sweep stops, channel subscriptions are
// revoked, live sessions are stopped (dialog) or the queue is discarded
// (legacy), in-flight work is awaited until ctx is done, and finally every
// channel is disconnected.
func (r *Router) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	stopSweep, sweepDone := r.stopSweep, r.sweepDone
	subs := r.subs
	r.subs = nil
	sessions := r.sessions
	r.sessions = make(map[string]*sessionRecord)
	r.mu.Unlock()

	if stopSweep != nil {
		close(stopSweep)
		<-sweepDone
	}

	for _, sub := range subs {
		for _, id := range sub.ids {
			sub.ch.Off(id)
		}
	}

	if r.legacy != nil {
		r.legacy.Stop()
	}
	for key, rec := range sessions {
		r.stopSession(key, rec.session)
	}
	if r.runner != nil {
		r.runner.StopAll()
	}

	var waitErr error
	if r.legacy != nil {
		waitErr = r.legacy.Wait(ctx)
	}
	if err := r.waitInFlight(ctx); err != nil && waitErr == nil {
		waitErr = err
	}
	r.cancel()

	r.channels.DisconnectAll(ctx)
	r.logger.Info("router stopped", "mode", r.ModeName(), "sessions_stopped", len(sessions))
	return waitErr
}

func (r *Router) waitInFlight(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		r.logger.Warn("router stop timed out waiting for in-flight messages")
		return ctx.Err()
	}
}

// goTracked runs fn on a goroutine Stop waits for. It reports false once the
// router is stopping.
func (r *Router) goTracked(fn func()) bool {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return false
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("router goroutine panic", "panic", p)
			}
		}()
		fn()
	}()
	return true
}

// onMessage is the intake pipeline. Nothing here may panic or block the
// channel for long: text is handed over synchronously, audio continues on a
// tracked goroutine.
func (r *Router) onMessage(ctx context.Context, ch domain.Channel, msg *domain.ChannelMessage) {
	if msg == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("message pipeline panic", "channel", ch.ID(), "message_id", msg.ID, "panic", p)
		}
	}()

	emit(ctx, r.bus, r.logger, domain.EventMessageReceived, map[string]any{
		"channelId":   msg.ChannelID,
		"channelType": msg.ChannelType,
		"messageType": string(msg.MessageType),
		"senderId":    msg.SenderID,
		"messageId":   msg.ID,
		"routingKey":  msg.RoutingKey(),
	})

	if msg.MessageType.IsAudio() && len(msg.Attachments) > 0 {
		if !r.goTracked(func() { r.handleAudio(r.ctx, ch, msg) }) {
			r.logger.Debug("router stopping, audio message ignored", "message_id", msg.ID)
		}
		return
	}
	r.dispatch(ctx, ch, msg, msg.Content)
}

func (r *Router) handleAudio(ctx context.Context, ch domain.Channel, msg *domain.ChannelMessage) {
	log := r.logger.With("channel", ch.ID(), "message_id", msg.ID)
	caption := strings.TrimSpace(msg.Content)

	transcript, err := r.transcribe(ctx, ch, msg)
	if err == nil {
		text := TranscriptLabel + transcript
		if caption != "" {
			text = msg.Content + "\n\n" + text
		}
		r.dispatch(ctx, ch, msg, text)
		return
	}

	log.Warn("voice message not transcribed", "err", err)
	emit(ctx, r.bus, r.logger, domain.EventTranscriptionFailed, map[string]any{
		"channelId":  msg.ChannelID,
		"messageId":  msg.ID,
		"routingKey": msg.RoutingKey(),
		"error":      err.Error(),
	})

	if caption == "" {
		if _, sendErr := ch.SendText(ctx, msg.ChatID(), TranscriptionApology, domain.SendOptions{ReplyToID: msg.ID}); sendErr != nil {
			log.Warn("failed to send transcription apology", "err", sendErr)
		}
		return
	}
	r.dispatch(ctx, ch, msg, msg.Content)
}

var errNoTranscriber = errors.New("no transcription provider configured")

// transcribe downloads the first attachment and returns its transcript.
// An empty transcript counts as a failure.
func (r *Router) transcribe(ctx context.Context, ch domain.Channel, msg *domain.ChannelMessage) (string, error) {
	if r.transcriber == nil {
		return "", errNoTranscriber
	}
	att := msg.Attachments[0]
	file, err := ch.DownloadAttachment(ctx, att)
	if err != nil {
		return "", fmt.Errorf("download attachment: %w", err)
	}
	if file == nil || len(file.Data) == 0 {
		return "", errors.New("download attachment: empty file")
	}

	name := file.FileName
	if name == "" {
		name = att.FileName
	}
	if name == "" {
		name = string(msg.MessageType) + "_" + msg.ID
	}

	res, err := r.transcriber.Transcribe(ctx, file.Data, name)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(res.Text)
	if text == "" {
		return "", errors.New("empty transcript")
	}
	return text, nil
}

// dispatch trims text, drops it when empty and hands it to the active backend.
func (r *Router) dispatch(ctx context.Context, ch domain.Channel, msg *domain.ChannelMessage, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		r.logger.Debug("dropping empty message", "channel", ch.ID(), "message_id", msg.ID)
		emit(ctx, r.bus, r.logger, domain.EventMessageDropped, map[string]any{
			"channelId": msg.ChannelID,
			"messageId": msg.ID,
			"reason":    "empty",
		})
		return
	}

	if r.dialog != nil {
		r.routeToSession(ctx, ch, msg, text)
		return
	}
	if !r.legacy.Enqueue(LegacyItem{Message: msg, Channel: ch, Text: text}) {
		r.logger.Debug("legacy handler stopped, message ignored", "message_id", msg.ID)
	}
}

func (r *Router) routeToSession(ctx context.Context, ch domain.Channel, msg *domain.ChannelMessage, text string) {
	key := msg.RoutingKey()
	sess, created, ok := r.session(ch, msg)
	if !ok {
		r.logger.Debug("router stopping, message ignored", "routing_key", key)
		return
	}
	if created {
		r.logger.Info("session created", "routing_key", key)
		emit(ctx, r.bus, r.logger, domain.EventSessionCreated, map[string]any{
			"routingKey": key,
			"channelId":  msg.ChannelID,
			"chatId":     msg.ChatID(),
		})
	}

	r.goTracked(func() {
		if err := sess.HandleMessage(r.ctx, text, msg); err != nil {
			r.logger.Error("session failed to handle message", "routing_key", key, "message_id", msg.ID, "err", err)
		}
	})
}

// session returns the session for msg's routing key, creating it if needed.
// Lookup, creation and the activity update happen under one lock so a key
// never gets two sessions.
func (r *Router) session(ch domain.Channel, msg *domain.ChannelMessage) (domain.ChatSession, bool, bool) {
	key := msg.RoutingKey()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return nil, false, false
	}

	if rec, ok := r.sessions[key]; ok {
		rec.lastActive = r.now()
		return rec.session, false, true
	}

	sess := r.dialog.NewSession(SessionParams{
		RoutingKey: key,
		ChatID:     msg.ChatID(),
		Channel:    ch,
		Storage:    r.dialog.Storage,
		Bus:        r.bus,
		Config:     r.dialog.Config,
		Provider:   r.dialog.Provider,
		TaskRunner: r.runner,
	})
	r.sessions[key] = &sessionRecord{session: sess, lastActive: r.now()}
	return sess, true, true
}

// SessionCount returns the number of live dialog sessions.
func (r *Router) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Router) sweepLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.SweepIdle()
		}
	}
}

// SweepIdle stops and removes every session idle for longer than the idle
// timeout. It returns the number of sessions evicted.
func (r *Router) SweepIdle() int {
	now := r.now()

	r.mu.Lock()
	expired := make(map[string]domain.ChatSession)
	for key, rec := range r.sessions {
		if now.Sub(rec.lastActive) > r.idleTimeout {
			expired[key] = rec.session
			delete(r.sessions, key)
		}
	}
	r.mu.Unlock()

	for key, sess := range expired {
		r.stopSession(key, sess)
		r.logger.Info("session evicted", "routing_key", key, "idle_timeout", r.idleTimeout)
		emit(r.ctx, r.bus, r.logger, domain.EventSessionEvicted, map[string]any{
			"routingKey": key,
			"reason":     "idle",
		})
	}
	return len(expired)
}

func (r *Router) stopSession(key string, sess domain.ChatSession) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("session stop panic", "routing_key", key, "panic", p)
		}
	}()
	sess.Stop()
}

func (r *Router) onChannelError(ctx context.Context, ch domain.Channel, err error) {
	if err == nil {
		return
	}
	r.logger.Error("channel error", "channel", ch.ID(), "type", ch.Type(), "err", err)
	emit(ctx, r.bus, r.logger, domain.EventChannelError, map[string]any{
		"channelId":   ch.ID(),
		"channelType": ch.Type(),
		"error":       err.Error(),
	})
}

// emit publishes to the event bus and only logs failures.
func emit(ctx context.Context, bus domain.EventBus, logger *slog.Logger, name string, payload map[string]any) {
	if bus == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			logger.Warn("event bus panic", "event", name, "panic", p)
		}
	}()
	if err := bus.Emit(ctx, name, payload); err != nil {
		logger.Debug("event emit failed", "event", name, "err", err)
	}
}

type discardBus struct{}

func (discardBus) Emit(context.Context, string, map[string]any) error { return nil }
