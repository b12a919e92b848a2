package router

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"chatrelay/internal/domain"
)

// LegacyItem is one queued unit of work for the legacy handler.
type LegacyItem struct {
	Message *domain.ChannelMessage
	Channel domain.Channel
	Text    string
}

// LegacyHandler processes messages from every channel and chat through one
// FIFO queue, one at a time. A slow engine call for one chat delays all others.
type LegacyHandler struct {
	engine domain.ConversationEngine
	bus    domain.EventBus
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	queue      []LegacyItem
	processing bool
	stopped    bool
	drainDone  chan struct{}

	// Engine session id per routing key. Only the drain goroutine touches it.
	sessionIDs map[string]string
}

// NewLegacyHandler returns a handler that runs every item through engine.
func NewLegacyHandler(engine domain.ConversationEngine, bus domain.EventBus, logger *slog.Logger) *LegacyHandler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LegacyHandler{
		engine:     engine,
		bus:        bus,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		sessionIDs: make(map[string]string),
	}
}

// Enqueue appends item and starts the drain loop if it is not running.
// It reports false when the handler is stopped.
func (h *LegacyHandler) Enqueue(item LegacyItem) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return false
	}
	h.queue = append(h.queue, item)
	if !h.processing {
		h.processing = true
		h.drainDone = make(chan struct{})
		go h.drain(h.drainDone)
	}
	return true
}

// Pending returns the number of queued items not yet picked up.
func (h *LegacyHandler) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queue)
}

func (h *LegacyHandler) drain(done chan struct{}) {
	defer close(done)
	for {
		h.mu.Lock()
		if h.stopped || len(h.queue) == 0 {
			h.processing = false
			h.mu.Unlock()
			return
		}
		item := h.queue[0]
		h.queue[0] = LegacyItem{}
		h.queue = h.queue[1:]
		h.mu.Unlock()

		h.process(item)
	}
}

func (h *LegacyHandler) isStopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

func (h *LegacyHandler) process(item LegacyItem) {
	msg := item.Message
	key := msg.RoutingKey()
	chatID := msg.ChatID()
	log := h.logger.With("routing_key", key, "message_id", msg.ID)

	defer func() {
		if r := recover(); r != nil {
			log.Error("legacy handler panic", "panic", r)
		}
	}()

	res, err := h.engine.Run(h.ctx, item.Text, domain.RunOptions{SessionID: h.sessionIDs[key]})
	if err != nil {
		h.reportError(item, chatID, err, log)
		return
	}
	if res.SessionID != "" {
		h.sessionIDs[key] = res.SessionID
	}

	// A reply that finishes after Stop is never delivered.
	if h.isStopped() {
		log.Debug("handler stopped, discarding reply")
		return
	}
	if strings.TrimSpace(res.Response) == "" {
		log.Debug("engine returned empty response")
		return
	}

	sentID, err := item.Channel.SendText(h.ctx, chatID, res.Response, domain.SendOptions{ReplyToID: msg.ID})
	if err != nil {
		h.reportError(item, chatID, err, log)
		return
	}
	emit(h.ctx, h.bus, h.logger, domain.EventMessageSent, map[string]any{
		"channelId":  msg.ChannelID,
		"chatId":     chatID,
		"routingKey": key,
		"messageId":  sentID,
		"replyTo":    msg.ID,
		"mode":       "legacy",
	})
}

// reportError tells the chat what went wrong in user terms. Delivery failures
// here are only logged.
func (h *LegacyHandler) reportError(item LegacyItem, chatID string, err error, log *slog.Logger) {
	log.Error("legacy processing failed", "err", err)
	if h.isStopped() {
		return
	}
	text := ClassifyError(err)
	if _, sendErr := item.Channel.SendText(h.ctx, chatID, text, domain.SendOptions{ReplyToID: item.Message.ID}); sendErr != nil {
		log.Warn("failed to deliver error message", "err", sendErr)
	}
}

// Stop marks the handler stopped, discards queued items and cancels the item
// in flight. It does not wait; use Wait for that.
func (h *LegacyHandler) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	dropped := len(h.queue)
	h.queue = nil
	h.mu.Unlock()

	h.cancel()
	if dropped > 0 {
		h.logger.Info("legacy queue discarded", "dropped", dropped)
	}
}

// Wait blocks until the drain loop has exited or ctx is done.
func (h *LegacyHandler) Wait(ctx context.Context) error {
	h.mu.Lock()
	done := h.drainDone
	h.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
