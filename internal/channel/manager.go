package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"chatrelay/internal/domain"
)

var (
	ErrChannelExists   = errors.New("channel already registered")
	ErrChannelNotFound = errors.New("channel not found")
)

// ChannelFailure records why one channel failed to connect.
type ChannelFailure struct {
	ChannelID string
	Err       error
}

// ConnectError aggregates every connection failure of a ConnectAll call.
type ConnectError struct {
	Failures []ChannelFailure
}

func (e *ConnectError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("%s: %v", f.ChannelID, f.Err)
	}
	return "failed to connect channels: " + strings.Join(parts, "; ")
}

func (e *ConnectError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

// Manager is the registry of channels known to the router.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]domain.Channel
	order    []string
	logger   *slog.Logger
}

func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		channels: make(map[string]domain.Channel),
		logger:   logger,
	}
}

// Register adds ch. It fails if a channel with the same id is registered.
func (m *Manager) Register(ch domain.Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := ch.ID()
	if _, ok := m.channels[id]; ok {
		return fmt.Errorf("register %s: %w", id, ErrChannelExists)
	}
	m.channels[id] = ch
	m.order = append(m.order, id)
	m.logger.Debug("channel registered", "channel", id, "type", ch.Type())
	return nil
}

// Unregister removes the channel with the given id and reports whether it existed.
func (m *Manager) Unregister(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.channels[id]; !ok {
		return false
	}
	delete(m.channels, id)
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true
}

func (m *Manager) Get(id string) (domain.Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[id]
	return ch, ok
}

// List returns the registered channels in registration order.
func (m *Manager) List() []domain.Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Channel, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.channels[id])
	}
	return out
}

// ConnectAll connects every registered channel that has an entry in configs.
// Channels without a config are skipped. One failing channel does not stop
// the others; all failures are returned together as a *ConnectError.
func (m *Manager) ConnectAll(ctx context.Context, configs map[string]domain.ChannelConfig) error {
	var failures []ChannelFailure
	for _, ch := range m.List() {
		cfg, ok := configs[ch.ID()]
		if !ok {
			m.logger.Debug("no config for channel, skipping", "channel", ch.ID())
			continue
		}
		if err := ch.Connect(ctx, cfg); err != nil {
			m.logger.Error("channel connect failed", "channel", ch.ID(), "err", err)
			failures = append(failures, ChannelFailure{ChannelID: ch.ID(), Err: err})
			continue
		}
		m.logger.Info("channel connected", "channel", ch.ID(), "type", ch.Type())
	}
	if len(failures) > 0 {
		return &ConnectError{Failures: failures}
	}
	return nil
}

// DisconnectAll disconnects every connected channel. Individual errors are
// logged and do not prevent the remaining channels from disconnecting.
func (m *Manager) DisconnectAll(ctx context.Context) {
	for _, ch := range m.List() {
		if !ch.Connected() {
			continue
		}
		if err := ch.Disconnect(ctx); err != nil {
			m.logger.Warn("channel disconnect failed", "channel", ch.ID(), "err", err)
			continue
		}
		m.logger.Info("channel disconnected", "channel", ch.ID())
	}
}
