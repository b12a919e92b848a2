package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"chatrelay/internal/domain"
)

const defaultFailoverCooldown = 30 * time.Second

// FailoverProvider answers with the first member of an ordered chain that
// succeeds. A member that fails is demoted to the back of the order for a
// cooldown period, so a dead primary does not add its timeout to every turn.
type FailoverProvider struct {
	members  []*failoverMember
	cooldown time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

type failoverMember struct {
	provider domain.Provider

	mu        sync.Mutex
	downUntil time.Time
}

func (m *failoverMember) coolingDown(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return now.Before(m.downUntil)
}

func (m *failoverMember) markDown(until time.Time) {
	m.mu.Lock()
	m.downUntil = until
	m.mu.Unlock()
}

func (m *failoverMember) markUp() {
	m.mu.Lock()
	m.downUntil = time.Time{}
	m.mu.Unlock()
}

// NewFailoverProvider chains providers in priority order.
func NewFailoverProvider(providers []domain.Provider, logger *slog.Logger) *FailoverProvider {
	if logger == nil {
		logger = slog.Default()
	}
	members := make([]*failoverMember, len(providers))
	for i, p := range providers {
		members[i] = &failoverMember{provider: p}
	}
	return &FailoverProvider{
		members:  members,
		cooldown: defaultFailoverCooldown,
		logger:   logger,
		now:      time.Now,
	}
}

func (fp *FailoverProvider) Name() string {
	names := make([]string, len(fp.members))
	for i, m := range fp.members {
		names[i] = m.provider.Name()
	}
	return "failover(" + strings.Join(names, "→") + ")"
}

// Healthy succeeds when any member is healthy.
func (fp *FailoverProvider) Healthy(ctx context.Context) error {
	var errs []error
	for _, m := range fp.members {
		err := m.provider.Healthy(ctx)
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", m.provider.Name(), err))
	}
	return fmt.Errorf("no healthy provider in failover chain: %w", errors.Join(errs...))
}

// order returns members not cooling down, then the rest, each group in
// configured order.
func (fp *FailoverProvider) order() []*failoverMember {
	now := fp.now()
	ready := make([]*failoverMember, 0, len(fp.members))
	var cooling []*failoverMember
	for _, m := range fp.members {
		if m.coolingDown(now) {
			cooling = append(cooling, m)
		} else {
			ready = append(ready, m)
		}
	}
	return append(ready, cooling...)
}

// Chat returns the first successful response. A cancelled context stops the
// chain and is returned as is.
func (fp *FailoverProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if len(fp.members) == 0 {
		return nil, errors.New("failover chain is empty")
	}

	var errs []error
	for i, m := range fp.order() {
		name := m.provider.Name()
		resp, err := m.provider.Chat(ctx, req)
		if err == nil {
			m.markUp()
			if i > 0 {
				fp.logger.Info("failover: answered by fallback", "provider", name, "attempt", i+1)
			}
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		m.markDown(fp.now().Add(fp.cooldown))
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
		fp.logger.Warn("failover: provider failed", "provider", name, "attempt", i+1, "err", err)
	}
	return nil, fmt.Errorf("all providers in failover chain failed: %w", errors.Join(errs...))
}
