package agent

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"chatrelay/internal/domain"
)

// EngineConfig holds the dependencies of the legacy-mode conversation engine.
type EngineConfig struct {
	Provider    domain.Provider
	Storage     domain.Storage
	Settings    ChatSettings
	RateLimiter *RateLimiter // optional
	Logger      *slog.Logger
}

// Engine answers one message per Run with a single completion over the
// stored history of the engine session.
type Engine struct {
	provider domain.Provider
	history  *History
	settings ChatSettings
	limiter  *RateLimiter
	logger   *slog.Logger
}

var _ domain.ConversationEngine = (*Engine)(nil)

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Provider == nil || cfg.Storage == nil {
		return nil, errors.New("engine needs a provider and storage")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Settings.HistoryLimit <= 0 {
		cfg.Settings.HistoryLimit = defaultHistoryLimit
	}
	return &Engine{
		provider: cfg.Provider,
		history:  NewHistory(cfg.Storage, cfg.Logger),
		settings: cfg.Settings,
		limiter:  cfg.RateLimiter,
		logger:   cfg.Logger,
	}, nil
}

// Run answers text. An empty opts.SessionID starts a new conversation whose
// id is returned in the result.
func (e *Engine) Run(ctx context.Context, text string, opts domain.RunOptions) (*domain.RunResult, error) {
	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	if err := e.history.Ensure(ctx, domain.Conversation{ID: sessionID, Title: generateTitle(text)}); err != nil {
		return nil, err
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	resp, err := e.history.Complete(ctx, e.provider, e.settings, sessionID, text)
	if err != nil {
		return nil, err
	}

	e.logger.Info("engine run complete",
		"session", sessionID,
		"provider", e.provider.Name(),
		"tokens", resp.Usage.Total(),
		"latency_ms", resp.LatencyMs,
	)
	return &domain.RunResult{Response: resp.Content, SessionID: sessionID, Usage: resp.Usage}, nil
}
