package provider

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatrelay/internal/config"
	"chatrelay/internal/domain"
)

// ProviderConstructor creates a chat provider from a config entry.
type ProviderConstructor func(pc config.ProviderConfig, logger *slog.Logger) domain.Provider

// Factory builds chat providers from config by type name.
type Factory struct {
	logger       *slog.Logger
	mu           sync.RWMutex
	constructors map[string]ProviderConstructor
}

// NewFactory creates a provider factory with the built-in constructors registered.
func NewFactory(logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Factory{logger: logger, constructors: make(map[string]ProviderConstructor)}
	f.registerDefaults()
	return f
}

// RegisterConstructor adds (or replaces) a provider constructor by type name.
func (f *Factory) RegisterConstructor(name string, ctor ProviderConstructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[name] = ctor
}

func (f *Factory) registerDefaults() {
	f.constructors["openai"] = func(pc config.ProviderConfig, logger *slog.Logger) domain.Provider {
		return NewOpenAI(APIConfig{APIKey: pc.APIKey, APIBase: pc.APIBase, Model: pc.Model, Logger: logger})
	}
	// Ollama serves an OpenAI-compatible API under /v1.
	f.constructors["ollama"] = func(pc config.ProviderConfig, logger *slog.Logger) domain.Provider {
		base := pc.APIBase
		if base == "" {
			base = "http://localhost:11434/v1"
		}
		return NewOpenAI(APIConfig{APIKey: pc.APIKey, APIBase: base, Model: pc.Model, Logger: logger})
	}
	f.constructors["claude"] = func(pc config.ProviderConfig, logger *slog.Logger) domain.Provider {
		return NewClaude(APIConfig{APIKey: pc.APIKey, APIBase: pc.APIBase, Model: pc.Model, Logger: logger})
	}
}

// Build returns the provider described by pc. When pc lists fallbacks the
// result is a FailoverProvider over pc followed by its fallbacks.
func (f *Factory) Build(pc config.ProviderConfig) (domain.Provider, error) {
	primary, err := f.build(pc)
	if err != nil {
		return nil, err
	}
	if len(pc.Fallbacks) == 0 {
		return primary, nil
	}
	chain := []domain.Provider{primary}
	for i, fb := range pc.Fallbacks {
		p, err := f.build(fb)
		if err != nil {
			return nil, fmt.Errorf("fallback %d: %w", i, err)
		}
		chain = append(chain, p)
	}
	return NewFailoverProvider(chain, f.logger), nil
}

func (f *Factory) build(pc config.ProviderConfig) (domain.Provider, error) {
	f.mu.RLock()
	ctor, ok := f.constructors[pc.Type]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider type: %q", pc.Type)
	}
	return ctor(pc, f.logger.With("provider", pc.Type)), nil
}

// NewTranscriber builds the Whisper transcriber from config, or returns nil
// when transcription is disabled.
func NewTranscriber(tc config.TranscriptionConfig, logger *slog.Logger) domain.Transcriber {
	if !tc.Enabled {
		return nil
	}
	retry := DefaultRetryPolicy()
	retry.MaxRetries = tc.MaxRetries
	return NewWhisperProvider(WhisperConfig{
		APIBase:        tc.APIBase,
		APIKey:         tc.APIKey,
		Model:          tc.Model,
		Language:       tc.Language,
		ResponseFormat: tc.ResponseFormat,
		Timeout:        time.Duration(tc.TimeoutSeconds) * time.Second,
		Retry:          &retry,
		Logger:         logger,
	})
}
