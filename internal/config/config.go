package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"chatrelay/internal/domain"

	"gopkg.in/yaml.v3"
)

// Router modes.
const (
	ModeLegacy = "legacy"
	ModeDialog = "dialog"
)

// Config is the root configuration for chatrelay.
type Config struct {
	General       GeneralConfig       `json:"general" yaml:"general"`
	Router        RouterConfig        `json:"router" yaml:"router"`
	Channels      []ChannelEntry      `json:"channels" yaml:"channels"`
	Transcription TranscriptionConfig `json:"transcription" yaml:"transcription"`
	Provider      ProviderConfig      `json:"provider" yaml:"provider"`
	Memory        MemoryConfig        `json:"memory" yaml:"memory"`
	Metrics       MetricsConfig       `json:"metrics" yaml:"metrics"`
}

type GeneralConfig struct {
	LogLevel  string `json:"logLevel" yaml:"logLevel"`
	LogFormat string `json:"logFormat" yaml:"logFormat"` // "text" | "json"
	LogFile   string `json:"logFile,omitempty" yaml:"logFile,omitempty"`
	DataDir   string `json:"dataDir" yaml:"dataDir"`
}

type RouterConfig struct {
	Mode                   string `json:"mode" yaml:"mode"` // "legacy" | "dialog"
	IdleTimeoutMinutes     int    `json:"idleTimeoutMinutes" yaml:"idleTimeoutMinutes"`
	SweepIntervalMinutes   int    `json:"sweepIntervalMinutes" yaml:"sweepIntervalMinutes"`
	ShutdownTimeoutSeconds int    `json:"shutdownTimeoutSeconds" yaml:"shutdownTimeoutSeconds"`
}

// ChannelEntry configures one channel instance. Several entries may share a type.
type ChannelEntry struct {
	ID        string            `json:"id" yaml:"id"`
	Type      string            `json:"type" yaml:"type"` // telegram | discord | slack | websocket | webhook | cli
	Enabled   bool              `json:"enabled" yaml:"enabled"`
	Token     string            `json:"token,omitempty" yaml:"token,omitempty"`
	AppToken  string            `json:"appToken,omitempty" yaml:"appToken,omitempty"`
	AllowFrom FlexStringList    `json:"allowFrom,omitempty" yaml:"allowFrom,omitempty"`
	ParseMode string            `json:"parseMode,omitempty" yaml:"parseMode,omitempty"`
	GuildID   string            `json:"guildId,omitempty" yaml:"guildId,omitempty"`
	Extra     map[string]string `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

type TranscriptionConfig struct {
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	APIBase        string `json:"apiBase" yaml:"apiBase"`
	APIKey         string `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	Model          string `json:"model" yaml:"model"`
	Language       string `json:"language,omitempty" yaml:"language,omitempty"`
	ResponseFormat string `json:"responseFormat" yaml:"responseFormat"` // json | verbose_json | text
	TimeoutSeconds int    `json:"timeoutSeconds" yaml:"timeoutSeconds"`
	MaxRetries     int    `json:"maxRetries" yaml:"maxRetries"`
}

type ProviderConfig struct {
	Type         string           `json:"type" yaml:"type"` // openai | claude | ollama
	APIBase      string           `json:"apiBase,omitempty" yaml:"apiBase,omitempty"`
	APIKey       string           `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	Model        string           `json:"model,omitempty" yaml:"model,omitempty"`
	MaxTokens    int              `json:"maxTokens,omitempty" yaml:"maxTokens,omitempty"`
	Temperature  float64          `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	SystemPrompt string           `json:"systemPrompt,omitempty" yaml:"systemPrompt,omitempty"`
	Fallbacks    []ProviderConfig `json:"fallbacks,omitempty" yaml:"fallbacks,omitempty"`
}

type MemoryConfig struct {
	DBPath       string `json:"dbPath" yaml:"dbPath"`
	HistoryLimit int    `json:"historyLimit" yaml:"historyLimit"`
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Listen   string `json:"listen" yaml:"listen"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// ConnectConfigs returns the connect configuration of every enabled channel, keyed by id.
func (c *Config) ConnectConfigs() map[string]domain.ChannelConfig {
	out := make(map[string]domain.ChannelConfig, len(c.Channels))
	for _, ch := range c.Channels {
		if !ch.Enabled {
			continue
		}
		out[ch.ID] = domain.ChannelConfig{
			Token:     ch.Token,
			AppToken:  ch.AppToken,
			AllowFrom: []string(ch.AllowFrom),
			ParseMode: ch.ParseMode,
			GuildID:   ch.GuildID,
			Extra:     ch.Extra,
		}
	}
	return out
}

func (r RouterConfig) IdleTimeout() time.Duration {
	return time.Duration(r.IdleTimeoutMinutes) * time.Minute
}

func (r RouterConfig) SweepInterval() time.Duration {
	return time.Duration(r.SweepIntervalMinutes) * time.Minute
}

func (r RouterConfig) ShutdownTimeout() time.Duration {
	return time.Duration(r.ShutdownTimeoutSeconds) * time.Second
}

// DefaultConfigDir returns the default config directory (~/.chatrelay).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatrelay"
	}
	return filepath.Join(home, ".chatrelay")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	// Channel entries are never merged with the default list.
	cfg.Channels = nil
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Memory.DBPath = ExpandPath(cfg.Memory.DBPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

// Save writes cfg to path, as YAML when the extension is .yaml/.yml and JSON otherwise.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	// Configs carry bot tokens.
	return os.WriteFile(path, data, 0o600)
}

var channelTypes = map[string]bool{
	"telegram": true, "discord": true, "slack": true,
	"websocket": true, "webhook": true, "cli": true,
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	switch cfg.General.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, "general.logFormat must be one of: text, json")
	}

	switch cfg.Router.Mode {
	case ModeLegacy, ModeDialog:
	default:
		errs = append(errs, "router.mode must be one of: legacy, dialog")
	}
	if cfg.Router.IdleTimeoutMinutes < 1 {
		errs = append(errs, "router.idleTimeoutMinutes must be >= 1")
	}
	if cfg.Router.SweepIntervalMinutes < 1 {
		errs = append(errs, "router.sweepIntervalMinutes must be >= 1")
	}
	if cfg.Router.ShutdownTimeoutSeconds < 1 {
		errs = append(errs, "router.shutdownTimeoutSeconds must be >= 1")
	}

	seen := make(map[string]bool)
	for i, ch := range cfg.Channels {
		if ch.ID == "" {
			errs = append(errs, fmt.Sprintf("channels[%d].id is required", i))
		} else if seen[ch.ID] {
			errs = append(errs, fmt.Sprintf("channels[%d]: duplicate id %q", i, ch.ID))
		}
		seen[ch.ID] = true
		if !channelTypes[ch.Type] {
			errs = append(errs, fmt.Sprintf("channels[%d]: unknown type %q", i, ch.Type))
		}
		if !ch.Enabled {
			continue
		}
		switch ch.Type {
		case "telegram", "discord":
			if ch.Token == "" {
				errs = append(errs, fmt.Sprintf("channels.%s: token is required", ch.ID))
			}
		case "slack":
			if ch.Token == "" || ch.AppToken == "" {
				errs = append(errs, fmt.Sprintf("channels.%s: token and appToken are required", ch.ID))
			}
		}
	}

	if cfg.Transcription.Enabled {
		switch cfg.Transcription.ResponseFormat {
		case "json", "verbose_json", "text":
		default:
			errs = append(errs, "transcription.responseFormat must be one of: json, verbose_json, text")
		}
		if cfg.Transcription.TimeoutSeconds < 1 {
			errs = append(errs, "transcription.timeoutSeconds must be >= 1")
		}
		if cfg.Transcription.MaxRetries < 0 {
			errs = append(errs, "transcription.maxRetries must be >= 0")
		}
	}

	errs = append(errs, validateProvider("provider", cfg.Provider)...)
	for i, fb := range cfg.Provider.Fallbacks {
		errs = append(errs, validateProvider(fmt.Sprintf("provider.fallbacks[%d]", i), fb)...)
	}

	if cfg.Memory.HistoryLimit < 1 {
		errs = append(errs, "memory.historyLimit must be >= 1")
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		errs = append(errs, "metrics.listen is required when metrics are enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func validateProvider(path string, pc ProviderConfig) []string {
	var errs []string
	switch pc.Type {
	case "openai", "claude", "ollama":
	default:
		errs = append(errs, path+".type must be one of: openai, claude, ollama")
	}
	if pc.Temperature < 0 || pc.Temperature > 2 {
		errs = append(errs, path+".temperature must be between 0 and 2")
	}
	if pc.MaxTokens < 0 {
		errs = append(errs, path+".maxTokens must be >= 0")
	}
	return errs
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
