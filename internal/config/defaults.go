package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:  "info",
			LogFormat: "text",
			DataDir:   "~/.chatrelay",
		},
		Router: RouterConfig{
			Mode:                   ModeLegacy,
			IdleTimeoutMinutes:     30,
			SweepIntervalMinutes:   5,
			ShutdownTimeoutSeconds: 15,
		},
		Channels: []ChannelEntry{
			{
				ID:        "telegram",
				Type:      "telegram",
				Enabled:   false,
				Token:     "${TELEGRAM_BOT_TOKEN}",
				ParseMode: "Markdown",
			},
		},
		Transcription: TranscriptionConfig{
			Enabled:        false,
			APIBase:        "https://api.openai.com/v1",
			APIKey:         "${OPENAI_API_KEY}",
			Model:          "whisper-1",
			ResponseFormat: "json",
			TimeoutSeconds: 120,
			MaxRetries:     3,
		},
		Provider: ProviderConfig{
			Type:         "openai",
			APIBase:      "https://api.openai.com/v1",
			APIKey:       "${OPENAI_API_KEY}",
			Model:        "gpt-4o-mini",
			MaxTokens:    1024,
			SystemPrompt: "You are a helpful assistant replying in a chat app. Keep answers short.",
		},
		Memory: MemoryConfig{
			DBPath:       "~/.chatrelay/chatrelay.db",
			HistoryLimit: 40,
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Listen:   "127.0.0.1:9100",
			Endpoint: "/metrics",
		},
	}
}
