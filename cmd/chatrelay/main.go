package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"chatrelay/internal/config"
	"chatrelay/internal/provider"
)

var (
	version    = "0.1.0"
	logger     = slog.Default()
	configPath string
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "chatrelay",
		Short:        "Relay chat channel messages to an LLM backend",
		Long:         "chatrelay connects Telegram, Discord, Slack, WebSocket, webhook and CLI channels to an LLM, one conversation per chat.",
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"config file, .json or .yaml (default ~/.chatrelay/config.json)")

	root.AddCommand(
		initCmd(),
		gatewayCmd(),
		transcribeCmd(),
		channelsCmd(),
		configCmd(),
		doctorCmd(),
		historyCmd(),
	)
	return root
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// loadConfig reads the file selected by --config.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// setupLogger swaps the bootstrap logger for one built from gc and makes it
// the slog default. The returned func closes the log file, if any.
func setupLogger(gc config.GeneralConfig) (func() error, error) {
	var level slog.Level
	if level.UnmarshalText([]byte(gc.LogLevel)) != nil {
		level = slog.LevelInfo
	}

	sink := io.Writer(os.Stderr)
	release := func() error { return nil }
	if gc.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(gc.LogFile), 0o755); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(gc.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		sink, release = io.MultiWriter(os.Stderr, f), f.Close
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(gc.LogFormat, "json") {
		handler = slog.NewJSONHandler(sink, opts)
	} else {
		handler = slog.NewTextHandler(sink, opts)
	}
	logger = slog.New(handler)
	slog.SetDefault(logger)
	return release, nil
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			target := config.ExpandPath(resolveConfigPath())
			if _, err := os.Stat(target); err == nil && !force {
				return fmt.Errorf("%s exists, pass --force to replace it", target)
			}
			cfg := config.Defaults()
			if err := config.Save(target, cfg); err != nil {
				return err
			}
			dataDir := config.ExpandPath(cfg.General.DataDir)
			if err := os.MkdirAll(dataDir, 0o755); err != nil {
				return err
			}
			logger.Info("config written", "config", target, "data_dir", dataDir)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing config")
	return cmd
}

func transcribeCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "transcribe <audio-file>",
		Short: "Run one audio file through the speech-to-text backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tc := cfg.Transcription
			tc.Enabled = true

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			res, err := provider.TranscribeFile(ctx, provider.NewTranscriber(tc, logger), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Text)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "limit for the whole run, retries included")
	return cmd
}

func channelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "channels",
		Short: "List configured channels",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if len(cfg.Channels) == 0 {
				fmt.Fprintln(w, "no channels configured")
				return nil
			}
			fmt.Fprintf(w, "%-16s %-10s %-8s %s\n", "ID", "TYPE", "ENABLED", "ALLOW FROM")
			for _, ch := range cfg.Channels {
				allow := strings.Join(ch.AllowFrom, ",")
				if allow == "" {
					allow = "everyone"
				}
				fmt.Fprintf(w, "%-16s %-10s %-8t %s\n", ch.ID, ch.Type, ch.Enabled, allow)
			}
			return nil
		},
	}
}
