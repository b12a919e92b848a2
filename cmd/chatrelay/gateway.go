package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"chatrelay/internal/agent"
	"chatrelay/internal/bus"
	"chatrelay/internal/channel"
	"chatrelay/internal/config"
	"chatrelay/internal/domain"
	"chatrelay/internal/memory"
	"chatrelay/internal/metrics"
	"chatrelay/internal/provider"
	"chatrelay/internal/router"
)

const eventQueueSize = 256

func gatewayCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Connect all enabled channels and route their messages",
		Long:  "Starts every enabled channel and the router in legacy or dialog mode. Press Ctrl+C to stop.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if mode != "" {
				cfg.Router.Mode = mode
				if err := config.Validate(cfg); err != nil {
					return err
				}
			}
			closeLog, err := setupLogger(cfg.General)
			if err != nil {
				return err
			}
			defer closeLog()
			return runGateway(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "override router.mode (legacy | dialog)")
	return cmd
}

// buildChannel creates the adapter for one config entry.
func buildChannel(entry config.ChannelEntry, log *slog.Logger) (domain.Channel, error) {
	switch entry.Type {
	case "telegram":
		return channel.NewTelegram(entry.ID, log), nil
	case "discord":
		return channel.NewDiscord(entry.ID, log), nil
	case "slack":
		return channel.NewSlack(entry.ID, log), nil
	case "websocket":
		return channel.NewWebSocket(entry.ID, log), nil
	case "webhook":
		return channel.NewWebhook(entry.ID, log), nil
	case "cli":
		return channel.NewCLI(entry.ID, os.Stdin, os.Stdout, log), nil
	default:
		return nil, fmt.Errorf("channel %s: unknown type %q", entry.ID, entry.Type)
	}
}

func runGateway(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Event bus: router emits go through a bounded queue so a slow
	// subscriber never stalls message handling.
	eventBus := bus.NewEventBus(logger)
	asyncBus := bus.NewAsync(eventBus, eventQueueSize, logger)

	collector := metrics.NewCollector()
	unobserve := collector.Observe(eventBus)
	defer unobserve()

	if err := os.MkdirAll(cfg.General.DataDir, 0o755); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}
	store, err := memory.NewSQLiteStore(cfg.Memory.DBPath, logger)
	if err != nil {
		return fmt.Errorf("memory store: %w", err)
	}
	defer store.Close()

	llm, err := provider.NewFactory(logger).Build(cfg.Provider)
	if err != nil {
		return fmt.Errorf("provider: %w", err)
	}
	if err := llm.Healthy(ctx); err != nil {
		logger.Warn("provider unhealthy at startup", "provider", llm.Name(), "err", err)
	} else {
		logger.Info("provider healthy", "provider", llm.Name())
	}

	manager := channel.NewManager(logger)
	for _, entry := range cfg.Channels {
		if !entry.Enabled {
			logger.Info("channel disabled", "channel", entry.ID, "type", entry.Type)
			continue
		}
		ch, err := buildChannel(entry, logger)
		if err != nil {
			return err
		}
		if err := manager.Register(ch); err != nil {
			return err
		}
	}
	if len(manager.List()) == 0 {
		return errors.New("no channels enabled")
	}

	var mode router.Mode
	switch cfg.Router.Mode {
	case config.ModeDialog:
		mode = router.DialogMode{
			Storage:       store,
			Provider:      llm,
			Config:        cfg,
			NewSession:    agent.SessionFactory(logger),
			NewTaskRunner: agent.TaskRunnerFactory(logger),
		}
	default:
		engine, err := agent.NewEngine(agent.EngineConfig{
			Provider:    llm,
			Storage:     store,
			Settings:    agent.SettingsFromConfig(cfg),
			RateLimiter: agent.NewRateLimiter(10, 30),
			Logger:      logger,
		})
		if err != nil {
			return err
		}
		mode = router.LegacyMode{Engine: engine}
	}

	r, err := router.New(router.Config{
		Channels:      manager,
		Mode:          mode,
		Bus:           asyncBus,
		Transcriber:   provider.NewTranscriber(cfg.Transcription, logger),
		IdleTimeout:   cfg.Router.IdleTimeout(),
		SweepInterval: cfg.Router.SweepInterval(),
		Logger:        logger.With("component", "router"),
	})
	if err != nil {
		return err
	}

	// The router subscribes before channels connect so no early message is lost.
	if err := r.Start(ctx); err != nil {
		return err
	}
	if err := manager.ConnectAll(ctx, cfg.ConnectConfigs()); err != nil {
		var ce *channel.ConnectError
		if !errors.As(err, &ce) || len(ce.Failures) == len(manager.List()) {
			shutdown(r, asyncBus, cfg.Router.ShutdownTimeout())
			return err
		}
		logger.Warn("some channels failed to connect", "err", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Endpoint, collector.Handler())
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			logger.Info("metrics listening", "addr", cfg.Metrics.Listen, "path", cfg.Metrics.Endpoint)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down gateway...")
		return shutdown(r, asyncBus, cfg.Router.ShutdownTimeout())
	})

	logger.Info("gateway started. Press Ctrl+C to stop.", "mode", r.ModeName(), "channels", len(manager.List()))
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// shutdown stops the router and drains the event queue within timeout.
func shutdown(r *router.Router, events *bus.AsyncBus, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := r.Stop(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("shutdown timed out, abandoning in-flight messages")
		err = nil
	}
	if cerr := events.Close(ctx); cerr != nil {
		logger.Warn("event queue not drained", "err", cerr)
	}
	return err
}
