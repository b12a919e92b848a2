package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"chatrelay/internal/config"
	"chatrelay/internal/memory"
	"chatrelay/internal/provider"
)

// doctorReport prints check results and counts them.
type doctorReport struct {
	w                      io.Writer
	passed, warned, failed int
}

func (r *doctorReport) pass(check, detail string) {
	r.passed++
	fmt.Fprintf(r.w, "  [PASS] %-24s %s\n", check, detail)
}

func (r *doctorReport) fail(check, detail string) {
	r.failed++
	fmt.Fprintf(r.w, "  [FAIL] %-24s %s\n", check, detail)
}

func (r *doctorReport) warn(check, detail string) {
	r.warned++
	fmt.Fprintf(r.w, "  [WARN] %-24s %s\n", check, detail)
}

func doctorCmd() *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your chatrelay installation",
		Long: `Verifies that the configuration, database, provider, transcription
and channel settings are usable. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rep := &doctorReport{w: cmd.OutOrStdout()}
			fmt.Fprintf(rep.w, "chatrelay doctor v%s\n\n", version)

			cfgPath := config.ExpandPath(resolveConfigPath())
			if _, err := os.Stat(cfgPath); err != nil {
				rep.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Fprintf(rep.w, "\nRun 'chatrelay init' to create a default configuration.\n")
				return fmt.Errorf("config file missing")
			}
			rep.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				rep.fail("Config validation", err.Error())
				return fmt.Errorf("config invalid")
			}
			rep.pass("Config validation", "valid, mode "+cfg.Router.Mode)

			runDoctorChecks(cmd.Context(), rep, cfg, offline)

			fmt.Fprintf(rep.w, "\nResults: %d passed, %d warnings, %d failed\n", rep.passed, rep.warned, rep.failed)
			if rep.failed > 0 {
				return fmt.Errorf("%d check(s) failed", rep.failed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "skip the provider health request")
	return cmd
}

func runDoctorChecks(ctx context.Context, rep *doctorReport, cfg *config.Config, offline bool) {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := os.MkdirAll(cfg.General.DataDir, 0o755); err != nil {
		rep.fail("Data directory", err.Error())
	} else {
		rep.pass("Data directory", cfg.General.DataDir)
	}

	if version, err := checkDatabase(ctx, cfg.Memory.DBPath); err != nil {
		rep.fail("Database", err.Error())
	} else {
		rep.pass("Database", fmt.Sprintf("%s (schema v%d)", cfg.Memory.DBPath, version))
	}

	llm, err := provider.NewFactory(logger).Build(cfg.Provider)
	switch {
	case err != nil:
		rep.fail("Provider", err.Error())
	case offline:
		rep.pass("Provider", llm.Name()+" (not contacted)")
	default:
		hctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := llm.Healthy(hctx); err != nil {
			rep.warn("Provider", fmt.Sprintf("%s unreachable: %v", llm.Name(), err))
		} else {
			rep.pass("Provider", llm.Name()+" healthy")
		}
		cancel()
	}

	tc := cfg.Transcription
	switch {
	case !tc.Enabled:
		rep.warn("Transcription", "disabled; voice messages get an apology")
	case tc.APIKey == "":
		rep.warn("Transcription", "enabled but no API key configured")
	default:
		rep.pass("Transcription", tc.Model+" at "+tc.APIBase)
	}

	enabled := 0
	for _, ch := range cfg.Channels {
		if !ch.Enabled {
			continue
		}
		enabled++
		name := "Channel " + ch.ID
		if ch.Type == "websocket" || ch.Type == "webhook" {
			if addr := ch.Extra["listen"]; addr != "" {
				if err := checkListen(addr); err != nil {
					rep.warn(name, fmt.Sprintf("%s may be in use: %v", addr, err))
					continue
				}
			}
		}
		rep.pass(name, ch.Type)
	}
	if enabled == 0 {
		rep.fail("Channels", "no channels enabled")
	}

	if cfg.Metrics.Enabled {
		if err := checkListen(cfg.Metrics.Listen); err != nil {
			rep.warn("Metrics listener", fmt.Sprintf("%s may be in use: %v", cfg.Metrics.Listen, err))
		} else {
			rep.pass("Metrics listener", cfg.Metrics.Listen+cfg.Metrics.Endpoint)
		}
	}
}

// checkDatabase opens the store, which creates and migrates the schema.
func checkDatabase(ctx context.Context, dbPath string) (int, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return 0, fmt.Errorf("cannot create database directory: %w", err)
	}
	store, err := memory.NewSQLiteStore(dbPath, logger)
	if err != nil {
		return 0, err
	}
	defer store.Close()
	return store.SchemaVersion(ctx)
}

func checkListen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}
