package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/config"
	"chatrelay/internal/domain"
	"chatrelay/internal/memory"
)

// writeConfig saves cfg to a temp file and points --config at it.
func writeConfig(t *testing.T, cfg *config.Config) string {
	t.Helper()
	dir := t.TempDir()
	cfg.General.DataDir = dir
	cfg.Memory.DBPath = filepath.Join(dir, "chatrelay.db")
	path := filepath.Join(dir, "config.json")
	require.NoError(t, config.Save(path, cfg))
	prev := configPath
	configPath = path
	t.Cleanup(func() { configPath = prev })
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	// rootCmd rebinds --config, which resets configPath.
	if configPath != "" {
		args = append([]string{"--config", configPath}, args...)
	}
	root := rootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestBuildChannel(t *testing.T) {
	for _, typ := range []string{"telegram", "discord", "slack", "websocket", "webhook", "cli"} {
		ch, err := buildChannel(config.ChannelEntry{ID: "x-" + typ, Type: typ}, logger)
		require.NoError(t, err, typ)
		assert.Equal(t, "x-"+typ, ch.ID())
		assert.Equal(t, typ, ch.Type())
	}

	_, err := buildChannel(config.ChannelEntry{ID: "bad", Type: "irc"}, logger)
	assert.Error(t, err)
}

func TestChannelsCommand(t *testing.T) {
	cfg := config.Defaults()
	cfg.Channels = []config.ChannelEntry{
		{ID: "tg", Type: "telegram", Enabled: true, Token: "t", AllowFrom: config.FlexStringList{"1", "2"}},
		{ID: "console", Type: "cli"},
	}
	writeConfig(t, cfg)

	out, err := runCLI(t, "channels")
	require.NoError(t, err)
	assert.Contains(t, out, "tg")
	assert.Contains(t, out, "1,2")
	assert.Contains(t, out, "everyone")
}

func TestConfigShowMasksSecrets(t *testing.T) {
	cfg := config.Defaults()
	cfg.Provider.APIKey = "sk-verysecretvalue123"
	writeConfig(t, cfg)

	out, err := runCLI(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "router.mode = legacy")
	assert.NotContains(t, out, "sk-verysecretvalue123")
}

func TestConfigSetAndGet(t *testing.T) {
	writeConfig(t, config.Defaults())

	_, err := runCLI(t, "config", "set", "router.mode", "dialog")
	require.NoError(t, err)

	out, err := runCLI(t, "config", "get", "router.mode")
	require.NoError(t, err)
	assert.Equal(t, `"dialog"`, strings.TrimSpace(out))

	_, err = runCLI(t, "config", "set", "router.mode", "bogus")
	assert.Error(t, err, "invalid values are rejected before saving")
}

func TestDoctorChecks(t *testing.T) {
	cfg := config.Defaults()
	cfg.Channels = []config.ChannelEntry{{ID: "console", Type: "cli", Enabled: true}}
	dir := t.TempDir()
	cfg.General.DataDir = dir
	cfg.Memory.DBPath = filepath.Join(dir, "db.sqlite")

	var out bytes.Buffer
	rep := &doctorReport{w: &out}
	runDoctorChecks(context.Background(), rep, cfg, true)

	assert.Zero(t, rep.failed, out.String())
	assert.Contains(t, out.String(), "[PASS] Database")
	assert.Contains(t, out.String(), "[PASS] Channel console")
	assert.Contains(t, out.String(), "[WARN] Transcription")
}

func TestDoctorChecks_NoChannels(t *testing.T) {
	cfg := config.Defaults()
	cfg.Channels = nil
	dir := t.TempDir()
	cfg.General.DataDir = dir
	cfg.Memory.DBPath = filepath.Join(dir, "db.sqlite")

	rep := &doctorReport{w: &bytes.Buffer{}}
	runDoctorChecks(context.Background(), rep, cfg, true)
	assert.Equal(t, 1, rep.failed)
}

func TestHistoryCommand(t *testing.T) {
	cfg := config.Defaults()
	writeConfig(t, cfg)

	store, err := memory.NewSQLiteStore(cfg.Memory.DBPath, logger)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.CreateConversation(ctx, domain.Conversation{ID: "tg:42", Title: "weather chat", Channel: "tg", ChatID: "42"}))
	require.NoError(t, store.AddMessage(ctx, "tg:42", domain.MessageRecord{Role: domain.RoleUser, Content: "rain today?"}))
	require.NoError(t, store.AddMessage(ctx, "tg:42", domain.MessageRecord{Role: domain.RoleAssistant, Content: "No.", TokensOut: 2, LatencyMs: 800}))
	require.NoError(t, store.Close())

	out, err := runCLI(t, "history")
	require.NoError(t, err)
	assert.Contains(t, out, "tg:42")
	assert.Contains(t, out, "weather chat")

	out, err = runCLI(t, "history", "tg:42")
	require.NoError(t, err)
	assert.Contains(t, out, "rain today?")
	assert.Contains(t, out, "assistant:")

	_, err = runCLI(t, "history", "tg:42", "--clear")
	require.NoError(t, err)
	_, err = runCLI(t, "history", "tg:42")
	assert.ErrorContains(t, err, "no conversation")

	_, err = runCLI(t, "history", "--clear")
	assert.Error(t, err)
}
