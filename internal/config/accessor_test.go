package config

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetByPath(t *testing.T) {
	cfg := Defaults()

	mode, err := GetByPath(cfg, "router.mode")
	require.NoError(t, err)
	assert.Equal(t, "legacy", mode)

	typ, err := GetByPath(cfg, "channels.0.type")
	require.NoError(t, err)
	assert.Equal(t, "telegram", typ)

	_, err = GetByPath(cfg, "nonexistent.path")
	assert.ErrorContains(t, err, "config path nonexistent.path")
}

func TestSetByPath(t *testing.T) {
	cfg := Defaults()

	require.NoError(t, SetByPath(cfg, "router.mode", "dialog"))
	require.NoError(t, SetByPath(cfg, "transcription.enabled", "true"))
	require.NoError(t, SetByPath(cfg, "router.idleTimeoutMinutes", "45"))
	require.NoError(t, SetByPath(cfg, "channels.0.enabled", "true"))
	require.NoError(t, SetByPath(cfg, "channels.0.token", "123456"))

	assert.Equal(t, ModeDialog, cfg.Router.Mode)
	assert.True(t, cfg.Transcription.Enabled)
	assert.Equal(t, 45, cfg.Router.IdleTimeoutMinutes)
	assert.True(t, cfg.Channels[0].Enabled)
	assert.Equal(t, "123456", cfg.Channels[0].Token, "numeric-looking strings stay strings")
}

func TestSetByPath_Rejects(t *testing.T) {
	cases := map[string]string{
		"":                          "x",
		"router.idleTimeoutMinutes": "soon",
		"transcription.enabled":     "maybe",
		"router":                    "dialog",
		"router.nope":               "x",
		"channels.5.id":             "x",
	}
	for path, raw := range cases {
		assert.Error(t, SetByPath(Defaults(), path, raw), "SetByPath(%q, %q)", path, raw)
	}
}

func TestSanitize(t *testing.T) {
	cfg := Defaults()
	cfg.Channels[0].Token = "123456789:ABCdefGHIjklMNOpqrSTUvwxyz"
	cfg.Provider.APIKey = "sk-1234567890abcdefghijklmnop"
	cfg.Provider.Fallbacks = []ProviderConfig{{Type: "claude", APIKey: "sk-ant-1234567890abcdef"}}
	cfg.Transcription.APIKey = "gsk_1234567890abcdef"

	s := Sanitize(cfg)
	assert.Equal(t, "1234****wxyz", s.Channels[0].Token)
	assert.Equal(t, "sk-1****mnop", s.Provider.APIKey)
	assert.Equal(t, "sk-a****cdef", s.Provider.Fallbacks[0].APIKey)
	assert.Equal(t, "gsk_****cdef", s.Transcription.APIKey)
	assert.Equal(t, "123456789:ABCdefGHIjklMNOpqrSTUvwxyz", cfg.Channels[0].Token, "original untouched")
}

func TestMaskString(t *testing.T) {
	assert.Equal(t, "", maskString(""))
	assert.Equal(t, "***", maskString("short"))
	assert.Equal(t, "${TELEGRAM_BOT_TOKEN}", maskString("${TELEGRAM_BOT_TOKEN}"), "env references stay readable")
	assert.Equal(t, "${TELEGRAM_BOT_TOKEN}", Sanitize(Defaults()).Channels[0].Token)
}

func TestListPaths(t *testing.T) {
	paths := ListPaths(Defaults())
	for _, want := range []string{"router.mode", "general.logLevel", "memory.historyLimit"} {
		assert.Contains(t, paths, want)
	}
	assert.Equal(t, "telegram", paths["channels.0.type"])
	assert.True(t, slices.IsSorted(SortedPaths(paths)))
}
