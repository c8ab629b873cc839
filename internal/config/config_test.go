// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolateEnv points HOME at a temp dir and clears every override variable.
func isolateEnv(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	for _, v := range []string{
		"IMESSAGES_AI_CONFIG", "IMESSAGES_AI_PROVIDER", "IMESSAGES_AI_LOG_LEVEL",
		"OPENAI_API_KEY", "GEMINI_API_KEY", "MODEL", "MAX_TOKENS",
		"TRIGGER_PREFIX", "POLL_INTERVAL", "ITALIC",
	} {
		t.Setenv(v, "")
	}
	return home
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	home := isolateEnv(t)

	cfg, err := Load(filepath.Join(home, "nope.toml"))
	require.NoError(t, err)

	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.Equal(t, "gpt-4o", cfg.LLM.Model)
	assert.Equal(t, 1024, cfg.LLM.MaxTokens)
	assert.Equal(t, "@", cfg.Trigger.Prefix)
	assert.Equal(t, 2*time.Second, cfg.PollInterval())
	assert.True(t, cfg.Reply.Italic)
	assert.Equal(t, filepath.Join(home, "Library", "Messages", "chat.db"), cfg.Store.MessagesDB)
	assert.Equal(t, filepath.Join(home, "Library", "Logs", "imessages-ai", "imessages-ai.log"), cfg.Logging.File)

	assert.ErrorIs(t, cfg.RequireAPIKey(), ErrMissingAPIKey)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	isolateEnv(t)
	path := writeConfig(t, `
[llm]
api_key = "sk-test-123456789"
model = "gpt-4o-mini"
max_tokens = 256

[trigger]
prefix = "!ai"

[poll]
interval_secs = 5

[reply]
italic = false
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
	assert.Equal(t, 256, cfg.LLM.MaxTokens)
	assert.Equal(t, "!ai", cfg.Trigger.Prefix)
	assert.Equal(t, 5*time.Second, cfg.PollInterval())
	assert.False(t, cfg.Reply.Italic)
	// keys absent from the file keep their defaults
	assert.True(t, cfg.Reply.StripMarkdown)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout())
	assert.NoError(t, cfg.RequireAPIKey())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	isolateEnv(t)
	path := writeConfig(t, `
[llm]
api_key = "from-file"
model = "gpt-4o"
`)
	t.Setenv("OPENAI_API_KEY", "from-env")
	t.Setenv("MODEL", "gpt-4.1")
	t.Setenv("TRIGGER_PREFIX", "#")
	t.Setenv("POLL_INTERVAL", "7")
	t.Setenv("ITALIC", "no")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.LLM.APIKey)
	assert.Equal(t, "gpt-4.1", cfg.LLM.Model)
	assert.Equal(t, "#", cfg.Trigger.Prefix)
	assert.Equal(t, 7, cfg.Poll.IntervalSecs)
	assert.False(t, cfg.Reply.Italic)
}

func TestLoad_GeminiUsesGeminiKey(t *testing.T) {
	isolateEnv(t)
	t.Setenv("IMESSAGES_AI_PROVIDER", "gemini")
	t.Setenv("OPENAI_API_KEY", "openai-key")
	t.Setenv("GEMINI_API_KEY", "gemini-key")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)

	assert.Equal(t, ProviderGemini, cfg.LLM.Provider)
	assert.Equal(t, "gemini-key", cfg.LLM.APIKey)
	assert.Equal(t, "gemini-2.5-flash", cfg.LLM.Model)
}

func TestLoad_ConfigPathFromEnv(t *testing.T) {
	isolateEnv(t)
	path := writeConfig(t, "[trigger]\nprefix = \"%%\"\n")
	t.Setenv("IMESSAGES_AI_CONFIG", path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "%%", cfg.Trigger.Prefix)
}

func TestLoad_BadEnvIntIsValidationError(t *testing.T) {
	isolateEnv(t)
	t.Setenv("POLL_INTERVAL", "soon")

	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)

	var verrs ValidateErrors
	require.True(t, errors.As(err, &verrs))
	assert.Equal(t, "POLL_INTERVAL", verrs[0].Field)
}

func TestLoad_UnknownKeyRejected(t *testing.T) {
	isolateEnv(t)
	path := writeConfig(t, "[trigger]\nprefixx = \"@\"\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trigger.prefixx")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad provider", func(c *Config) { c.LLM.Provider = "llama" }, "llm.provider"},
		{"zero max tokens", func(c *Config) { c.LLM.MaxTokens = -1 }, "llm.max_tokens"},
		{"timeout too long", func(c *Config) { c.LLM.TimeoutSecs = 601 }, "llm.timeout_secs"},
		{"bad base url", func(c *Config) { c.LLM.BaseURL = "ftp://x" }, "llm.base_url"},
		{"blank prefix", func(c *Config) { c.Trigger.Prefix = "   " }, "trigger.prefix"},
		{"interval too small", func(c *Config) { c.Poll.IntervalSecs = -2 }, "poll.interval_secs"},
		{"negative delay", func(c *Config) { c.Reply.SendDelayMs = -1 }, "reply.send_delay_ms"},
		{"negative rate", func(c *Config) { c.Reply.MaxPerMinute = -1 }, "reply.max_per_minute"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)

			var verrs ValidateErrors
			require.True(t, errors.As(err, &verrs))
			assert.Equal(t, tt.field, verrs[0].Field)
		})
	}

	if err := Default().Validate(); err != nil {
		t.Errorf("Default config should validate, got %v", err)
	}
}

func TestSaveTOML_RoundTrip(t *testing.T) {
	isolateEnv(t)
	path := filepath.Join(t.TempDir(), "imessages-ai", "config.toml")

	cfg := Default()
	cfg.LLM.APIKey = "sk-roundtrip-abcdef"
	cfg.Trigger.Prefix = "ai:"
	cfg.Reply.Italic = false
	require.NoError(t, SaveTOML(cfg, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "# imessages-ai configuration file"))

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	}

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-roundtrip-abcdef", loaded.LLM.APIKey)
	assert.Equal(t, "ai:", loaded.Trigger.Prefix)
	assert.False(t, loaded.Reply.Italic)
}

func TestMaskedAPIKey(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "[not set]", cfg.MaskedAPIKey())

	cfg.LLM.APIKey = "short"
	assert.Equal(t, "****", cfg.MaskedAPIKey())

	cfg.LLM.APIKey = "sk-proj-abcdefghijklmnop"
	assert.Equal(t, "****mnop", cfg.MaskedAPIKey())
}
