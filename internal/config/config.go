// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap/zapcore"

	"github.com/jeranaias/imessages-ai/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete imessages-ai configuration.
type Config struct {
	// LLM provider settings
	LLM LLMConfig `toml:"llm"`

	// Trigger detection
	Trigger TriggerConfig `toml:"trigger"`

	// Poll loop timing
	Poll PollConfig `toml:"poll"`

	// Reply shaping and pacing
	Reply ReplyConfig `toml:"reply"`

	// Message store location
	Store StoreConfig `toml:"store"`

	// Logging output
	Logging LoggingConfig `toml:"logging"`

	// Prometheus endpoint
	Metrics MetricsConfig `toml:"metrics"`

	// envErrs collects unparseable environment overrides so Validate can
	// report them next to file errors.
	envErrs ValidateErrors
}

// LLMConfig contains completion provider configuration.
type LLMConfig struct {
	// Provider is "openai" (any OpenAI-compatible endpoint) or "gemini"
	Provider string `toml:"provider"`
	// APIKey is the provider credential. OPENAI_API_KEY / GEMINI_API_KEY win.
	APIKey string `toml:"api_key"`
	// Model is the provider model identifier
	Model string `toml:"model"`
	// MaxTokens bounds the generated reply length
	MaxTokens int `toml:"max_tokens"`
	// BaseURL is the OpenAI-compatible API root (ignored for gemini)
	BaseURL string `toml:"base_url"`
	// TimeoutSecs bounds a single completion request
	TimeoutSecs int `toml:"timeout_secs"`
	// SystemPrompt is sent ahead of every prompt
	SystemPrompt string `toml:"system_prompt"`
}

// TriggerConfig contains trigger prefix configuration.
type TriggerConfig struct {
	// Prefix marks a self-sent message as meant for the AI. Case-sensitive.
	Prefix string `toml:"prefix"`
}

// PollConfig contains poll loop configuration.
type PollConfig struct {
	// IntervalSecs is the fixed delay between cycles
	IntervalSecs int `toml:"interval_secs"`
	// Watch wakes the loop early when chat.db changes on disk
	Watch bool `toml:"watch"`
}

// ReplyConfig contains reply formatting and pacing configuration.
type ReplyConfig struct {
	// Italic renders letters as Unicode mathematical italics
	Italic bool `toml:"italic"`
	// StripMarkdown removes markdown markup the model emits anyway
	StripMarkdown bool `toml:"strip_markdown"`
	// SendDelayMs is waited before handing the reply to Messages
	SendDelayMs int `toml:"send_delay_ms"`
	// MaxPerMinute caps completions per minute (0 = unlimited)
	MaxPerMinute int `toml:"max_per_minute"`
}

// StoreConfig contains message store configuration.
type StoreConfig struct {
	// MessagesDB is the path to chat.db
	MessagesDB string `toml:"messages_db"`
}

// LoggingConfig contains log output configuration.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error
	Level string `toml:"level"`
	// File receives a copy of every log line (empty = default log path)
	File string `toml:"file"`
	// JSON switches the file encoder to JSON
	JSON bool `toml:"json"`
}

// MetricsConfig contains Prometheus exporter configuration.
type MetricsConfig struct {
	// ListenAddr serves /metrics when set, e.g. "127.0.0.1:9464"
	ListenAddr string `toml:"listen_addr"`
}

// Provider names.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// DefaultGeminiModel replaces the OpenAI default when provider is gemini.
const DefaultGeminiModel = "gemini-2.5-flash"

// DefaultSystemPrompt asks the model for replies that read well as texts.
const DefaultSystemPrompt = "You are a helpful assistant responding via iMessage. " +
	"Keep responses concise and suitable for text messages. " +
	"Use plain text only. Use numbered lists, bullet points (•), " +
	"and short paragraphs for structure. " +
	"NEVER use markdown: no **, no __, no ##, no ` backticks, " +
	"no [links](url). Just plain text."

// ErrMissingAPIKey is returned when no provider credential is configured.
var ErrMissingAPIKey = errors.New("API key not set (run: imessages-ai setup)")

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider:     ProviderOpenAI,
			Model:        "gpt-4o",
			MaxTokens:    1024,
			BaseURL:      "https://api.openai.com/v1",
			TimeoutSecs:  30,
			SystemPrompt: DefaultSystemPrompt,
		},
		Trigger: TriggerConfig{
			Prefix: "@",
		},
		Poll: PollConfig{
			IntervalSecs: 2,
			Watch:        true,
		},
		Reply: ReplyConfig{
			Italic:        true,
			StripMarkdown: true,
			SendDelayMs:   1000,
			MaxPerMinute:  20,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the imessages-ai configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".config", "imessages-ai"), nil
}

// ConfigPath returns the config file path. IMESSAGES_AI_CONFIG overrides it.
func ConfigPath() (string, error) {
	if p := os.Getenv("IMESSAGES_AI_CONFIG"); p != "" {
		return p, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// LogDir returns the directory holding the log file.
func LogDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, "Library", "Logs", "imessages-ai"), nil
}

// DefaultMessagesDB returns ~/Library/Messages/chat.db.
func DefaultMessagesDB() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, "Library", "Messages", "chat.db"), nil
}

// ensureSecurePermissions tightens the config file to 0600.
// SECURITY: the file holds the provider API key.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from path, or from ConfigPath() when path is
// empty. A missing file is not an error: defaults plus environment
// overrides are returned. The result has been defaulted and validated.
func Load(path string) (*Config, error) {
	if path == "" {
		p, err := ConfigPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	cfg := Default()
	if _, err := os.Stat(path); err == nil {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat config %s: %w", path, err)
	}

	cfg.ApplyEnvOverrides()
	if err := cfg.SetDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML decodes a TOML file over cfg. Keys absent from the file keep
// the values already in cfg.
func LoadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		// permissions might not be fixable on all filesystems
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	return nil
}

// SetDefaults fills zero-valued fields and resolves path defaults.
func (c *Config) SetDefaults() error {
	defaults := Default()

	if c.LLM.Provider == "" {
		c.LLM.Provider = defaults.LLM.Provider
	}
	c.LLM.Provider = strings.ToLower(strings.TrimSpace(c.LLM.Provider))
	if c.LLM.Model == "" {
		c.LLM.Model = defaults.LLM.Model
	}
	// an OpenAI model name is never valid against Gemini
	if c.LLM.Provider == ProviderGemini && c.LLM.Model == defaults.LLM.Model {
		c.LLM.Model = DefaultGeminiModel
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = defaults.LLM.MaxTokens
	}
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = defaults.LLM.BaseURL
	}
	if c.LLM.TimeoutSecs == 0 {
		c.LLM.TimeoutSecs = defaults.LLM.TimeoutSecs
	}
	if c.LLM.SystemPrompt == "" {
		c.LLM.SystemPrompt = defaults.LLM.SystemPrompt
	}
	c.LLM.APIKey = strings.TrimSpace(c.LLM.APIKey)

	if c.Trigger.Prefix == "" {
		c.Trigger.Prefix = defaults.Trigger.Prefix
	}
	if c.Poll.IntervalSecs == 0 {
		c.Poll.IntervalSecs = defaults.Poll.IntervalSecs
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaults.Logging.Level
	}

	if c.Store.MessagesDB == "" {
		p, err := DefaultMessagesDB()
		if err != nil {
			return err
		}
		c.Store.MessagesDB = p
	}
	if c.Logging.File == "" {
		dir, err := LogDir()
		if err != nil {
			return err
		}
		c.Logging.File = filepath.Join(dir, "imessages-ai.log")
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides. The variable
// names match the older shell-style config keys so existing
// environments keep working.
//
// Supported environment variables:
//   - OPENAI_API_KEY: llm.api_key when the provider is openai
//   - GEMINI_API_KEY: llm.api_key when the provider is gemini
//   - MODEL, MAX_TOKENS: llm.model, llm.max_tokens
//   - TRIGGER_PREFIX: trigger.prefix
//   - POLL_INTERVAL: poll.interval_secs
//   - ITALIC: reply.italic ("true", "1", "yes")
//   - IMESSAGES_AI_PROVIDER: llm.provider
//   - IMESSAGES_AI_LOG_LEVEL: logging.level
func (c *Config) ApplyEnvOverrides() {
	c.envErrs = nil

	if p := os.Getenv("IMESSAGES_AI_PROVIDER"); p != "" {
		c.LLM.Provider = p
	}

	keyVar := "OPENAI_API_KEY"
	if strings.EqualFold(c.LLM.Provider, ProviderGemini) {
		keyVar = "GEMINI_API_KEY"
	}
	if key := os.Getenv(keyVar); key != "" {
		c.LLM.APIKey = key
	}

	if model := os.Getenv("MODEL"); model != "" {
		c.LLM.Model = model
	}
	if v := os.Getenv("MAX_TOKENS"); v != "" {
		c.LLM.MaxTokens = c.envInt("MAX_TOKENS", v, c.LLM.MaxTokens)
	}
	if prefix := os.Getenv("TRIGGER_PREFIX"); prefix != "" {
		c.Trigger.Prefix = prefix
	}
	if v := os.Getenv("POLL_INTERVAL"); v != "" {
		c.Poll.IntervalSecs = c.envInt("POLL_INTERVAL", v, c.Poll.IntervalSecs)
	}
	if v := os.Getenv("ITALIC"); v != "" {
		c.Reply.Italic = parseBool(v)
	}
	if lvl := os.Getenv("IMESSAGES_AI_LOG_LEVEL"); lvl != "" {
		c.Logging.Level = lvl
	}
}

func (c *Config) envInt(name, raw string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		c.envErrs = append(c.envErrs, ValidationError{
			Field:   name,
			Message: fmt.Sprintf("not an integer: %q", raw),
		})
		return fallback
	}
	return n
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// SaveTOML writes cfg to path with 0600 permissions.
// SECURITY: the file holds the provider API key.
func SaveTOML(cfg *Config, path string) error {
	var b strings.Builder
	b.WriteString("# imessages-ai configuration file\n")
	b.WriteString("# Generated by `imessages-ai setup` - edit with care\n\n")

	if err := toml.NewEncoder(&b).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := util.AtomicWriteFile(path, []byte(b.String()), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks structural settings. The API key is checked separately
// by RequireAPIKey so commands like status work without one.
func (c *Config) Validate() error {
	errs := append(ValidateErrors{}, c.envErrs...)

	switch c.LLM.Provider {
	case ProviderOpenAI, ProviderGemini:
	default:
		errs = append(errs, ValidationError{
			Field:   "llm.provider",
			Message: fmt.Sprintf("invalid provider '%s', must be one of: openai, gemini", c.LLM.Provider),
		})
	}
	if strings.TrimSpace(c.LLM.Model) == "" {
		errs = append(errs, ValidationError{Field: "llm.model", Message: "must not be empty"})
	}
	if c.LLM.MaxTokens < 1 {
		errs = append(errs, ValidationError{
			Field:   "llm.max_tokens",
			Message: fmt.Sprintf("must be positive, got %d", c.LLM.MaxTokens),
		})
	}
	if c.LLM.TimeoutSecs < 1 || c.LLM.TimeoutSecs > 600 {
		errs = append(errs, ValidationError{
			Field:   "llm.timeout_secs",
			Message: fmt.Sprintf("must be between 1 and 600, got %d", c.LLM.TimeoutSecs),
		})
	}
	if c.LLM.Provider == ProviderOpenAI &&
		!strings.HasPrefix(c.LLM.BaseURL, "https://") && !strings.HasPrefix(c.LLM.BaseURL, "http://") {
		errs = append(errs, ValidationError{
			Field:   "llm.base_url",
			Message: fmt.Sprintf("must be an http(s) URL, got '%s'", c.LLM.BaseURL),
		})
	}

	if strings.TrimSpace(c.Trigger.Prefix) == "" {
		errs = append(errs, ValidationError{Field: "trigger.prefix", Message: "must not be blank"})
	}

	if c.Poll.IntervalSecs < 1 || c.Poll.IntervalSecs > 3600 {
		errs = append(errs, ValidationError{
			Field:   "poll.interval_secs",
			Message: fmt.Sprintf("must be between 1 and 3600, got %d", c.Poll.IntervalSecs),
		})
	}

	if c.Reply.SendDelayMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "reply.send_delay_ms",
			Message: fmt.Sprintf("must not be negative, got %d", c.Reply.SendDelayMs),
		})
	}
	if c.Reply.MaxPerMinute < 0 {
		errs = append(errs, ValidationError{
			Field:   "reply.max_per_minute",
			Message: fmt.Sprintf("must not be negative, got %d", c.Reply.MaxPerMinute),
		})
	}

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid level '%s', must be one of: debug, info, warn, error", c.Logging.Level),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// RequireAPIKey returns ErrMissingAPIKey when no credential is configured.
func (c *Config) RequireAPIKey() error {
	if c.LLM.APIKey == "" {
		return ErrMissingAPIKey
	}
	return nil
}

// =============================================================================
// DERIVED VALUES
// =============================================================================

// PollInterval returns the poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Poll.IntervalSecs) * time.Second
}

// RequestTimeout returns the completion timeout as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.LLM.TimeoutSecs) * time.Second
}

// SendDelay returns the pre-delivery delay as a duration.
func (c *Config) SendDelay() time.Duration {
	return time.Duration(c.Reply.SendDelayMs) * time.Millisecond
}

// MaskedAPIKey returns a display form of the key that never shows more
// than its last four characters.
func (c *Config) MaskedAPIKey() string {
	k := c.LLM.APIKey
	if k == "" {
		return "[not set]"
	}
	if len(k) <= 8 {
		return "****"
	}
	return "****" + k[len(k)-4:]
}
