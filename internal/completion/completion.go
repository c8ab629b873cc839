// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package completion

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Provider names accepted by New.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// DefaultTimeout bounds a single request when Config.Timeout is unset.
const DefaultTimeout = 30 * time.Second

// Completer turns a prompt into reply text.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Config configures a provider client.
type Config struct {
	Provider     string
	APIKey       string
	Model        string
	MaxTokens    int
	SystemPrompt string
	// BaseURL overrides the provider endpoint (tests, proxies, local
	// OpenAI-compatible servers)
	BaseURL string
	// Timeout bounds each Complete call
	Timeout time.Duration
	// HTTPClient replaces the shared pooled client
	HTTPClient *http.Client
}

func (c Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

// New returns the Completer for cfg.Provider.
func New(ctx context.Context, cfg Config) (Completer, error) {
	switch strings.ToLower(cfg.Provider) {
	case ProviderOpenAI, "":
		return NewOpenAI(cfg)
	case ProviderGemini:
		return NewGemini(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}
