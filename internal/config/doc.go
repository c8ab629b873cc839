// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for
// imessages-ai.
//
// Configuration is a TOML file with sensible defaults, environment
// variable overrides, and validation.
//
// # Key Types
//
//   - Config: main configuration structure
//   - LLMConfig: provider, credential, model and request limits
//   - ReplyConfig: formatting and pacing of replies
//   - ValidateErrors: every problem found by Validate, reported together
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (OPENAI_API_KEY, MODEL, TRIGGER_PREFIX, ...)
//   - $IMESSAGES_AI_CONFIG or ~/.config/imessages-ai/config.toml
//   - Built-in defaults
//
// # Usage
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    return err
//	}
//	if err := cfg.RequireAPIKey(); err != nil {
//	    return err // fatal: the loop never starts
//	}
package config
