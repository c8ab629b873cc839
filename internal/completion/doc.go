// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package completion sends a prompt to an LLM provider and returns the reply.
//
// Two providers are supported behind the Completer interface:
//   - "openai": any OpenAI-compatible /chat/completions endpoint
//   - "gemini": Google Gemini through google.golang.org/genai
//
// Every request is a single call with no retry. Failures come back as
// *Error values that match ErrCompletionFailed with errors.Is, so callers
// can skip the message and move on.
package completion
