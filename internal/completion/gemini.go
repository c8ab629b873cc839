// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package completion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"
)

// =============================================================================
// GOOGLE GENAI CLIENT
// =============================================================================

// Gemini generates replies with Google's Gemini API.
type Gemini struct {
	client       *genai.Client
	model        string
	maxTokens    int32
	systemPrompt string
	timeout      time.Duration
}

// NewGemini creates a Gemini client from cfg. The API key is required.
func NewGemini(ctx context.Context, cfg Config) (*Gemini, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, &Error{Provider: ProviderGemini, Cause: ErrNotConfigured}
	}

	cc := &genai.ClientConfig{
		APIKey:  key,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	if cfg.HTTPClient != nil {
		cc.HTTPClient = cfg.HTTPClient
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &Gemini{
		client:       client,
		model:        cfg.Model,
		maxTokens:    int32(cfg.MaxTokens),
		systemPrompt: cfg.SystemPrompt,
		timeout:      cfg.timeout(),
	}, nil
}

// Model returns the configured model identifier.
func (g *Gemini) Model() string {
	return g.model
}

// Complete generates a reply to prompt.
func (g *Gemini) Complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	contents := []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
	}
	gc := &genai.GenerateContentConfig{}
	if g.maxTokens > 0 {
		gc.MaxOutputTokens = g.maxTokens
	}
	if g.systemPrompt != "" {
		gc.SystemInstruction = genai.NewContentFromText(g.systemPrompt, genai.RoleUser)
	}

	result, err := g.client.Models.GenerateContent(ctx, g.model, contents, gc)
	if err != nil {
		return "", geminiError(ctx, err)
	}

	text := strings.TrimSpace(result.Text())
	if text == "" {
		return "", &Error{Provider: ProviderGemini, Cause: ErrMalformedResponse, Message: "empty reply"}
	}
	return text, nil
}

// geminiError maps a genai error onto *Error.
func geminiError(ctx context.Context, err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &Error{Provider: ProviderGemini, Status: apiErr.Code, Cause: statusCause(apiErr.Code), Message: apiErr.Message}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return &Error{Provider: ProviderGemini, Status: apiErrPtr.Code, Cause: statusCause(apiErrPtr.Code), Message: apiErrPtr.Message}
	}
	return requestError(ctx, ProviderGemini, err)
}
