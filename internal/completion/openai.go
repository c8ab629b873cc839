// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package completion

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jeranaias/imessages-ai/internal/util"
)

// =============================================================================
// OPENAI-COMPATIBLE CLIENT
// =============================================================================

const (
	// DefaultOpenAIURL is the base URL for the OpenAI API.
	DefaultOpenAIURL = "https://api.openai.com/v1"

	// MaxResponseSize is the maximum accepted response body size.
	MaxResponseSize = 10 * 1024 * 1024

	// maxErrorBody bounds a non-JSON error body kept in Error.Message, in runes
	maxErrorBody = 200
)

// Shared HTTP client with connection pooling. The per-request timeout is
// applied through the context.
var sharedHTTPClient = &http.Client{
	Transport: &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	},
}

// ChatMessage is a single message in a chat completion request.
type ChatMessage struct {
	Role    string `json:"role"`    // "system" or "user"
	Content string `json:"content"` // The message content
}

// ChatRequest is the body sent to /chat/completions.
type ChatRequest struct {
	Model     string        `json:"model"`
	Messages  []ChatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

// ChatResponse is the subset of the /chat/completions response we read.
type ChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      ChatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

// apiErrorResponse is the error body returned by OpenAI-compatible APIs.
type apiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// OpenAI talks to an OpenAI-compatible chat completions endpoint.
type OpenAI struct {
	apiKey       string
	baseURL      string
	model        string
	maxTokens    int
	systemPrompt string
	timeout      time.Duration
	httpClient   *http.Client
}

// NewOpenAI creates a client from cfg. The API key is required.
func NewOpenAI(cfg Config) (*OpenAI, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, &Error{Provider: ProviderOpenAI, Cause: ErrNotConfigured}
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultOpenAIURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = sharedHTTPClient
	}
	return &OpenAI{
		apiKey:       key,
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		model:        cfg.Model,
		maxTokens:    cfg.MaxTokens,
		systemPrompt: cfg.SystemPrompt,
		timeout:      cfg.timeout(),
		httpClient:   client,
	}, nil
}

// Model returns the configured model identifier.
func (c *OpenAI) Model() string {
	return c.model
}

// Complete sends prompt with the system prompt and returns the first
// choice's content, trimmed.
func (c *OpenAI) Complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reqBody := ChatRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
	}
	if c.systemPrompt != "" {
		reqBody.Messages = append(reqBody.Messages, ChatMessage{Role: "system", Content: c.systemPrompt})
	}
	reqBody.Messages = append(reqBody.Messages, ChatMessage{Role: "user", Content: prompt})

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", &Error{Provider: ProviderOpenAI, Cause: fmt.Errorf("failed to marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return "", &Error{Provider: ProviderOpenAI, Cause: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "imessages-ai")

	resp, err := c.httpClient.Do(req)
	req.Header.Del("Authorization")
	if err != nil {
		return "", requestError(ctx, ProviderOpenAI, err)
	}
	defer resp.Body.Close()

	body, err := readResponse(resp)
	if err != nil {
		return "", requestError(ctx, ProviderOpenAI, err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", handleErrorResponse(resp.StatusCode, body)
	}

	var chatResp ChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return "", &Error{Provider: ProviderOpenAI, Status: resp.StatusCode, Cause: ErrMalformedResponse, Message: err.Error()}
	}
	if len(chatResp.Choices) == 0 {
		return "", &Error{Provider: ProviderOpenAI, Status: resp.StatusCode, Cause: ErrMalformedResponse, Message: "no choices"}
	}
	content := strings.TrimSpace(chatResp.Choices[0].Message.Content)
	if content == "" {
		return "", &Error{Provider: ProviderOpenAI, Status: resp.StatusCode, Cause: ErrMalformedResponse, Message: "empty reply"}
	}
	return content, nil
}

// readResponse reads the response body with a size limit.
func readResponse(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) > MaxResponseSize {
		return nil, fmt.Errorf("response exceeded maximum size of %d bytes", MaxResponseSize)
	}
	return body, nil
}

// handleErrorResponse converts a non-200 response into an *Error.
func handleErrorResponse(status int, body []byte) error {
	e := &Error{Provider: ProviderOpenAI, Status: status, Cause: statusCause(status)}

	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		e.Message = apiErr.Error.Message
	} else {
		e.Message = util.TruncateRunes(strings.TrimSpace(string(body)), maxErrorBody)
	}
	return e
}
