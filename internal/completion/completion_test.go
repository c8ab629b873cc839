// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package completion

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"
)

// =============================================================================
// OPENAI CLIENT TESTS
// =============================================================================

func newTestOpenAI(t *testing.T, handler http.HandlerFunc, timeout time.Duration) *OpenAI {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewOpenAI(Config{
		APIKey:       "sk-test-key",
		Model:        "gpt-4o",
		MaxTokens:    1024,
		SystemPrompt: "be brief",
		BaseURL:      server.URL + "/",
		Timeout:      timeout,
	})
	if err != nil {
		t.Fatalf("NewOpenAI: %v", err)
	}
	return client
}

func TestOpenAI_Complete(t *testing.T) {
	var got ChatRequest
	var auth, path string
	client := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		path = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("request body not JSON: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "chatcmpl-1",
			"model": "gpt-4o",
			"choices": [{
				"message": {"role": "assistant", "content": "  Red, Blue\n"},
				"finish_reason": "stop"
			}]
		}`))
	}, 0)

	reply, err := client.Complete(context.Background(), "list two colors")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if reply != "Red, Blue" {
		t.Errorf("reply = %q, want %q", reply, "Red, Blue")
	}

	if path != "/chat/completions" {
		t.Errorf("path = %q, want /chat/completions", path)
	}
	if auth != "Bearer sk-test-key" {
		t.Errorf("Authorization = %q", auth)
	}
	if got.Model != "gpt-4o" || got.MaxTokens != 1024 {
		t.Errorf("request model/max_tokens = %q/%d", got.Model, got.MaxTokens)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("got %d messages, want system + user", len(got.Messages))
	}
	if got.Messages[0].Role != "system" || got.Messages[0].Content != "be brief" {
		t.Errorf("system message = %+v", got.Messages[0])
	}
	if got.Messages[1].Role != "user" || got.Messages[1].Content != "list two colors" {
		t.Errorf("user message = %+v", got.Messages[1])
	}
}

func TestOpenAI_ErrorResponses(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantCause error
		wantKind  string
		wantMsg   string
	}{
		{
			name:      "unauthorized",
			status:    http.StatusUnauthorized,
			body:      `{"error": {"message": "Incorrect API key provided", "type": "invalid_request_error"}}`,
			wantCause: ErrAuthFailed,
			wantKind:  "auth",
			wantMsg:   "Incorrect API key provided",
		},
		{
			name:      "forbidden",
			status:    http.StatusForbidden,
			body:      `forbidden`,
			wantCause: ErrAuthFailed,
			wantKind:  "auth",
		},
		{
			name:      "rate limited",
			status:    http.StatusTooManyRequests,
			body:      `{"error": {"message": "Rate limit reached", "code": "rate_limit_exceeded"}}`,
			wantCause: ErrRateLimited,
			wantKind:  "rate_limited",
		},
		{
			name:     "server error",
			status:   http.StatusInternalServerError,
			body:     `upstream exploded`,
			wantKind: "http_status",
			wantMsg:  "upstream exploded",
		},
		{
			name:      "not json",
			status:    http.StatusOK,
			body:      `<html>proxy login</html>`,
			wantCause: ErrMalformedResponse,
			wantKind:  "malformed",
		},
		{
			name:      "no choices",
			status:    http.StatusOK,
			body:      `{"id": "x", "choices": []}`,
			wantCause: ErrMalformedResponse,
			wantKind:  "malformed",
		},
		{
			name:      "empty content",
			status:    http.StatusOK,
			body:      `{"choices": [{"message": {"role": "assistant", "content": "  "}}]}`,
			wantCause: ErrMalformedResponse,
			wantKind:  "malformed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}, 0)

			_, err := client.Complete(context.Background(), "hi")
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, ErrCompletionFailed) {
				t.Errorf("error %v does not match ErrCompletionFailed", err)
			}
			if tt.wantCause != nil && !errors.Is(err, tt.wantCause) {
				t.Errorf("error %v does not match %v", err, tt.wantCause)
			}
			if kind := Kind(err); kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", kind, tt.wantKind)
			}
			var ce *Error
			if !errors.As(err, &ce) {
				t.Fatalf("error is %T, want *Error", err)
			}
			if ce.Status != tt.status {
				t.Errorf("Status = %d, want %d", ce.Status, tt.status)
			}
			if tt.wantMsg != "" && !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q missing %q", err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestOpenAI_LongErrorBodyKeepsValidUTF8(t *testing.T) {
	// 2-byte runes put byte offset 200 mid-rune when the body is cut
	body := "x" + strings.Repeat("é", 300)
	client := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(body))
	}, 0)

	_, err := client.Complete(context.Background(), "hi")
	var ce *Error
	if !errors.As(err, &ce) {
		t.Fatalf("error is %T, want *Error", err)
	}
	if !utf8.ValidString(ce.Message) {
		t.Errorf("Message is not valid UTF-8: %q", ce.Message)
	}
	if n := utf8.RuneCountInString(ce.Message); n != maxErrorBody {
		t.Errorf("Message has %d runes, want %d", n, maxErrorBody)
	}
	if !utf8.ValidString(err.Error()) {
		t.Errorf("Error() is not valid UTF-8")
	}
}

func TestOpenAI_Timeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	client := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, 50*time.Millisecond)

	start := time.Now()
	_, err := client.Complete(context.Background(), "slow")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("error = %v, want ErrTimeout", err)
	}
	if !errors.Is(err, ErrCompletionFailed) {
		t.Errorf("timeout does not match ErrCompletionFailed")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
}

func TestOpenAI_NoRetry(t *testing.T) {
	var calls atomic.Int32
	client := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}, 0)

	if _, err := client.Complete(context.Background(), "hi"); err == nil {
		t.Fatal("expected error")
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("server called %d times, want 1", n)
	}
}

func TestOpenAI_OversizedResponse(t *testing.T) {
	client := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		chunk := []byte(strings.Repeat("x", 1<<20))
		for i := 0; i < 11; i++ {
			w.Write(chunk)
		}
	}, 0)

	_, err := client.Complete(context.Background(), "hi")
	if err == nil || !strings.Contains(err.Error(), "maximum size") {
		t.Errorf("error = %v, want size limit error", err)
	}
}

func TestNewOpenAI_RequiresKey(t *testing.T) {
	_, err := NewOpenAI(Config{APIKey: "   ", Model: "gpt-4o"})
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("error = %v, want ErrNotConfigured", err)
	}
}

// =============================================================================
// PROVIDER SELECTION
// =============================================================================

func TestNew_SelectsProvider(t *testing.T) {
	ctx := context.Background()

	c, err := New(ctx, Config{Provider: "openai", APIKey: "k", Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("New(openai): %v", err)
	}
	if _, ok := c.(*OpenAI); !ok {
		t.Errorf("New(openai) = %T", c)
	}

	c, err = New(ctx, Config{Provider: "gemini", APIKey: "k", Model: "gemini-2.5-flash"})
	if err != nil {
		t.Fatalf("New(gemini): %v", err)
	}
	if _, ok := c.(*Gemini); !ok {
		t.Errorf("New(gemini) = %T", c)
	}

	if _, err := New(ctx, Config{Provider: "claude", APIKey: "k"}); err == nil {
		t.Error("New(claude) should fail")
	}
}

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{&Error{Provider: "openai", Cause: ErrTimeout}, "timeout"},
		{&Error{Provider: "openai", Cause: context.Canceled}, "canceled"},
		{&Error{Provider: "openai", Cause: errors.New("connection refused")}, "network"},
		{&Error{Provider: "gemini", Status: 500}, "http_status"},
		{&Error{Provider: "gemini", Cause: ErrNotConfigured}, "not_configured"},
	}
	for _, tt := range tests {
		if got := Kind(tt.err); got != tt.want {
			t.Errorf("Kind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

// =============================================================================
// GEMINI CLIENT TESTS
// =============================================================================

func TestGemini_Complete(t *testing.T) {
	var path string
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"candidates": [{
				"content": {"role": "model", "parts": [{"text": "Red, Blue\n"}]},
				"finishReason": "STOP"
			}]
		}`))
	}))
	defer server.Close()

	client, err := NewGemini(context.Background(), Config{
		APIKey:       "gm-test",
		Model:        "gemini-2.5-flash",
		MaxTokens:    256,
		SystemPrompt: "be brief",
		BaseURL:      server.URL,
	})
	if err != nil {
		t.Fatalf("NewGemini: %v", err)
	}

	reply, err := client.Complete(context.Background(), "list two colors")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if reply != "Red, Blue" {
		t.Errorf("reply = %q", reply)
	}
	if !strings.Contains(path, "gemini-2.5-flash:generateContent") {
		t.Errorf("path = %q", path)
	}
	gen, _ := body["generationConfig"].(map[string]any)
	if gen["maxOutputTokens"] != float64(256) {
		t.Errorf("generationConfig = %v", gen)
	}
	if _, ok := body["systemInstruction"]; !ok {
		t.Errorf("request missing systemInstruction: %v", body)
	}
}

func TestGemini_AuthError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error": {"code": 403, "message": "API key not valid", "status": "PERMISSION_DENIED"}}`))
	}))
	defer server.Close()

	client, err := NewGemini(context.Background(), Config{APIKey: "bad", Model: "gemini-2.5-flash", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewGemini: %v", err)
	}

	_, err = client.Complete(context.Background(), "hi")
	if !errors.Is(err, ErrCompletionFailed) || !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("error = %v, want auth completion failure", err)
	}
}

func TestNewGemini_RequiresKey(t *testing.T) {
	_, err := NewGemini(context.Background(), Config{Model: "gemini-2.5-flash"})
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("error = %v, want ErrNotConfigured", err)
	}
}
