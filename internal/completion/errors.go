// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package completion

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrCompletionFailed matches every error returned by Complete.
	ErrCompletionFailed = errors.New("completion failed")

	// ErrNotConfigured indicates the provider API key is not set.
	ErrNotConfigured = errors.New("API key not configured")

	// ErrAuthFailed indicates the provider rejected the API key (401/403).
	ErrAuthFailed = errors.New("authentication failed")

	// ErrRateLimited indicates the provider returned 429.
	ErrRateLimited = errors.New("rate limited")

	// ErrMalformedResponse indicates a body that could not be parsed or
	// carried no reply text.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrTimeout indicates the per-request deadline expired.
	ErrTimeout = errors.New("request timed out")
)

// Error is a failed completion request.
type Error struct {
	// Provider is "openai" or "gemini"
	Provider string
	// Status is the HTTP status code, or 0 when no response arrived
	Status int
	// Message is the provider's error text, if any
	Message string
	// Cause is one of the sentinels above or the underlying transport error
	Cause error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s completion failed", e.Provider)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.Status)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports true for ErrCompletionFailed so callers need not know the cause.
func (e *Error) Is(target error) bool {
	return target == ErrCompletionFailed
}

// Kind names the failure class of err for log fields and metric labels.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthFailed):
		return "auth"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrNotConfigured):
		return "not_configured"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	var ce *Error
	if errors.As(err, &ce) && ce.Status != 0 {
		return "http_status"
	}
	return "network"
}

// statusCause maps an HTTP status to its sentinel, or nil.
func statusCause(status int) error {
	switch status {
	case 401, 403:
		return ErrAuthFailed
	case 429:
		return ErrRateLimited
	}
	return nil
}

// requestError builds the *Error for a transport-level failure. A deadline
// set by the client's own timeout reads as ErrTimeout.
func requestError(ctx context.Context, provider string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{Provider: provider, Cause: ErrTimeout, Message: err.Error()}
	}
	if ctx.Err() != nil {
		return &Error{Provider: provider, Cause: ctx.Err()}
	}
	return &Error{Provider: provider, Cause: err}
}
