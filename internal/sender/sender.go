// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package sender delivers replies into a Messages conversation.
//
// Delivery goes through AppleScript: osascript tells Messages.app to send
// text to the chat with a given GUID. The first run prompts the user to
// allow automation of Messages; until then every send fails with
// ReasonPermissionDenied.
package sender

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrDeliveryFailed matches every error returned by Send.
var ErrDeliveryFailed = errors.New("delivery failed")

// Reason classifies a delivery failure.
type Reason string

const (
	ReasonPermissionDenied Reason = "permission_denied"
	ReasonAppNotRunning    Reason = "app_not_running"
	ReasonChatNotFound     Reason = "chat_not_found"
	ReasonTimeout          Reason = "timeout"
	ReasonInvalidTarget    Reason = "invalid_target"
	ReasonCanceled         Reason = "canceled"
	ReasonUnknown          Reason = "unknown"
)

// Error is a failed delivery.
type Error struct {
	Reason   Reason
	ChatGUID string
	// Detail is osascript's stderr, trimmed
	Detail string
	Cause  error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("delivery to %q failed (%s)", e.ChatGUID, e.Reason)
	if e.Detail != "" {
		msg += ": " + e.Detail
	} else if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports true for ErrDeliveryFailed.
func (e *Error) Is(target error) bool {
	return target == ErrDeliveryFailed
}

// ReasonOf returns the Reason carried by err, or "" if err is not a
// delivery error.
func ReasonOf(err error) Reason {
	var se *Error
	if errors.As(err, &se) {
		return se.Reason
	}
	return ""
}

// classify maps osascript stderr to a Reason. AppleScript reports errors
// as "execution error: <text> (<code>)".
func classify(stderr string) Reason {
	switch {
	case strings.Contains(stderr, "(-1743)"), strings.Contains(stderr, "Not authorized"):
		return ReasonPermissionDenied
	case strings.Contains(stderr, "(-600)"), strings.Contains(stderr, "isn’t running"), strings.Contains(stderr, "isn't running"):
		return ReasonAppNotRunning
	case strings.Contains(stderr, "(-1728)"), strings.Contains(stderr, "Can’t get chat"), strings.Contains(stderr, "Can't get chat"):
		return ReasonChatNotFound
	}
	return ReasonUnknown
}

// =============================================================================
// SENDER
// =============================================================================

// Sender delivers text to a conversation.
type Sender interface {
	Send(ctx context.Context, chatGUID, text string) error
}

// Runner executes a command and returns its stderr. The default runs the
// real binary; tests substitute a fake.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stderr []byte, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stderr.Bytes(), err
}

// DefaultTimeout bounds a single osascript invocation.
const DefaultTimeout = 30 * time.Second

// Options configures an AppleScript sender.
type Options struct {
	// Timeout per send; zero means DefaultTimeout
	Timeout time.Duration
	// Command is the osascript binary; empty means "osascript" from PATH
	Command string
	// Runner overrides process execution
	Runner Runner
}

// AppleScript sends messages by scripting Messages.app.
type AppleScript struct {
	timeout time.Duration
	command string
	runner  Runner
}

// NewAppleScript returns an AppleScript sender.
func NewAppleScript(opts Options) *AppleScript {
	a := &AppleScript{
		timeout: opts.Timeout,
		command: opts.Command,
		runner:  opts.Runner,
	}
	if a.timeout <= 0 {
		a.timeout = DefaultTimeout
	}
	if a.command == "" {
		a.command = "osascript"
	}
	if a.runner == nil {
		a.runner = execRunner{}
	}
	return a
}

// Send delivers text to the chat identified by chatGUID.
func (a *AppleScript) Send(ctx context.Context, chatGUID, text string) error {
	if strings.TrimSpace(chatGUID) == "" {
		return &Error{Reason: ReasonInvalidTarget, Cause: errors.New("empty chat GUID")}
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	stderr, err := a.runner.Run(ctx, a.command, "-e", Script(chatGUID, text))
	if err == nil {
		return nil
	}

	detail := strings.TrimSpace(string(stderr))
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &Error{Reason: ReasonTimeout, ChatGUID: chatGUID, Detail: detail, Cause: err}
	case ctx.Err() != nil:
		return &Error{Reason: ReasonCanceled, ChatGUID: chatGUID, Cause: ctx.Err()}
	}
	return &Error{Reason: classify(detail), ChatGUID: chatGUID, Detail: detail, Cause: err}
}

// Script renders the AppleScript that sends text to chatGUID.
func Script(chatGUID, text string) string {
	return "tell application \"Messages\"\n" +
		"  set targetChat to a reference to chat id \"" + escape(chatGUID) + "\"\n" +
		"  send \"" + escape(text) + "\" to targetChat\n" +
		"end tell"
}

var scriptEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// escape quotes s for use inside an AppleScript string literal.
func escape(s string) string {
	return scriptEscaper.Replace(s)
}
