// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package poll

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jeranaias/imessages-ai/internal/completion"
	"github.com/jeranaias/imessages-ai/internal/format"
	"github.com/jeranaias/imessages-ai/internal/messages"
	"github.com/jeranaias/imessages-ai/internal/metrics"
	"github.com/jeranaias/imessages-ai/internal/sender"
	"github.com/jeranaias/imessages-ai/internal/trigger"
	"github.com/jeranaias/imessages-ai/internal/util"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Default loop settings.
const (
	DefaultInterval = 2 * time.Second
	DefaultPrefix   = "@"
)

// Skip reasons reported in logs and metrics.
const (
	SkipEmptyPrompt = "empty_prompt"
	SkipRateLimited = "rate_limited"
	SkipEcho        = "echo"
)

// Source reads messages from the store.
type Source interface {
	LatestID(ctx context.Context) (int64, error)
	Since(ctx context.Context, cursor int64) ([]messages.Message, error)
}

// Options configures a Loop.
type Options struct {
	Source    Source
	Completer completion.Completer
	Sender    sender.Sender
	Logger    *zap.Logger
	// Metrics may be nil
	Metrics *metrics.Metrics

	// Prefix marks a message for the AI; empty means DefaultPrefix
	Prefix string
	// Interval between cycles; zero means DefaultInterval
	Interval time.Duration
	// Wake triggers an early cycle (store watcher); may be nil
	Wake <-chan struct{}

	Italic        bool
	StripMarkdown bool
	// SendDelay is waited between completion and delivery
	SendDelay time.Duration
	// MaxPerMinute caps completions; 0 disables the cap
	MaxPerMinute int
}

// =============================================================================
// LOOP
// =============================================================================

// Loop polls the store and answers triggered messages. It is not safe for
// concurrent use; Run drives it from a single goroutine.
type Loop struct {
	source    Source
	completer completion.Completer
	sender    sender.Sender
	logger    *zap.Logger
	metrics   *metrics.Metrics

	prefix        string
	interval      time.Duration
	wake          <-chan struct{}
	italic        bool
	stripMarkdown bool
	sendDelay     time.Duration
	limiter       *rate.Limiter

	echoes *echoGuard
}

// New validates opts and returns a Loop.
func New(opts Options) (*Loop, error) {
	switch {
	case opts.Source == nil:
		return nil, errors.New("poll: source is required")
	case opts.Completer == nil:
		return nil, errors.New("poll: completer is required")
	case opts.Sender == nil:
		return nil, errors.New("poll: sender is required")
	case opts.Logger == nil:
		return nil, errors.New("poll: logger is required")
	case opts.MaxPerMinute < 0:
		return nil, fmt.Errorf("poll: invalid max per minute %d", opts.MaxPerMinute)
	}

	l := &Loop{
		source:        opts.Source,
		completer:     opts.Completer,
		sender:        opts.Sender,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		prefix:        opts.Prefix,
		interval:      opts.Interval,
		wake:          opts.Wake,
		italic:        opts.Italic,
		stripMarkdown: opts.StripMarkdown,
		sendDelay:     opts.SendDelay,
		echoes:        newEchoGuard(),
	}
	if l.prefix == "" {
		l.prefix = DefaultPrefix
	}
	if l.interval <= 0 {
		l.interval = DefaultInterval
	}
	if opts.MaxPerMinute > 0 {
		l.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.MaxPerMinute)), opts.MaxPerMinute)
	}
	return l, nil
}

// Seed returns the starting cursor: the newest message already in the
// store, so history is never answered.
func (l *Loop) Seed(ctx context.Context) (int64, error) {
	id, err := l.source.LatestID(ctx)
	if err != nil {
		return 0, fmt.Errorf("seed cursor: %w", err)
	}
	return id, nil
}

// Start seeds the cursor and runs until ctx is cancelled. A seed failure
// is returned immediately; it usually means the store is unreadable.
func (l *Loop) Start(ctx context.Context) error {
	cursor, err := l.Seed(ctx)
	if err != nil {
		return err
	}
	l.logger.Info("listening for triggered messages",
		zap.String("prefix", l.prefix),
		zap.Int64("cursor", cursor),
		zap.Duration("interval", l.interval))
	return l.Run(ctx, cursor)
}

// Run cycles every interval, or sooner on a wake signal, until ctx is
// cancelled. It returns nil on cancellation.
func (l *Loop) Run(ctx context.Context, cursor int64) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		next, err := l.Cycle(ctx, cursor)
		if ctx.Err() != nil {
			l.logger.Info("poll loop stopped", zap.Int64("cursor", next))
			return nil
		}
		if err == nil {
			cursor = next
		}

		select {
		case <-ctx.Done():
			l.logger.Info("poll loop stopped", zap.Int64("cursor", cursor))
			return nil
		case <-ticker.C:
		case <-l.wake:
		}
	}
}

// Cycle processes every message newer than cursor and returns the new
// cursor: the highest ID in the batch, whatever happened to each message.
// If the read fails, cursor is returned unchanged with the error. If ctx
// is cancelled mid-batch, the ID of the last message handled is returned
// with ctx.Err().
func (l *Loop) Cycle(ctx context.Context, cursor int64) (int64, error) {
	start := time.Now()

	batch, err := l.source.Since(ctx, cursor)
	if err != nil {
		l.metrics.ReadFailed()
		if ctx.Err() != nil {
			return cursor, ctx.Err()
		}
		if messages.IsTransient(err) {
			l.logger.Warn("message store busy, retrying next cycle", zap.Int64("cursor", cursor), zap.Error(err))
		} else {
			l.logger.Error("failed to read messages", zap.Int64("cursor", cursor), zap.Error(err))
		}
		return cursor, err
	}
	l.metrics.Seen(len(batch))

	next := cursor
	for _, msg := range batch {
		if msg.ID <= cursor {
			continue
		}
		if err := ctx.Err(); err != nil {
			return next, err
		}
		l.handle(ctx, msg)
		if msg.ID > next {
			next = msg.ID
		}
	}

	l.metrics.CycleDone(next, time.Since(start))
	if len(batch) > 0 {
		l.logger.Debug("cycle complete",
			zap.Int("messages", len(batch)),
			zap.Int64("cursor", next),
			zap.Duration("elapsed", time.Since(start)))
	}
	return next, nil
}

// handle answers one message. Failures are logged and never returned.
func (l *Loop) handle(ctx context.Context, msg messages.Message) {
	if !msg.FromMe {
		return
	}
	if l.echoes.consume(msg.ChatGUID, msg.Text) {
		l.logger.Debug("ignoring delivered reply",
			zap.Int64("id", msg.ID), zap.String("chat", msg.ChatGUID))
		return
	}

	prompt, ok := trigger.Match(msg.Text, l.prefix)
	if !ok {
		return
	}
	l.metrics.Triggered()

	log := l.logger.With(
		zap.Int64("id", msg.ID),
		zap.String("chat", msg.ChatGUID),
		zap.String("handle", msg.ChatIdentifier),
		zap.String("trace", uuid.NewString()),
	)

	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		l.metrics.Skip(SkipEmptyPrompt)
		log.Info("empty prompt, skipping", zap.String("kind", SkipEmptyPrompt))
		return
	}
	if l.limiter != nil && !l.limiter.Allow() {
		l.metrics.Skip(SkipRateLimited)
		log.Warn("reply rate limit reached, skipping", zap.String("kind", SkipRateLimited))
		return
	}

	log.Info("trigger", zap.String("prompt", util.Preview(prompt, 80)))

	reply, err := l.completer.Complete(ctx, prompt)
	l.metrics.Completion(err)
	if err != nil {
		log.Error("completion failed", zap.String("kind", completion.Kind(err)), zap.Error(err))
		return
	}

	if l.stripMarkdown {
		reply = format.StripMarkdown(reply)
	}
	reply = format.Reply(reply, l.italic)

	if l.sendDelay > 0 {
		timer := time.NewTimer(l.sendDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Warn("shutdown before delivery", zap.String("kind", "canceled"))
			return
		case <-timer.C:
		}
	}

	l.echoes.remember(msg.ChatGUID, reply)
	err = l.sender.Send(ctx, msg.ChatGUID, reply)
	l.metrics.Delivery(err)
	if err != nil {
		l.echoes.consume(msg.ChatGUID, reply)
		log.Error("delivery failed", zap.String("kind", string(sender.ReasonOf(err))), zap.Error(err))
		return
	}
	log.Info("reply delivered", zap.Int("chars", len([]rune(reply))))
}
