// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/imessages-ai/internal/completion"
	"github.com/jeranaias/imessages-ai/internal/config"
	"github.com/jeranaias/imessages-ai/internal/logging"
	"github.com/jeranaias/imessages-ai/internal/messages"
	"github.com/jeranaias/imessages-ai/internal/metrics"
	"github.com/jeranaias/imessages-ai/internal/poll"
	"github.com/jeranaias/imessages-ai/internal/sender"
	"github.com/jeranaias/imessages-ai/internal/service"
)

// watchDebounce coalesces the burst of db/wal/shm writes one message causes.
const watchDebounce = 250 * time.Millisecond

func (a *app) newRunCommand() *cobra.Command {
	var detached bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the responder in the foreground",
		Long: `Run the responder in the foreground until interrupted.

Messages already in the database when run starts are never answered.
Use "imessages-ai start" to run it in the background instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.run(ctx, detached)
		},
	}
	// set by start and the LaunchAgent; output already goes to the log file
	cmd.Flags().BoolVar(&detached, "detached", false, "log to the log file only")
	_ = cmd.Flags().MarkHidden("detached")
	return cmd
}

func (a *app) run(ctx context.Context, detached bool) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.RequireAPIKey(); err != nil {
		return err
	}

	logger, closeLog, err := logging.New(logging.Options{
		Level: cfg.Logging.Level,
		File:  cfg.Logging.File,
		JSON:  cfg.Logging.JSON,
		Quiet: detached,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer closeLog()

	// one responder per user; held until run returns
	pidFile, err := pidFilePath()
	if err != nil {
		return err
	}
	instance, err := service.Acquire(pidFile)
	if err != nil {
		logger.Error("another responder is running", zap.String("lock", pidFile), zap.Error(err))
		return err
	}
	defer instance.Release()

	store, err := messages.Open(cfg.Store.MessagesDB)
	if err != nil {
		logger.Error("cannot open message store",
			zap.String("path", cfg.Store.MessagesDB),
			zap.Error(err),
		)
		logger.Info("grant Full Disk Access to your terminal in System Settings > Privacy & Security")
		return err
	}
	defer store.Close()

	completer, err := newCompleter(ctx, cfg)
	if err != nil {
		return err
	}

	m := metrics.New()

	var watcher *messages.Watcher
	var wake <-chan struct{}
	if cfg.Poll.Watch {
		watcher, err = messages.NewWatcher(cfg.Store.MessagesDB, watchDebounce, logger.Named("watch"))
		if err != nil {
			// polling alone still works
			logger.Warn("store watcher unavailable, polling only", zap.Error(err))
		} else {
			wake = watcher.Wake()
		}
	}

	loop, err := poll.New(poll.Options{
		Source:        store,
		Completer:     completer,
		Sender:        sender.NewAppleScript(sender.Options{}),
		Logger:        logger.Named("poll"),
		Metrics:       m,
		Prefix:        cfg.Trigger.Prefix,
		Interval:      cfg.PollInterval(),
		Wake:          wake,
		Italic:        cfg.Reply.Italic,
		StripMarkdown: cfg.Reply.StripMarkdown,
		SendDelay:     cfg.SendDelay(),
		MaxPerMinute:  cfg.Reply.MaxPerMinute,
	})
	if err != nil {
		return err
	}

	logger.Info("imessages-ai starting",
		zap.String("version", a.info.Version),
		zap.String("provider", cfg.LLM.Provider),
		zap.String("model", cfg.LLM.Model),
		zap.String("trigger", cfg.Trigger.Prefix),
		zap.String("db", cfg.Store.MessagesDB),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Start(gctx) })
	if watcher != nil {
		g.Go(func() error { return watcher.Run(gctx) })
	}
	if cfg.Metrics.ListenAddr != "" {
		g.Go(func() error {
			serveMetrics(gctx, m, cfg.Metrics.ListenAddr, logger)
			return nil
		})
	}

	err = g.Wait()
	logger.Info("imessages-ai stopped")
	return err
}

// serveMetrics runs the exporter until ctx ends. Its failure is logged and
// leaves the loop running.
func serveMetrics(ctx context.Context, m *metrics.Metrics, addr string, logger *zap.Logger) {
	logger.Info("serving metrics", zap.String("addr", addr))
	if err := m.Serve(ctx, addr); err != nil {
		logger.Error("metrics server failed", zap.String("addr", addr), zap.Error(err))
	}
}

// newCompleter maps the config onto a provider client. base_url only
// applies to OpenAI-compatible endpoints.
func newCompleter(ctx context.Context, cfg *config.Config) (completion.Completer, error) {
	cc := completion.Config{
		Provider:     cfg.LLM.Provider,
		APIKey:       cfg.LLM.APIKey,
		Model:        cfg.LLM.Model,
		MaxTokens:    cfg.LLM.MaxTokens,
		SystemPrompt: cfg.LLM.SystemPrompt,
		Timeout:      cfg.RequestTimeout(),
	}
	if cfg.LLM.Provider == config.ProviderOpenAI {
		cc.BaseURL = cfg.LLM.BaseURL
	}
	return completion.New(ctx, cc)
}
