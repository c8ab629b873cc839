// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package logging builds the zap logger used by every imessages-ai
// component and provides the log file helpers behind `imessages-ai logs`.
//
// Lines go to stderr (console encoding) and are appended to the log file
// (console or JSON encoding). The loop runs unattended, so the file is the
// record used to diagnose a lost reply after the fact.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures New.
type Options struct {
	// Level is parsed with zapcore.ParseLevel (debug, info, warn, error)
	Level string
	// File is appended to when non-empty; its directory is created
	File string
	// JSON selects the JSON encoder for the file core
	JSON bool
	// Console receives console-encoded lines; nil means os.Stderr.
	// Set Quiet to drop console output entirely.
	Console io.Writer
	Quiet   bool
}

// New builds a logger from opts. The returned close function syncs the
// logger and closes the log file; call it on shutdown.
func New(opts Options) (*zap.Logger, func(), error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		lvl, err := zapcore.ParseLevel(opts.Level)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level = lvl
	}
	atom := zap.NewAtomicLevelAt(level)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	var cores []zapcore.Core
	if !opts.Quiet {
		out := opts.Console
		if out == nil {
			out = os.Stderr
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewConsoleEncoder(encCfg),
			zapcore.Lock(zapcore.AddSync(out)),
			atom,
		))
	}

	var file *os.File
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		file = f

		enc := zapcore.NewConsoleEncoder(encCfg)
		if opts.JSON {
			jsonCfg := encCfg
			jsonCfg.EncodeTime = zapcore.ISO8601TimeEncoder
			jsonCfg.EncodeLevel = zapcore.LowercaseLevelEncoder
			enc = zapcore.NewJSONEncoder(jsonCfg)
		}
		cores = append(cores, zapcore.NewCore(enc, zapcore.Lock(file), atom))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.ErrorOutput(zapcore.Lock(os.Stderr)))

	closeFn := func() {
		_ = logger.Sync()
		if file != nil {
			_ = file.Close()
		}
	}
	return logger, closeFn, nil
}
