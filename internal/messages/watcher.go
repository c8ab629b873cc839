// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package messages

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// =============================================================================
// STORE WATCHER
// =============================================================================

// Watcher turns writes to chat.db and its WAL/SHM files into a debounced
// wake-up signal. Messages.app writes in bursts, so changes within the
// debounce window coalesce into one signal.
type Watcher struct {
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *zap.Logger
	names    map[string]struct{}
	wake     chan struct{}

	mu      sync.Mutex
	pending bool
	last    time.Time
}

// NewWatcher watches the directory holding dbPath. The watcher is idle
// until Run is called.
func NewWatcher(dbPath string, debounce time.Duration, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	dir := filepath.Dir(dbPath)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	base := filepath.Clean(dbPath)
	return &Watcher{
		watcher:  fw,
		debounce: debounce,
		logger:   logger,
		names: map[string]struct{}{
			base:          {},
			base + "-wal": {},
			base + "-shm": {},
		},
		wake: make(chan struct{}, 1),
	}, nil
}

// Wake delivers one value per debounced burst of store changes. Signals
// are dropped while a previous one is unread.
func (w *Watcher) Wake() <-chan struct{} {
	return w.wake
}

// Run processes events until ctx is cancelled, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if _, watched := w.names[filepath.Clean(event.Name)]; !watched {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.mu.Lock()
				w.pending = true
				w.last = time.Now()
				w.mu.Unlock()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			// Non-fatal; the poll ticker still runs
			w.logger.Warn("store watcher error", zap.Error(err))

		case <-ticker.C:
			w.flush()
		}
	}
}

// flush emits a signal once the last change is older than the debounce.
func (w *Watcher) flush() {
	w.mu.Lock()
	ready := w.pending && time.Since(w.last) >= w.debounce
	if ready {
		w.pending = false
	}
	w.mu.Unlock()

	if !ready {
		return
	}
	select {
	case w.wake <- struct{}{}:
	default:
	}
}
