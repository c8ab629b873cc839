// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package service

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// PID FILE
// =============================================================================

// The PID file doubles as the single-instance lock: the running responder
// holds an exclusive lock on it and records its PID inside. It is emptied,
// never removed, on release so every process locks the same inode.

// ErrNoPIDFile indicates no process is recorded.
var ErrNoPIDFile = errors.New("no PID file")

var errLocked = errors.New("lock held by another process")

// acquireAttempts rides out the moment a Status check holds the lock.
const (
	acquireAttempts = 5
	acquireBackoff  = 20 * time.Millisecond
)

// ReadPID returns the PID recorded at path. A missing or empty file is
// ErrNoPIDFile.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, ErrNoPIDFile
		}
		return 0, fmt.Errorf("failed to read PID file: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return 0, ErrNoPIDFile
	}
	pid, err := strconv.Atoi(text)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("corrupt PID file %s: %q", path, text)
	}
	return pid, nil
}

// RemovePID deletes the PID file; a missing file is not an error.
func RemovePID(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

// Instance is the held single-instance lock of the current process.
type Instance struct {
	path string
	f    *os.File
}

// Acquire locks path for the current process and records its PID there.
// If another process holds it the error wraps ErrAlreadyRunning.
func Acquire(path string) (*Instance, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create PID directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open PID file: %w", err)
	}

	for i := 0; ; i++ {
		err = lockFile(f)
		if !errors.Is(err, errLocked) || i == acquireAttempts-1 {
			break
		}
		time.Sleep(acquireBackoff)
	}
	if err != nil {
		f.Close()
		if errors.Is(err, errLocked) {
			if pid, perr := ReadPID(path); perr == nil {
				return nil, fmt.Errorf("%w (PID %d)", ErrAlreadyRunning, pid)
			}
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}

	if err := writePID(f, os.Getpid()); err != nil {
		_ = unlockFile(f)
		f.Close()
		return nil, err
	}
	return &Instance{path: path, f: f}, nil
}

// Path returns the PID file path.
func (i *Instance) Path() string {
	return i.path
}

// Release empties the PID file and drops the lock.
func (i *Instance) Release() error {
	if i == nil || i.f == nil {
		return nil
	}
	_ = i.f.Truncate(0)
	err := unlockFile(i.f)
	if cerr := i.f.Close(); err == nil {
		err = cerr
	}
	i.f = nil
	return err
}

func writePID(f *os.File, pid int) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(pid)+"\n"), 0); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	return f.Sync()
}

// inspect reports who holds the lock at path. When nobody does, a leftover
// record (crashed holder or garbage) is cleared and reported as stale.
func inspect(path string) (pid int, held, stale bool, err error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if errors.Is(err, os.ErrNotExist) {
		return 0, false, false, nil
	}
	if err != nil {
		return 0, false, false, fmt.Errorf("failed to open PID file: %w", err)
	}
	defer f.Close()

	switch lerr := lockFile(f); {
	case errors.Is(lerr, errLocked):
		// 0 while the holder is still writing its PID
		pid, _ = ReadPID(path)
		return pid, true, false, nil
	case lerr != nil:
		return 0, false, false, fmt.Errorf("failed to lock %s: %w", path, lerr)
	}
	defer unlockFile(f)

	pid, rerr := ReadPID(path)
	if errors.Is(rerr, ErrNoPIDFile) {
		return 0, false, false, nil
	}
	if err := f.Truncate(0); err != nil {
		return 0, false, false, fmt.Errorf("failed to clear PID file: %w", err)
	}
	return pid, false, true, nil
}
