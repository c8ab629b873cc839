// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package service

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotRunning indicates no live background process.
	ErrNotRunning = errors.New("not running")

	// ErrAlreadyRunning indicates another responder holds the lock.
	ErrAlreadyRunning = errors.New("already running")

	// ErrExitedEarly indicates a spawned process died before taking the lock.
	ErrExitedEarly = errors.New("process exited during startup")
)

const (
	// DefaultStartTimeout is how long Start waits for the lock to be taken.
	DefaultStartTimeout = 10 * time.Second
	// DefaultStopTimeout is how long Stop waits for the process to exit.
	DefaultStopTimeout = 5 * time.Second

	pollInterval = 50 * time.Millisecond
)

// =============================================================================
// MANAGER
// =============================================================================

// Manager starts and stops the responder. Whether one is running is
// decided by the lock on PIDFile, so a process started by launchd or by
// hand in a terminal is seen and stopped the same way.
type Manager struct {
	// PIDFile is the lock the responder holds while it runs
	PIDFile string
	// Executable and Args are the command to spawn; it must Acquire PIDFile
	Executable string
	Args       []string
	// Env is appended to the current environment for the child
	Env []string
	// LogFile receives the child's stdout and stderr
	LogFile string
	// StartTimeout bounds how long Start waits for the child to take the
	// lock; zero means DefaultStartTimeout
	StartTimeout time.Duration
	// StopTimeout bounds Stop; zero means DefaultStopTimeout
	StopTimeout time.Duration
}

// Status describes the background process.
type Status struct {
	// PID of the lock holder; 0 if it has not recorded itself yet
	PID     int
	Running bool
	// Stale is set when a dead holder's record was found (and cleared)
	Stale bool
}

// Status reports whether a responder holds the lock.
func (m *Manager) Status() (Status, error) {
	pid, held, stale, err := inspect(m.PIDFile)
	if err != nil {
		return Status{}, err
	}
	return Status{PID: pid, Running: held, Stale: stale}, nil
}

// Start spawns the process detached from the current session and waits
// until it holds the lock.
func (m *Manager) Start() (int, error) {
	st, err := m.Status()
	if err != nil {
		return 0, err
	}
	if st.Running {
		return st.PID, fmt.Errorf("%w (PID %d)", ErrAlreadyRunning, st.PID)
	}

	var out *os.File
	if m.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(m.LogFile), 0755); err != nil {
			return 0, fmt.Errorf("failed to create log directory: %w", err)
		}
		out, err = os.OpenFile(m.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return 0, fmt.Errorf("failed to open log file: %w", err)
		}
		defer out.Close()
	}

	pid, err := spawn(m.Executable, m.Args, m.Env, out)
	if err != nil {
		return 0, fmt.Errorf("failed to start %s: %w", m.Executable, err)
	}

	timeout := m.StartTimeout
	if timeout <= 0 {
		timeout = DefaultStartTimeout
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		st, err := m.Status()
		if err != nil {
			return 0, err
		}
		if st.Running && st.PID == pid {
			return pid, nil
		}
		if st.Running && st.PID != 0 {
			// another responder won the race; ours exits on its own
			return st.PID, fmt.Errorf("%w (PID %d)", ErrAlreadyRunning, st.PID)
		}
		if !processAlive(pid) {
			return 0, ErrExitedEarly
		}
		time.Sleep(pollInterval)
	}
	_ = terminate(pid)
	return 0, fmt.Errorf("PID %d did not take %s within %s", pid, m.PIDFile, timeout)
}

// Stop asks the lock holder to exit and waits until the lock is released.
func (m *Manager) Stop() error {
	st, err := m.Status()
	if err != nil {
		return err
	}
	if !st.Running {
		return ErrNotRunning
	}
	if st.PID == 0 {
		return fmt.Errorf("%s is locked but records no PID", m.PIDFile)
	}

	if err := terminate(st.PID); err != nil {
		return fmt.Errorf("failed to signal PID %d: %w", st.PID, err)
	}

	timeout := m.StopTimeout
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		cur, err := m.Status()
		if err != nil {
			return err
		}
		if !cur.Running {
			return nil
		}
		time.Sleep(pollInterval)
	}
	return fmt.Errorf("PID %d did not exit within %s", st.PID, timeout)
}
