// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build !windows
// +build !windows

package service

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// spawn starts exe in its own process group so it outlives the caller's
// terminal session.
func spawn(exe string, args, env []string, out *os.File) (int, error) {
	cmd := exec.Command(exe, args...)
	cmd.Env = append(os.Environ(), env...)

	// Setpgid: a new process group keeps terminal signals (Ctrl+C) away
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	cmd.Stdin = nil
	if out != nil {
		cmd.Stdout = out
		cmd.Stderr = out
	}

	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid

	// Reap the child if this process outlives it; the CLI normally exits
	// first and init inherits it.
	go func() { _ = cmd.Wait() }()

	return pid, nil
}

// processAlive reports whether pid exists. EPERM means it exists but
// belongs to someone else.
func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// terminate sends SIGTERM.
func terminate(pid int) error {
	return syscall.Kill(pid, syscall.SIGTERM)
}
