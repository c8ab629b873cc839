// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// PID FILE
// =============================================================================

func TestReadPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "imessages-ai.pid")

	_, err := ReadPID(path)
	assert.ErrorIs(t, err, ErrNoPIDFile)

	require.NoError(t, os.WriteFile(path, nil, 0600))
	_, err = ReadPID(path)
	assert.ErrorIs(t, err, ErrNoPIDFile, "an emptied file records nobody")

	require.NoError(t, os.WriteFile(path, []byte("4242\n"), 0600))
	pid, err := ReadPID(path)
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)

	require.NoError(t, RemovePID(path))
	require.NoError(t, RemovePID(path), "removing a missing PID file is fine")
}

func TestReadPID_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.pid")
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid"), 0600))

	_, err := ReadPID(path)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNoPIDFile))
}

func TestAcquire_SingleInstance(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "imessages-ai.pid")

	first, err := Acquire(path)
	require.NoError(t, err)
	assert.Equal(t, path, first.Path())

	pid, err := ReadPID(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	}

	_, err = Acquire(path)
	require.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Contains(t, err.Error(), strconv.Itoa(os.Getpid()))

	m := &Manager{PIDFile: path}
	st, err := m.Status()
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.Equal(t, os.Getpid(), st.PID)
	_, err = m.Start()
	assert.ErrorIs(t, err, ErrAlreadyRunning, "start must not spawn next to a holder")

	require.NoError(t, first.Release())
	require.NoError(t, first.Release(), "release is idempotent")

	st, err = m.Status()
	require.NoError(t, err)
	assert.Equal(t, Status{}, st, "a clean release leaves nothing stale")
	_, err = ReadPID(path)
	assert.ErrorIs(t, err, ErrNoPIDFile)

	second, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, second.Release())
}

func TestManager_NoPIDFile(t *testing.T) {
	m := &Manager{PIDFile: filepath.Join(t.TempDir(), "x.pid")}

	st, err := m.Status()
	require.NoError(t, err)
	assert.False(t, st.Running)

	assert.ErrorIs(t, m.Stop(), ErrNotRunning)
}

func TestManager_UnlockedRecordIsStale(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantPID int
	}{
		{"dead holder", "999999\n", 999999},
		{"garbage", "garbage", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "x.pid")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0600))
			m := &Manager{PIDFile: path}

			st, err := m.Status()
			require.NoError(t, err)
			assert.False(t, st.Running)
			assert.True(t, st.Stale)
			assert.Equal(t, tt.wantPID, st.PID)

			_, err = ReadPID(path)
			assert.ErrorIs(t, err, ErrNoPIDFile, "stale record is cleared")

			st, err = m.Status()
			require.NoError(t, err)
			assert.False(t, st.Stale)
		})
	}
}

// =============================================================================
// LAUNCH AGENT
// =============================================================================

type recordingRunner struct {
	calls [][]string
	fail  map[string]error
}

func (r *recordingRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	call := append([]string{name}, args...)
	r.calls = append(r.calls, call)
	if err := r.fail[strings.Join(call[:2], " ")]; err != nil {
		return []byte("launchctl said no"), err
	}
	return nil, nil
}

func TestLaunchAgent_Render(t *testing.T) {
	a := &LaunchAgent{
		Program: "/usr/local/bin/imessages-ai",
		Args:    []string{"run", "--config", "/Users/me/R&D/config.toml"},
		LogFile: "/Users/me/Library/Logs/imessages-ai/imessages-ai.log",
	}
	data, err := a.Render()
	require.NoError(t, err)
	plist := string(data)

	assert.Contains(t, plist, "<string>com.imessages-ai.agent</string>")
	assert.Contains(t, plist, "<string>/usr/local/bin/imessages-ai</string>")
	assert.Contains(t, plist, "<string>run</string>")
	assert.Contains(t, plist, "<string>/Users/me/R&amp;D/config.toml</string>")
	assert.Contains(t, plist, "<key>StandardErrorPath</key>")
	assert.Contains(t, plist, "<key>RunAtLoad</key>\n\t<true/>")
}

func TestLaunchAgent_RenderRequiresProgram(t *testing.T) {
	_, err := (&LaunchAgent{}).Render()
	assert.Error(t, err)
}

func TestLaunchAgent_InstallUninstall(t *testing.T) {
	runner := &recordingRunner{}
	path := filepath.Join(t.TempDir(), "LaunchAgents", LaunchAgentLabel+".plist")
	a := &LaunchAgent{Path: path, Program: "/bin/imessages-ai", Args: []string{"run"}, Runner: runner}

	require.NoError(t, a.Install(context.Background()))
	assert.True(t, a.Installed())
	assert.Equal(t, [][]string{
		{"launchctl", "unload", path},
		{"launchctl", "load", "-w", path},
	}, runner.calls)

	runner.calls = nil
	require.NoError(t, a.Uninstall(context.Background()))
	assert.False(t, a.Installed())
	assert.Equal(t, [][]string{{"launchctl", "unload", "-w", path}}, runner.calls)

	runner.calls = nil
	require.NoError(t, a.Uninstall(context.Background()), "uninstall when absent is a no-op")
	assert.Empty(t, runner.calls)
}

func TestLaunchAgent_InstallLoadFailure(t *testing.T) {
	runner := &recordingRunner{fail: map[string]error{"launchctl load": errors.New("exit status 5")}}
	a := &LaunchAgent{Path: filepath.Join(t.TempDir(), "a.plist"), Program: "/bin/x", Runner: runner}

	err := a.Install(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "launchctl said no")
}
