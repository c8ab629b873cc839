// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/jeranaias/imessages-ai/internal/metrics"
	"github.com/jeranaias/imessages-ai/internal/service"
)

const emptyChatDB = `
CREATE TABLE message (
	ROWID INTEGER PRIMARY KEY AUTOINCREMENT,
	text TEXT,
	attributedBody BLOB,
	is_from_me INTEGER DEFAULT 0,
	date INTEGER DEFAULT 0
);
CREATE TABLE chat (
	ROWID INTEGER PRIMARY KEY AUTOINCREMENT,
	guid TEXT UNIQUE NOT NULL,
	chat_identifier TEXT
);
CREATE TABLE chat_message_join (
	chat_id INTEGER REFERENCES chat (ROWID),
	message_id INTEGER REFERENCES message (ROWID),
	PRIMARY KEY (chat_id, message_id)
);
`

// newChatDB writes an empty chat.db-shaped database.
func newChatDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chat.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(emptyChatDB)
	require.NoError(t, err)
	return path
}

// busyAddr returns an address something is already listening on.
func busyAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func executeContext(ctx context.Context, args ...string) (string, error) {
	cmd := NewRootCommand(BuildInfo{Version: "1.2.3"})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestRun_SecondInstanceRefused(t *testing.T) {
	home := isolate(t)
	logFile := filepath.Join(home, "logs", "imessages-ai.log")
	path := filepath.Join(home, "config.toml")
	writeConfig(t, path, fmt.Sprintf(`[llm]
api_key = 'sk-test1234'

[poll]
watch = false

[store]
messages_db = '%s'

[logging]
file = '%s'

[metrics]
listen_addr = '%s'
`, newChatDB(t), logFile, busyAddr(t)))
	pidFile, err := pidFilePath()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := executeContext(ctx, "run", "--detached", "--config", path)
		done <- err
	}()

	require.Eventually(t, func() bool {
		pid, err := service.ReadPID(pidFile)
		return err == nil && pid == os.Getpid()
	}, 10*time.Second, 20*time.Millisecond, "first run never took the lock")

	out, err := execute(t, "status", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "running")
	assert.Contains(t, out, fmt.Sprintf("(PID %d)", os.Getpid()))

	_, err = execute(t, "run", "--detached", "--config", path)
	assert.ErrorIs(t, err, service.ErrAlreadyRunning)

	out, err = execute(t, "start", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Already running")

	// the occupied metrics port did not take the first run down
	select {
	case err := <-done:
		t.Fatalf("first run exited early: %v", err)
	default:
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop")
	}

	out, err = execute(t, "status", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "stopped")
	assert.NotContains(t, out, "stale")

	logged, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(logged), "another responder is running")
	assert.Contains(t, string(logged), "metrics server failed")
}

func TestServeMetrics_BindFailureIsLogged(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	addr := busyAddr(t)

	returned := make(chan struct{})
	go func() {
		serveMetrics(context.Background(), metrics.New(), addr, zap.New(core))
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(5 * time.Second):
		t.Fatal("serveMetrics did not return on a bind failure")
	}

	failed := logs.FilterMessage("metrics server failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, addr, failed[0].ContextMap()["addr"])
}
