// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package messages

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrBusy reports that Messages.app holds a lock on chat.db. It clears on
// its own; the caller should retry on its next cycle.
var ErrBusy = errors.New("message store busy")

// busyTimeout is how long SQLite itself waits on a lock before giving up.
const busyTimeout = 2 * time.Second

// IsTransient reports whether err is lock contention that a later read is
// expected to get past.
func IsTransient(err error) bool {
	return errors.Is(err, ErrBusy)
}

// classify maps driver lock errors to ErrBusy and wraps everything else
// with the operation name.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%s: %w: %v", op, ErrBusy, err)
		}
	}
	if strings.Contains(err.Error(), "database is locked") {
		return fmt.Errorf("%s: %w: %v", op, ErrBusy, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// =============================================================================
// MESSAGE
// =============================================================================

// Message is one self-sent row of the message table joined to its chat.
type Message struct {
	// ID is the message ROWID; monotonically increasing
	ID int64
	// ChatGUID addresses the conversation for delivery
	ChatGUID string
	// ChatIdentifier is the handle, phone number or email (for logs)
	ChatIdentifier string
	// Text is the decoded body; empty for attachments and reactions
	Text string
	// FromMe is set when the local user sent the message
	FromMe bool
	// Date is when the message was sent
	Date time.Time
}

// =============================================================================
// STORE
// =============================================================================

// Store is a read-only handle on chat.db.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens the Messages database at path read-only. The file must
// exist; reading ~/Library/Messages also needs Full Disk Access.
func Open(path string) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("message store %s: %w", path, err)
	}

	dsn := fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(%d)", path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open message store: %w", err)
	}

	// Single connection; reads are sequential
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, classify("open message store", err)
	}

	return &Store{db: db, path: path}, nil
}

// Path returns the database path.
func (s *Store) Path() string {
	return s.path
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// LatestID returns the highest message ROWID, or 0 for an empty store.
func (s *Store) LatestID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(ROWID) FROM message").Scan(&id); err != nil {
		return 0, classify("latest message id", err)
	}
	return id.Int64, nil
}

const sinceQuery = `
	SELECT m.ROWID, m.text, m.attributedBody, m.is_from_me, m.date,
	       c.guid, c.chat_identifier
	FROM message m
	JOIN chat_message_join cmj ON m.ROWID = cmj.message_id
	JOIN chat c ON cmj.chat_id = c.ROWID
	WHERE m.ROWID > ? AND m.is_from_me = 1
	ORDER BY m.ROWID ASC, cmj.chat_id ASC
`

// Since returns self-sent messages with an ID greater than cursor in
// ascending ID order. Messages without decodable text are included with
// an empty Text so the caller can still advance past them.
func (s *Store) Since(ctx context.Context, cursor int64) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, sinceQuery, cursor)
	if err != nil {
		return nil, classify("query messages", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			id         int64
			text       sql.NullString
			body       []byte
			fromMe     sql.NullInt64
			date       sql.NullInt64
			guid       sql.NullString
			identifier sql.NullString
		)
		if err := rows.Scan(&id, &text, &body, &fromMe, &date, &guid, &identifier); err != nil {
			return nil, classify("scan message", err)
		}

		// A message joined to several chats yields one row per chat;
		// deliver to the first.
		if n := len(out); n > 0 && out[n-1].ID == id {
			continue
		}

		out = append(out, Message{
			ID:             id,
			ChatGUID:       guid.String,
			ChatIdentifier: identifier.String,
			Text:           messageText(text.String, body),
			FromMe:         fromMe.Int64 == 1,
			Date:           AppleTime(date.Int64),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, classify("read messages", err)
	}
	return out, nil
}
