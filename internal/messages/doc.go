// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package messages reads the local Messages database (chat.db).
//
// The database belongs to Messages.app and is only ever opened read-only.
// Rows are identified by their monotonic ROWID, which the poll loop uses
// as its cursor.
//
// # Usage
//
//	store, err := messages.Open(path)
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	cursor, err := store.LatestID(ctx)
//	batch, err := store.Since(ctx, cursor)
//
// A Watcher signals when chat.db or its WAL changes so the loop can read
// sooner than its next tick.
package messages
