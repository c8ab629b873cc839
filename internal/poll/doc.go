// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package poll runs the auto-responder loop.
//
// Each cycle reads self-sent messages newer than the cursor, replies to
// those that start with the trigger prefix, and advances the cursor to the
// highest ID in the batch. A message is attempted at most once: completion
// and delivery failures are logged and the cursor moves past them anyway.
// Only a failed read leaves the cursor where it was.
//
// The cursor is a plain int64 owned by the caller of Cycle, so a cycle can
// be tested from any starting point:
//
//	loop, err := poll.New(poll.Options{...})
//	cursor, err := loop.Seed(ctx)
//	cursor, err = loop.Cycle(ctx, cursor)
package poll
