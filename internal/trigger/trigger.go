// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package trigger decides whether a self-sent message is addressed to the AI.
package trigger

import (
	"strings"
	"unicode"
)

// Match reports whether text starts with prefix once leading whitespace is
// trimmed, and returns the prompt that follows the prefix. Matching is
// case-sensitive and nothing else is normalized. An empty prefix never
// matches.
func Match(text, prefix string) (string, bool) {
	if prefix == "" {
		return "", false
	}
	trimmed := strings.TrimLeftFunc(text, unicode.IsSpace)
	if !strings.HasPrefix(trimmed, prefix) {
		return "", false
	}
	return trimmed[len(prefix):], true
}
