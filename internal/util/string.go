// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import "strings"

// UNICODE: Rune-aware truncation preserves multi-byte characters.
// Message text routinely carries emoji and the math-italic reply glyphs,
// which are four bytes each; byte slicing would corrupt them.

// TruncateRunes truncates a string to a maximum number of runes.
// If the string is truncated, "..." is appended within the limit.
func TruncateRunes(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	if maxRunes <= 3 {
		return string(runes[:maxRunes])
	}
	return string(runes[:maxRunes-3]) + "..."
}

// Preview collapses newlines and runs of whitespace into single spaces and
// truncates the result, for putting message text into one log field.
func Preview(s string, maxRunes int) string {
	return TruncateRunes(strings.Join(strings.Fields(s), " "), maxRunes)
}
