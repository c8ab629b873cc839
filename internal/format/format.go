// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package format shapes completion text before it is sent as an iMessage.
//
// Messages has no rich text, so styling is done with Unicode: ASCII letters
// are mapped to the Mathematical Italic block (U+1D434..U+1D467). That block
// has a hole where lowercase h would be; U+210E PLANCK CONSTANT stands in.
package format

import (
	"regexp"
	"strings"
)

// =============================================================================
// ITALIC
// =============================================================================

const (
	italicUpper = 0x1D434
	italicLower = 0x1D44E
	italicH     = 0x210E
)

func italicRune(r rune) rune {
	switch {
	case r >= 'A' && r <= 'Z':
		return italicUpper + (r - 'A')
	case r == 'h':
		return italicH
	case r >= 'a' && r <= 'z':
		return italicLower + (r - 'a')
	default:
		return r
	}
}

// Italic maps ASCII letters to their mathematical italic forms. Digits,
// punctuation, whitespace and non-ASCII runes pass through unchanged.
func Italic(s string) string {
	return strings.Map(italicRune, s)
}

// Reply applies the configured styling to s.
func Reply(s string, italic bool) string {
	if italic {
		return Italic(s)
	}
	return s
}

// =============================================================================
// MARKDOWN
// =============================================================================

// Models emit markdown even when told not to; Messages shows it literally.
var markdownRules = []struct {
	re   *regexp.Regexp
	repl string
	// passes > 1 re-runs a rule whose match consumes its separator so
	// adjacent spans like "_a_ _b_" are all stripped
	passes int
}{
	{regexp.MustCompile(`\*\*([^\n]+?)\*\*`), "$1", 1},
	{regexp.MustCompile(`__([^\n]+?)__`), "$1", 1},
	{regexp.MustCompile(`\*([^*\n]+?)\*`), "$1", 1},
	// underscores inside words (snake_case) are left alone
	{regexp.MustCompile(`(^|[^\w])_([^_\n]+?)_([^\w]|$)`), "$1$2$3", 2},
	{regexp.MustCompile(`(?m)^#{1,6}[ \t]+`), "", 1},
	{regexp.MustCompile(`\[([^\]\n]+?)\]\(([^)\n]+?)\)`), "$1 ($2)", 1},
	{regexp.MustCompile("`([^`\n]+?)`"), "$1", 1},
}

// StripMarkdown removes bold, emphasis, heading markers and inline code
// markup, and rewrites [text](url) links as "text (url)".
func StripMarkdown(s string) string {
	for _, rule := range markdownRules {
		for i := 0; i < rule.passes; i++ {
			s = rule.re.ReplaceAllString(s, rule.repl)
		}
	}
	return s
}
