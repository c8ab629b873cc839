// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package messages

import (
	"bytes"
	"strings"
	"time"
)

// =============================================================================
// ATTRIBUTED BODY DECODING
// =============================================================================

// Newer macOS releases leave message.text NULL and store the body only as
// an NSArchiver typedstream in message.attributedBody:
//
//	NSString <ctrl> + <length> <UTF-8 text> 0x86 0x84 <attributes...>
//
// The length after '+' is a single byte below 0x80, or 0x81 followed by a
// 2-byte little-endian length, or 0x82 followed by a 3-byte one.

var (
	stringMarkers = [][]byte{[]byte("NSString"), []byte("NSMutableString")}
	bodyEnd       = []byte{0x86, 0x84}
)

// DecodeAttributedBody extracts the plain text from an attributedBody blob.
// It returns "" when the blob is empty or not in the expected layout.
func DecodeAttributedBody(blob []byte) string {
	if len(blob) == 0 {
		return ""
	}

	var rest []byte
	for _, marker := range stringMarkers {
		if idx := bytes.Index(blob, marker); idx != -1 {
			rest = blob[idx+len(marker):]
			break
		}
	}
	if rest == nil {
		return ""
	}

	plus := bytes.IndexByte(rest, '+')
	if plus == -1 {
		return ""
	}
	rest = rest[plus+1:]
	if len(rest) == 0 {
		return ""
	}

	skip := 1
	switch rest[0] {
	case 0x81:
		skip = 3
	case 0x82:
		skip = 4
	}
	if skip > len(rest) {
		return ""
	}
	rest = rest[skip:]

	if end := bytes.Index(rest, bodyEnd); end != -1 {
		rest = rest[:end]
	}
	return strings.TrimSpace(strings.ToValidUTF8(string(rest), ""))
}

// messageText picks the text column when it has content and falls back to
// the attributed body.
func messageText(text string, body []byte) string {
	if t := strings.TrimSpace(text); t != "" {
		return t
	}
	return DecodeAttributedBody(body)
}

// =============================================================================
// APPLE TIMESTAMPS
// =============================================================================

// appleEpoch is the Core Data reference date used by message.date.
var appleEpoch = time.Date(2001, time.January, 1, 0, 0, 0, 0, time.UTC)

// nanosecondThreshold separates legacy second-resolution dates from the
// nanosecond dates written since macOS 10.13.
const nanosecondThreshold = 1_000_000_000_000

// AppleTime converts a message.date value to a time. Zero maps to the
// zero time.
func AppleTime(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	if v > nanosecondThreshold || v < -nanosecondThreshold {
		return appleEpoch.Add(time.Duration(v))
	}
	return appleEpoch.Add(time.Duration(v) * time.Second)
}
