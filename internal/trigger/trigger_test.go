// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package trigger

import "testing"

func TestMatch(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		prefix     string
		wantPrompt string
		wantOK     bool
	}{
		{"prefix then prompt", "@hello", "@", "hello", true},
		{"no prefix", "hello", "@", "", false},
		{"leading whitespace", "  @hi", "@", "hi", true},
		{"leading newline", "\n\t@hi", "@", "hi", true},
		{"prefix alone", "@", "@", "", true},
		{"prompt keeps inner spacing", "@ list two colors ", "@", " list two colors ", true},
		{"prefix mid text", "hey @you", "@", "", false},
		{"multi char prefix", "ai: what time", "ai:", " what time", true},
		{"case sensitive", "AI: what time", "ai:", "", false},
		{"empty text", "", "@", "", false},
		{"empty prefix", "@hello", "", "", false},
		{"unicode prefix", "🤖 joke please", "🤖", " joke please", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prompt, ok := Match(tt.text, tt.prefix)
			if ok != tt.wantOK {
				t.Fatalf("Match(%q, %q) ok = %v, want %v", tt.text, tt.prefix, ok, tt.wantOK)
			}
			if prompt != tt.wantPrompt {
				t.Errorf("Match(%q, %q) prompt = %q, want %q", tt.text, tt.prefix, prompt, tt.wantPrompt)
			}
		})
	}
}
