// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package poll

import "strings"

const (
	// echoDepth is how many delivered replies are remembered per conversation.
	echoDepth = 64
	// echoChats caps the conversations tracked; the least recently
	// answered one is forgotten first.
	echoChats = 256
)

// echoGuard remembers replies the loop delivered. Messages.app stores them
// as self-sent messages, so without the guard a reply that starts with the
// trigger prefix would trigger another reply.
type echoGuard struct {
	recent map[string][]string
	// chats in recent, least recently remembered first
	order []string
}

func newEchoGuard() *echoGuard {
	return &echoGuard{recent: make(map[string][]string)}
}

// remember records text as delivered to chat.
func (g *echoGuard) remember(chat, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	list := append(g.recent[chat], text)
	if len(list) > echoDepth {
		list = list[len(list)-echoDepth:]
	}
	g.recent[chat] = list

	g.unlink(chat)
	g.order = append(g.order, chat)
	for len(g.order) > echoChats {
		delete(g.recent, g.order[0])
		g.order = g.order[1:]
	}
}

// consume reports whether text is a remembered reply for chat and forgets
// it, so one delivery suppresses exactly one echo.
func (g *echoGuard) consume(chat, text string) bool {
	text = strings.TrimSpace(text)
	list := g.recent[chat]
	for i, t := range list {
		if t == text {
			g.recent[chat] = append(list[:i:i], list[i+1:]...)
			if len(g.recent[chat]) == 0 {
				delete(g.recent, chat)
				g.unlink(chat)
			}
			return true
		}
	}
	return false
}

func (g *echoGuard) unlink(chat string) {
	for i, c := range g.order {
		if c == chat {
			g.order = append(g.order[:i], g.order[i+1:]...)
			return
		}
	}
}
