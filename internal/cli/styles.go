// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the imessages-ai command surface.
//
// Styles in this file are shared by the status and setup commands.
package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// =============================================================================
// STYLES
// =============================================================================

var (
	// TitleStyle for command headers
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))

	// SectionStyle for section headers
	SectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("252"))

	// LabelStyle for field labels
	LabelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Width(14)

	// ValueStyle for field values
	ValueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("255"))

	SuccessStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	ErrorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	WarningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	DimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	SeparatorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("238"))
)

func init() {
	lipgloss.SetColorProfile(GetColorProfile())
}

// RenderSeparator returns a horizontal rule of the given width.
func RenderSeparator(width int) string {
	if width <= 0 {
		width = 40
	}
	return SeparatorStyle.Render(strings.Repeat("-", width))
}

// RenderLabel renders "label  value" with the label padded.
func RenderLabel(label, value string) string {
	return LabelStyle.Render(label) + ValueStyle.Render(value)
}

// RenderStatus renders a state word in green when ok, red otherwise.
func RenderStatus(ok bool, okText, badText string) string {
	if ok {
		return SuccessStyle.Render(okText)
	}
	return ErrorStyle.Render(badText)
}

// RenderHint renders a dimmed follow-up hint.
func RenderHint(format string, args ...any) string {
	return DimStyle.Render(fmt.Sprintf(format, args...))
}
