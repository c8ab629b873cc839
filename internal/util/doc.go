// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small file and string helpers shared by the
// imessages-ai packages.
//
// # Key Functions
//
//   - AtomicWriteFile: crash-safe file writing with fsync (config, LaunchAgent plist)
//   - Preview: single-line, rune-safe truncation for log fields
//   - TruncateRunes: UTF-8 safe truncation with ellipsis
//
// # Usage
//
//	// Keep prompts short in log lines
//	logger.Info("triggered", zap.String("prompt", util.Preview(prompt, 80)))
//
//	// Replace the config without leaving a torn file behind
//	err := util.AtomicWriteFile(configPath, data, 0600)
package util
