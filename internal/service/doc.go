// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package service runs imessages-ai in the background.
//
// Two mechanisms are supported:
//   - Manager spawns `imessages-ai run` as a detached process
//     (start/stop/restart/status).
//   - LaunchAgent installs a launchd agent so macOS starts the loop at
//     login and restarts it if it exits.
//
// Either way the running loop calls Acquire on the PID file and holds an
// exclusive lock on it, so at most one responder runs per user and Manager
// sees it no matter what started it.
package service
