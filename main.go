// imessages-ai - answers self-sent, prefix-triggered iMessages with an LLM.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import "github.com/jeranaias/imessages-ai/internal/cli"

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	cli.Execute(cli.BuildInfo{
		Version: Version,
		Commit:  GitCommit,
		Date:    BuildDate,
	})
}
