// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jeranaias/imessages-ai/internal/config"
)

// BuildInfo is stamped at link time.
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

// app holds state shared by every command.
type app struct {
	info BuildInfo

	// global flags
	configPath string
	verbose    bool

	out    io.Writer
	errOut io.Writer
}

// Execute runs the root command and exits non-zero on error.
func Execute(info BuildInfo) {
	if err := NewRootCommand(info).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ErrorStyle.Render("Error:"), err)
		os.Exit(1)
	}
}

// NewRootCommand builds the imessages-ai command tree.
func NewRootCommand(info BuildInfo) *cobra.Command {
	a := &app{info: info}

	root := &cobra.Command{
		Use:   "imessages-ai",
		Short: "Answer your own iMessages with an LLM",
		Long: `imessages-ai watches the Messages database for texts you send that start
with a trigger prefix (default "@"), asks an LLM for a reply, and sends the
answer back into the same conversation.

Text yourself or anyone else "@what's the capital of Peru" and the reply
shows up in that chat a few seconds later.

Requires macOS with Full Disk Access for the terminal (to read chat.db)
and Automation permission for Messages.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.out = cmd.OutOrStdout()
			a.errOut = cmd.ErrOrStderr()
			if a.configPath != "" {
				abs, err := filepath.Abs(a.configPath)
				if err != nil {
					return fmt.Errorf("invalid --config path: %w", err)
				}
				a.configPath = abs
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default ~/.config/imessages-ai/config.toml)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		a.newRunCommand(),
		a.newStartCommand(),
		a.newStopCommand(),
		a.newRestartCommand(),
		a.newStatusCommand(),
		a.newLogsCommand(),
		a.newSetupCommand(),
		a.newUninstallCommand(),
		a.newVersionCommand(),
	)
	return root
}

// loadConfig loads the effective configuration (file plus environment).
func (a *app) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, err
	}
	if a.verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

// resolvedConfigPath is the file setup writes and status reports.
func (a *app) resolvedConfigPath() (string, error) {
	if a.configPath != "" {
		return a.configPath, nil
	}
	return config.ConfigPath()
}

func (a *app) newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(a.out, "imessages-ai %s\n", a.info.Version)
			fmt.Fprintf(a.out, "  commit: %s\n", a.info.Commit)
			fmt.Fprintf(a.out, "  built:  %s\n", a.info.Date)
		},
	}
}
