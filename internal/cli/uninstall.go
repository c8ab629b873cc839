// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jeranaias/imessages-ai/internal/config"
	"github.com/jeranaias/imessages-ai/internal/service"
)

func (a *app) newUninstallCommand() *cobra.Command {
	var purge bool

	cmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Stop the responder and remove the LaunchAgent",
		Long: `Stop the background responder, unload and remove the LaunchAgent, and
remove the PID file. With --purge the config directory and logs are
removed too. The binary itself is left in place.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.stop(false); err != nil {
				return err
			}

			agentPath, err := service.DefaultLaunchAgentPath()
			if err != nil {
				return err
			}
			agent := &service.LaunchAgent{Path: agentPath}
			if agent.Installed() {
				if err := agent.Uninstall(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(a.out, SuccessStyle.Render("Removed")+" "+agentPath)
			}

			pidFile, err := pidFilePath()
			if err != nil {
				return err
			}
			if err := service.RemovePID(pidFile); err != nil {
				return err
			}

			if purge {
				if err := a.purge(); err != nil {
					return err
				}
			}
			fmt.Fprintln(a.out, SuccessStyle.Render("Uninstalled"))
			return nil
		},
	}
	cmd.Flags().BoolVar(&purge, "purge", false, "also remove config and logs")
	return cmd
}

// purge removes the config directory, an explicit --config file, and the
// log directory.
func (a *app) purge() error {
	var targets []string

	dir, err := config.ConfigDir()
	if err != nil {
		return err
	}
	targets = append(targets, dir)
	if a.configPath != "" && filepath.Dir(a.configPath) != dir {
		targets = append(targets, a.configPath)
	}
	logDir, err := config.LogDir()
	if err != nil {
		return err
	}
	targets = append(targets, logDir)

	for _, t := range targets {
		if err := os.RemoveAll(t); err != nil {
			return fmt.Errorf("failed to remove %s: %w", t, err)
		}
		fmt.Fprintln(a.out, SuccessStyle.Render("Removed")+" "+t)
	}
	return nil
}
