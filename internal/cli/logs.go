// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jeranaias/imessages-ai/internal/logging"
)

func (a *app) newLogsCommand() *cobra.Command {
	var (
		lines  int
		follow bool
	)

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the responder log",
		Example: `  imessages-ai logs           Last 50 lines
  imessages-ai logs -n 200    Last 200 lines
  imessages-ai logs -f        Follow new lines`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if lines < 0 {
				return fmt.Errorf("invalid line count %d", lines)
			}
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}

			tail, err := logging.Tail(cfg.Logging.File, lines)
			if err != nil {
				return err
			}
			for _, l := range tail {
				fmt.Fprintln(a.out, l)
			}
			if !follow {
				return nil
			}

			// the directory may not exist before the first run
			if err := os.MkdirAll(filepath.Dir(cfg.Logging.File), 0755); err != nil {
				return fmt.Errorf("failed to create log directory: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return logging.Follow(ctx, cfg.Logging.File, a.out)
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "number of lines to show")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new lines")
	return cmd
}
