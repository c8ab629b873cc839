// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jeranaias/imessages-ai/internal/config"
	"github.com/jeranaias/imessages-ai/internal/messages"
	"github.com/jeranaias/imessages-ai/internal/service"
)

// pidFilePath returns ~/.config/imessages-ai/imessages-ai.pid, the lock
// every running responder holds.
func pidFilePath() (string, error) {
	dir, err := config.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "imessages-ai.pid"), nil
}

// childArgs are the arguments start and the LaunchAgent run with.
func (a *app) childArgs() []string {
	args := []string{"run", "--detached"}
	if a.configPath != "" {
		args = append(args, "--config", a.configPath)
	}
	if a.verbose {
		args = append(args, "--verbose")
	}
	return args
}

func (a *app) manager(cfg *config.Config) (*service.Manager, error) {
	pidFile, err := pidFilePath()
	if err != nil {
		return nil, err
	}
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to locate executable: %w", err)
	}
	return &service.Manager{
		PIDFile:    pidFile,
		Executable: exe,
		Args:       a.childArgs(),
		LogFile:    cfg.Logging.File,
	}, nil
}

// =============================================================================
// START / STOP / RESTART
// =============================================================================

func (a *app) newStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the responder in the background",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.start()
		},
	}
}

func (a *app) start() error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	// fail here rather than in a detached child nobody is watching
	if err := cfg.RequireAPIKey(); err != nil {
		return err
	}
	mgr, err := a.manager(cfg)
	if err != nil {
		return err
	}

	pid, err := mgr.Start()
	switch {
	case errors.Is(err, service.ErrAlreadyRunning):
		fmt.Fprintln(a.out, WarningStyle.Render("Already running")+" "+RenderHint("(PID %d)", pid))
		return nil
	case errors.Is(err, service.ErrExitedEarly):
		return fmt.Errorf("%w, see %s", err, cfg.Logging.File)
	case err != nil:
		return err
	}

	fmt.Fprintln(a.out, SuccessStyle.Render("Started")+" "+RenderHint("(PID %d)", pid))
	fmt.Fprintln(a.out, RenderHint("Logs: %s", cfg.Logging.File))
	return nil
}

func (a *app) newStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the background responder",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.stop(true)
		},
	}
}

// stop stops the background process. When report is false a missing
// process is silently ignored.
func (a *app) stop(report bool) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	mgr, err := a.manager(cfg)
	if err != nil {
		return err
	}

	err = mgr.Stop()
	switch {
	case errors.Is(err, service.ErrNotRunning):
		if report {
			fmt.Fprintln(a.out, DimStyle.Render("Not running"))
		}
		return nil
	case err != nil:
		return err
	}
	fmt.Fprintln(a.out, SuccessStyle.Render("Stopped"))
	return nil
}

func (a *app) newRestartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the background responder",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.stop(false); err != nil {
				return err
			}
			return a.start()
		},
	}
}

// =============================================================================
// STATUS
// =============================================================================

func (a *app) newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Aliases: []string{"s"},
		Short:   "Show whether the responder is running and how it is configured",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.status()
		},
	}
}

func (a *app) status() error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	mgr, err := a.manager(cfg)
	if err != nil {
		return err
	}
	st, err := mgr.Status()
	if err != nil {
		return err
	}
	cfgPath, err := a.resolvedConfigPath()
	if err != nil {
		return err
	}

	out := a.out
	fmt.Fprintln(out, TitleStyle.Render("imessages-ai status"))
	fmt.Fprintln(out, RenderSeparator(40))

	state := RenderStatus(st.Running, "running", "stopped")
	if st.Running {
		state += " " + RenderHint("(PID %s)", strconv.Itoa(st.PID))
	}
	fmt.Fprintln(out, RenderLabel("Process", state))
	if st.Stale {
		fmt.Fprintln(out, RenderLabel("", WarningStyle.Render("removed stale PID file")))
	}
	agentPath, err := service.DefaultLaunchAgentPath()
	if err == nil {
		agent := &service.LaunchAgent{Path: agentPath}
		fmt.Fprintln(out, RenderLabel("LaunchAgent", RenderStatus(agent.Installed(), "installed", "not installed")))
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, SectionStyle.Render("Config"))
	fmt.Fprintln(out, RenderLabel("Provider", cfg.LLM.Provider))
	fmt.Fprintln(out, RenderLabel("Model", cfg.LLM.Model))
	fmt.Fprintln(out, RenderLabel("API key", cfg.MaskedAPIKey()))
	fmt.Fprintln(out, RenderLabel("Trigger", strconv.Quote(cfg.Trigger.Prefix)))
	fmt.Fprintln(out, RenderLabel("Poll", cfg.PollInterval().String()))

	fmt.Fprintln(out)
	fmt.Fprintln(out, SectionStyle.Render("Paths"))
	fmt.Fprintln(out, RenderLabel("Config", cfgPath))
	fmt.Fprintln(out, RenderLabel("Log", cfg.Logging.File))
	dbState := "readable"
	store, err := messages.Open(cfg.Store.MessagesDB)
	if err != nil {
		dbState = "unreadable"
	} else {
		store.Close()
	}
	fmt.Fprintln(out, RenderLabel("Messages DB", cfg.Store.MessagesDB+" "+RenderStatus(err == nil, dbState, dbState)))
	if err != nil {
		fmt.Fprintln(out, RenderHint("Grant Full Disk Access to your terminal to read chat.db."))
	}
	return nil
}
