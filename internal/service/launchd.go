// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package service

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/jeranaias/imessages-ai/internal/util"
)

// =============================================================================
// LAUNCH AGENT
// =============================================================================

// LaunchAgentLabel identifies the agent to launchd.
const LaunchAgentLabel = "com.imessages-ai.agent"

// Runner executes a command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// LaunchAgent manages a per-user launchd agent running the loop.
type LaunchAgent struct {
	// Path is the plist location, normally ~/Library/LaunchAgents/<label>.plist
	Path  string
	Label string
	// Program and Args are the command launchd runs
	Program string
	Args    []string
	// LogFile receives the agent's stdout and stderr
	LogFile string
	// Runner overrides launchctl execution
	Runner Runner
}

// DefaultLaunchAgentPath returns ~/Library/LaunchAgents/<LaunchAgentLabel>.plist.
func DefaultLaunchAgentPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, "Library", "LaunchAgents", LaunchAgentLabel+".plist"), nil
}

var plistTemplate = template.Must(template.New("plist").Funcs(template.FuncMap{
	"xml": xmlEscape,
}).Parse(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>{{xml .Label}}</string>
	<key>ProgramArguments</key>
	<array>
		<string>{{xml .Program}}</string>
{{- range .Args}}
		<string>{{xml .}}</string>
{{- end}}
	</array>
	<key>RunAtLoad</key>
	<true/>
	<key>KeepAlive</key>
	<dict>
		<key>SuccessfulExit</key>
		<false/>
	</dict>
	<key>ThrottleInterval</key>
	<integer>10</integer>
{{- if .LogFile}}
	<key>StandardOutPath</key>
	<string>{{xml .LogFile}}</string>
	<key>StandardErrorPath</key>
	<string>{{xml .LogFile}}</string>
{{- end}}
</dict>
</plist>
`))

func xmlEscape(s string) (string, error) {
	var b strings.Builder
	if err := xml.EscapeText(&b, []byte(s)); err != nil {
		return "", err
	}
	return b.String(), nil
}

func (a *LaunchAgent) label() string {
	if a.Label == "" {
		return LaunchAgentLabel
	}
	return a.Label
}

func (a *LaunchAgent) runner() Runner {
	if a.Runner == nil {
		return execRunner{}
	}
	return a.Runner
}

// Render returns the plist document.
func (a *LaunchAgent) Render() ([]byte, error) {
	if a.Program == "" {
		return nil, errors.New("launch agent program is required")
	}
	var buf bytes.Buffer
	err := plistTemplate.Execute(&buf, struct {
		Label, Program, LogFile string
		Args                    []string
	}{a.label(), a.Program, a.LogFile, a.Args})
	if err != nil {
		return nil, fmt.Errorf("failed to render plist: %w", err)
	}
	return buf.Bytes(), nil
}

// Installed reports whether the plist exists.
func (a *LaunchAgent) Installed() bool {
	_, err := os.Stat(a.Path)
	return err == nil
}

// Install writes the plist and (re)loads it with launchctl.
func (a *LaunchAgent) Install(ctx context.Context) error {
	data, err := a.Render()
	if err != nil {
		return err
	}
	if err := util.AtomicWriteFile(a.Path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", a.Path, err)
	}

	// An older copy may still be loaded
	_, _ = a.runner().Run(ctx, "launchctl", "unload", a.Path)

	if out, err := a.runner().Run(ctx, "launchctl", "load", "-w", a.Path); err != nil {
		return fmt.Errorf("launchctl load: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Uninstall unloads the agent and removes the plist. It is a no-op when
// the agent is not installed.
func (a *LaunchAgent) Uninstall(ctx context.Context) error {
	if !a.Installed() {
		return nil
	}
	if out, err := a.runner().Run(ctx, "launchctl", "unload", "-w", a.Path); err != nil {
		return fmt.Errorf("launchctl unload: %w: %s", err, strings.TrimSpace(string(out)))
	}
	if err := os.Remove(a.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", a.Path, err)
	}
	return nil
}
