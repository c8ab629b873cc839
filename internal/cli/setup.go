// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeranaias/imessages-ai/internal/config"
	"github.com/jeranaias/imessages-ai/internal/service"
)

// setupFlags are the values setup accepts without prompting.
type setupFlags struct {
	provider string
	apiKey   string
	model    string
	trigger  string
	italic   bool
	noInput  bool
	launchd  bool
}

func (a *app) newSetupCommand() *cobra.Command {
	var f setupFlags

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Create or update the config file",
		Long: `Create or update ~/.config/imessages-ai/config.toml.

Without --no-input, setup asks for each value and shows the current one
as the default. The API key is read without echo.`,
		Example: `  imessages-ai setup
  imessages-ai setup --provider gemini --api-key "$GEMINI_API_KEY" --no-input
  imessages-ai setup --launchd        Also start at login`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var p *prompter
			if !f.noInput {
				if !IsTTY() {
					return ErrNoTTY
				}
				p = newTerminalPrompter(a.out)
			}
			return a.setup(cmd, f, p)
		},
	}

	cmd.Flags().StringVar(&f.provider, "provider", "", "completion provider: openai or gemini")
	cmd.Flags().StringVar(&f.apiKey, "api-key", "", "provider API key")
	cmd.Flags().StringVar(&f.model, "model", "", "model name")
	cmd.Flags().StringVar(&f.trigger, "trigger", "", "trigger prefix")
	cmd.Flags().BoolVar(&f.italic, "italic", true, "render replies in Unicode italics")
	cmd.Flags().BoolVar(&f.noInput, "no-input", false, "do not prompt; use flags and existing values")
	cmd.Flags().BoolVar(&f.launchd, "launchd", false, "install a LaunchAgent that starts the responder at login")
	return cmd
}

// setup merges flags and answers into the config file. p is nil when
// prompting is disabled.
func (a *app) setup(cmd *cobra.Command, f setupFlags, p *prompter) error {
	path, err := a.resolvedConfigPath()
	if err != nil {
		return err
	}

	// file values only; environment overrides stay out of the saved file
	cfg := config.Default()
	existing := false
	if _, err := os.Stat(path); err == nil {
		existing = true
		if err := config.LoadTOML(cfg, path); err != nil {
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("provider") {
		setProvider(cfg, f.provider)
	}
	if flags.Changed("api-key") {
		cfg.LLM.APIKey = strings.TrimSpace(f.apiKey)
	}
	if flags.Changed("model") {
		cfg.LLM.Model = f.model
	}
	if flags.Changed("trigger") {
		cfg.Trigger.Prefix = f.trigger
	}
	if flags.Changed("italic") {
		cfg.Reply.Italic = f.italic
	}

	if p != nil {
		fmt.Fprintln(a.out, TitleStyle.Render("imessages-ai setup"))
		fmt.Fprintln(a.out, RenderSeparator(40))
		if existing {
			fmt.Fprintln(a.out, RenderHint("Updating %s", path))
		}
		if err := promptConfig(p, cfg); err != nil {
			return err
		}
	}

	check := *cfg
	if err := check.SetDefaults(); err != nil {
		return err
	}
	if err := check.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if err := config.SaveTOML(cfg, path); err != nil {
		return err
	}
	fmt.Fprintln(a.out, SuccessStyle.Render("Saved")+" "+path)

	if cfg.LLM.APIKey == "" {
		keyVar := "OPENAI_API_KEY"
		if check.LLM.Provider == config.ProviderGemini {
			keyVar = "GEMINI_API_KEY"
		}
		fmt.Fprintln(a.out, WarningStyle.Render("No API key saved.")+" "+RenderHint("Set %s before running.", keyVar))
	}

	if f.launchd {
		return a.installLaunchAgent(cmd, path, check.Logging.File)
	}
	fmt.Fprintln(a.out, RenderHint("Next: imessages-ai start"))
	return nil
}

// setProvider switches provider and swaps a default model for the new
// provider's default.
func setProvider(cfg *config.Config, provider string) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	openaiDefault := config.Default().LLM.Model
	switch {
	case provider == config.ProviderGemini && cfg.LLM.Model == openaiDefault:
		cfg.LLM.Model = config.DefaultGeminiModel
	case provider == config.ProviderOpenAI && cfg.LLM.Model == config.DefaultGeminiModel:
		cfg.LLM.Model = openaiDefault
	}
	cfg.LLM.Provider = provider
}

func promptConfig(p *prompter, cfg *config.Config) error {
	provider, err := p.String("Provider (openai, gemini)", cfg.LLM.Provider)
	if err != nil {
		return err
	}
	setProvider(cfg, provider)

	if cfg.LLM.APIKey, err = p.Secret("API key", cfg.LLM.APIKey); err != nil {
		return err
	}
	if cfg.LLM.Model, err = p.String("Model", cfg.LLM.Model); err != nil {
		return err
	}
	if cfg.Trigger.Prefix, err = p.String("Trigger prefix", cfg.Trigger.Prefix); err != nil {
		return err
	}
	if cfg.Reply.Italic, err = p.YesNo("Italic replies", cfg.Reply.Italic); err != nil {
		return err
	}
	return nil
}

// installLaunchAgent writes and loads the per-user agent. launchd starts
// it without the shell environment, so the config path is always explicit.
func (a *app) installLaunchAgent(cmd *cobra.Command, configPath, logFile string) error {
	agentPath, err := service.DefaultLaunchAgentPath()
	if err != nil {
		return err
	}
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate executable: %w", err)
	}

	args := []string{"run", "--detached", "--config", configPath}
	if a.verbose {
		args = append(args, "--verbose")
	}
	agent := &service.LaunchAgent{
		Path:    agentPath,
		Program: exe,
		Args:    args,
		LogFile: logFile,
	}
	if err := agent.Install(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintln(a.out, SuccessStyle.Render("LaunchAgent installed")+" "+agentPath)
	return nil
}
