// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/stratabuild/strata/internal/config"
)

// newConfigCommand creates the `strata config` command tree. Subcommands
// read the configuration the root command loaded.
func newConfigCommand(app *App) *cobra.Command {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage strata configuration",
		Long: `Manage strata configuration.

Configuration is stored in:
  - Linux: $XDG_CONFIG_HOME/strata/config.cue (~/.config/strata/config.cue)
  - macOS: ~/Library/Application Support/strata/config.cue
  - Windows: %APPDATA%\strata\config.cue

Every key can be overridden with a STRATA_ environment variable, e.g.
STRATA_BUILD_TIMEOUT=10m or STRATA_PACKAGES_MANAGER=none.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			showConfig(cmd.OutOrStdout(), app.settings, app.settingsPath)
			return nil
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.CreateDefaultConfig()
			if err != nil {
				return app.failure(fmt.Errorf("failed to create config: %w", err))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Configuration at %s\n", SuccessStyle.Render("✓"), path)
			return nil
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := config.ConfigDir()
			if err != nil {
				return app.failure(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), filepath.Join(dir, config.ConfigFileName))
			return nil
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "Output the effective configuration as CUE",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprint(cmd.OutOrStdout(), config.GenerateCUE(app.settings))
			return nil
		},
	})

	return cfgCmd
}

func showConfig(w io.Writer, cfg *config.Config, path string) {
	keyStyle := CmdStyle
	valueStyle := SuccessStyle

	fmt.Fprintln(w, TitleStyle.Render("Current Configuration"))
	fmt.Fprintln(w)
	if path != "" {
		fmt.Fprintf(w, "%s: %s\n", keyStyle.Render("Config file"), path)
	} else {
		fmt.Fprintf(w, "%s: %s\n", keyStyle.Render("Config file"), SubtitleStyle.Render("(using defaults)"))
	}
	fmt.Fprintln(w)

	stateDir := cfg.Build.StateDir
	if stateDir == "" {
		stateDir = cfg.StateDir() + " " + SubtitleStyle.Render("(default)")
	}
	registry := cfg.Dependencies.Registry
	if registry == "" {
		registry = SubtitleStyle.Render("(<state_dir>/registry)")
	}

	fmt.Fprintf(w, "%s: %s\n", keyStyle.Render("container_engine"), valueStyle.Render(string(cfg.ContainerEngine)))
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s:\n", keyStyle.Render("build"))
	fmt.Fprintf(w, "  timeout: %s\n", valueStyle.Render(cfg.Build.Timeout.String()))
	fmt.Fprintf(w, "  root: %s\n", valueStyle.Render(cfg.Build.Root))
	fmt.Fprintf(w, "  state_dir: %s\n", valueStyle.Render(stateDir))
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s:\n", keyStyle.Render("packages"))
	fmt.Fprintf(w, "  manager: %s\n", valueStyle.Render(string(cfg.Packages.Manager)))
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s:\n", keyStyle.Render("dependencies"))
	fmt.Fprintf(w, "  registry: %s\n", valueStyle.Render(registry))
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s:\n", keyStyle.Render("log"))
	fmt.Fprintf(w, "  level: %s\n", valueStyle.Render(cfg.Log.Level))
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s:\n", keyStyle.Render("ui"))
	fmt.Fprintf(w, "  verbose: %s\n", valueStyle.Render(fmt.Sprintf("%v", cfg.UI.Verbose)))
}
