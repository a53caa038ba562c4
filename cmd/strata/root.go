// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/stratabuild/strata/pkg/types"
)

var (
	// Version is the semantic version (set via -ldflags).
	Version = "dev"
	// Commit is the git commit hash (set via -ldflags).
	Commit = "unknown"
	// BuildDate is the build timestamp (set via -ldflags).
	BuildDate = "unknown"
)

// NewRootCommand assembles the command tree around app.
func NewRootCommand(app *App) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "strata",
		Short: "Reproducible runtime environments for applications",
		Long: TitleStyle.Render("strata") + SubtitleStyle.Render(" - Reproducible runtime environments for applications") + `

strata provisions the runtime environment an application needs: external
tool binaries, system packages, a workspace with an isolated dependency
environment, the application source and the environment variables that tie
native libraries to their configuration. Every stage is cached by the digest
of its inputs, so an unchanged environment rebuilds in no time.

Environments are declared in 'strata.cue' and can be provisioned on the host,
exported as a Dockerfile, or built into a container image.

` + SubtitleStyle.Render("Examples:") + `
  strata build                      Provision the environment in strata.cue
  strata plan                       Show which stages a build would run
  strata activate -- python app.py  Run a workload in the environment
  strata export > Dockerfile        Render the equivalent Dockerfile
  strata config show                Show current configuration`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.setup(cmd)
		},
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return app.failure(fmt.Errorf("%w: %w", errUsage, err))
	})

	rootCmd.PersistentFlags().BoolVarP(&app.verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().StringVar(&app.cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/strata/config.cue)")
	rootCmd.PersistentFlags().StringVar(&app.logLevel, "log-level", "", "log level: debug, info, warn or error (overrides the configuration)")

	rootCmd.AddCommand(
		newBuildCommand(app),
		newPlanCommand(app),
		newLockCommand(app),
		newActivateCommand(app),
		newIdleCommand(app),
		newExportCommand(app),
		newImageCommand(app),
		newConfigCommand(app),
	)

	rootCmd.SetIn(app.stdin)
	rootCmd.SetOut(app.stdout)
	rootCmd.SetErr(app.stderr)
	return rootCmd
}

// getVersionString returns a formatted version string for display.
func getVersionString() string {
	if Version == "dev" {
		return "dev (built from source)"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate)
}

// Execute runs the command tree and exits with the classified exit code.
// This is called by main.main().
func Execute() {
	app := NewApp(Dependencies{})
	rootCmd := NewRootCommand(app)

	// fang overrides rootCmd.Version, so the version goes through WithVersion.
	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithVersion(getVersionString()),
		fang.WithNotifySignal(os.Interrupt, syscall.SIGTERM),
		fang.WithErrorHandler(app.renderError),
	); err != nil {
		os.Exit(int(exitStatus(err)))
	}
}

// renderError is the fang error handler. A workload's own non-zero exit
// is passed through silently.
func (a *App) renderError(w io.Writer, _ fang.Styles, err error) {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		svcErr.render(w)
		return
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) && exitErr.Err == nil {
		return
	}
	fmt.Fprintf(w, "\n%s %s\n", ErrorStyle.Render("Error:"), formatErrorForDisplay(err, a.verbose))
}

// exitStatus returns the process exit code for an error returned by the
// command tree.
func exitStatus(err error) types.ExitCode {
	if err == nil {
		return types.ExitOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	code, _ := classifyError(err)
	return code
}
