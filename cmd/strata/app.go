// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	charmlog "github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	slogctx "github.com/veqryn/slog-context"

	"github.com/stratabuild/strata/internal/config"
	"github.com/stratabuild/strata/internal/container"
	"github.com/stratabuild/strata/internal/depsync"
	"github.com/stratabuild/strata/internal/pkgmgr"
)

type (
	// EngineFactory returns the container engine for the configured preference.
	EngineFactory func(preferred config.ContainerEngine) (container.Engine, error)

	// ManagerFactory returns the package manager called name operating on root.
	ManagerFactory func(name config.PackageManager, root string, stdout, stderr io.Writer) (pkgmgr.Manager, error)

	// App wires CLI services and shared dependencies. Every command handler
	// receives the App and reads configuration, engines and package managers
	// through it.
	App struct {
		Config   config.Provider
		Engines  EngineFactory
		Managers ManagerFactory
		// Registry overrides the directory registry named in the configuration.
		Registry depsync.Registry

		stdin  io.Reader
		stdout io.Writer
		stderr io.Writer

		cfgFile  string
		verbose  bool
		logLevel string

		// settings is loaded once per invocation by the root command.
		settings     *config.Config
		settingsPath string
	}

	// Dependencies defines the injection points for building an App. Nil
	// fields are replaced with production defaults by NewApp.
	Dependencies struct {
		Config   config.Provider
		Engines  EngineFactory
		Managers ManagerFactory
		Registry depsync.Registry
		Stdin    io.Reader
		Stdout   io.Writer
		Stderr   io.Writer
	}
)

// NewApp creates the CLI composition root.
func NewApp(deps Dependencies) *App {
	app := &App{
		Config:   deps.Config,
		Engines:  deps.Engines,
		Managers: deps.Managers,
		Registry: deps.Registry,
		stdin:    deps.Stdin,
		stdout:   deps.Stdout,
		stderr:   deps.Stderr,
	}
	if app.Config == nil {
		app.Config = config.NewProvider()
	}
	if app.Engines == nil {
		app.Engines = defaultEngine
	}
	if app.Managers == nil {
		app.Managers = defaultManager
	}
	if app.stdin == nil {
		app.stdin = os.Stdin
	}
	if app.stdout == nil {
		app.stdout = os.Stdout
	}
	if app.stderr == nil {
		app.stderr = os.Stderr
	}
	return app
}

func defaultEngine(preferred config.ContainerEngine) (container.Engine, error) {
	if preferred == "" || preferred == config.ContainerEngineAuto {
		return container.AutoDetectEngine()
	}
	return container.NewEngine(container.EngineType(preferred))
}

func defaultManager(name config.PackageManager, root string, stdout, stderr io.Writer) (pkgmgr.Manager, error) {
	return pkgmgr.New(string(name), root, pkgmgr.WithOutput(stdout, stderr))
}

// setup loads the configuration and installs the logger. It runs before
// every command.
func (a *App) setup(cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, path, err := a.Config.Load(ctx, config.LoadOptions{ConfigFilePath: a.cfgFile})
	if err != nil {
		return a.failure(err)
	}
	a.settings, a.settingsPath = cfg, path
	if !a.verbose {
		a.verbose = cfg.UI.Verbose
	}

	logger, err := a.newLogger()
	if err != nil {
		return a.failure(fmt.Errorf("%w: %w", errUsage, err))
	}
	slog.SetDefault(logger)
	cmd.SetContext(slogctx.NewCtx(ctx, logger))
	return nil
}

// newLogger builds the slog logger: a charmbracelet/log handler writing to
// stderr at the level from --log-level, --verbose or the configuration.
func (a *App) newLogger() (*slog.Logger, error) {
	level := a.settings.Log.Level
	switch {
	case a.logLevel != "":
		level = a.logLevel
	case a.verbose:
		level = "debug"
	}
	lvl, err := charmlog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	handler := charmlog.NewWithOptions(a.stderr, charmlog.Options{
		Prefix:          "strata",
		Level:           lvl,
		ReportTimestamp: a.verbose,
	})
	return slog.New(handler), nil
}
