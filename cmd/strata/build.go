// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	slogctx "github.com/veqryn/slog-context"

	"github.com/stratabuild/strata/internal/provision"
	"github.com/stratabuild/strata/internal/watch"
	"github.com/stratabuild/strata/pkg/buildfile"
)

type (
	buildOptions struct {
		def      definitionFlags
		target   targetFlags
		printEnv bool
		watch    bool
	}

	// unavailableFetcher stands in for a container engine that could not
	// be detected; only builds that declare artifacts notice.
	unavailableFetcher struct {
		err error
	}
)

func newBuildCommand(app *App) *cobra.Command {
	opts := &buildOptions{}
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Provision the runtime environment",
		Long: `Provision the runtime environment declared in strata.cue, amended by flags.

Stages run in order: artifacts, packages, workspace, dependencies, source and
environment. A stage whose inputs are unchanged and whose output is intact is
skipped; once one stage runs, every later stage runs too. A failed build rolls
back the failing stage and leaves nothing activatable.`,
		Example: `  strata build
  strata build --packages mecab,libmecab-dev,mecab-ipadic-utf8 --binding mecab=/etc/mecabrc
  strata build --manifest pyproject.toml --artifact ghcr.io/astral-sh/uv:0.5.11=/uv=/usr/local/bin/uv`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.failure(runBuild(cmd.Context(), app, opts, cmd.OutOrStdout()))
		},
	}
	opts.def.register(cmd)
	opts.target.registerBuild(cmd)
	cmd.Flags().BoolVar(&opts.printEnv, "print-env", false, "print the wired environment after a successful build")
	cmd.Flags().BoolVarP(&opts.watch, "watch", "w", false, "rebuild whenever the definition, the manifest or the source changes")
	return cmd
}

func runBuild(ctx context.Context, app *App, opts *buildOptions, w io.Writer) error {
	def, err := opts.def.load()
	if err != nil {
		return err
	}
	err = buildOnce(ctx, app, opts, def, w)
	if !opts.watch {
		return err
	}
	if err != nil {
		app.reportRebuildFailure(err)
	}
	return watchBuild(ctx, app, opts, def, w)
}

func buildOnce(ctx context.Context, app *App, opts *buildOptions, def *buildfile.Definition, w io.Writer) error {
	builder, err := app.newBuilder(ctx, opts.target, def)
	if err != nil {
		return err
	}

	report, err := builder.Run(ctx, def)
	if report != nil {
		printStages(w, report.Stages)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "%s Environment ready in %s\n", SuccessStyle.Render("✓"), CmdStyle.Render(builder.Config().HostPath(def.Workspace.Root)))
	if opts.printEnv {
		printEnvironment(w, report.Environment)
	}
	return nil
}

// watchBuild rebuilds on every settled change to the build inputs until
// ctx is cancelled. The lock is written by builds and is not watched.
func watchBuild(ctx context.Context, app *App, opts *buildOptions, def *buildfile.Definition, w io.Writer) error {
	watcher, err := watch.New(watch.Config{
		Paths:   watchPaths(def),
		Exclude: append(slices.Clone(def.Source.Exclude), provision.DefaultLockFilename),
		OnChange: func(ctx context.Context, changed []string) error {
			fmt.Fprintf(w, "\n%s %d changed, rebuilding\n", SubtitleStyle.Render("watch:"), len(changed))
			slogctx.FromCtx(ctx).DebugContext(ctx, "inputs changed", slog.Any("paths", changed))
			next, err := opts.def.load()
			if err == nil {
				err = buildOnce(ctx, app, opts, next, w)
			}
			if err != nil {
				app.reportRebuildFailure(err)
			}
			return nil
		},
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s watching for changes, press Ctrl+C to stop\n", SubtitleStyle.Render("watch:"))
	return watcher.Run(ctx)
}

// watchPaths lists the definition file, the manifest and the source tree
// that exist on disk.
func watchPaths(def *buildfile.Definition) []string {
	manifest, _ := provision.DependencyPaths(def)
	candidates := []string{def.FilePath, manifest, def.ResolvePath(def.Source.Path)}
	var paths []string
	for _, p := range candidates {
		if p == "" || slices.Contains(paths, p) {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			paths = append(paths, p)
		}
	}
	return paths
}

// reportRebuildFailure prints a failed build without ending a watch.
func (a *App) reportRebuildFailure(err error) {
	code, _ := classifyError(err)
	fmt.Fprintf(a.stderr, "\n%s %s %s\n", ErrorStyle.Render("Error:"), formatErrorForDisplay(err, a.verbose),
		SubtitleStyle.Render(fmt.Sprintf("(exit %d)", code)))
}

// newBuilder wires the package manager, the artifact fetcher and the
// registry into a builder for def.
func (a *App) newBuilder(ctx context.Context, target targetFlags, def *buildfile.Definition) (*provision.Builder, error) {
	cfg := a.provisionConfig(&target)
	manager, err := a.Managers(a.settings.Packages.Manager, cfg.Root, a.stderr, a.stderr)
	if err != nil {
		return nil, err
	}

	deps := provision.Deps{Packages: manager, Registry: a.Registry}
	if len(def.Artifacts) > 0 {
		engine, err := a.Engines(a.settings.ContainerEngine)
		if err != nil {
			slogctx.FromCtx(ctx).WarnContext(ctx, "no container engine for artifacts", slog.Any("error", err))
			deps.Artifacts = unavailableFetcher{err: err}
		} else {
			deps.Artifacts = provision.NewEngineArtifactFetcher(engine)
		}
	}
	return provision.NewBuilder(cfg, deps), nil
}

func (f unavailableFetcher) Fetch(_ context.Context, image, _, _ string) error {
	return &provision.ArtifactUnavailableError{Image: image, Err: f.err}
}

// printStages renders the build report in the table layout plan uses,
// with durations in place of keys.
func printStages(w io.Writer, stages []provision.StageReport) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Stage", "Action", "Time"})
	for _, s := range stages {
		t.AppendRow(table.Row{
			string(s.Name),
			actionStyle(string(s.Action)).Render(string(s.Action)),
			s.Duration.Round(time.Millisecond).String(),
		})
	}
	style := table.StyleLight
	style.Options.DrawBorder = false
	t.SetStyle(style)
	t.Render()
}

func printEnvironment(w io.Writer, env map[string]string) {
	for _, k := range slices.Sorted(maps.Keys(env)) {
		fmt.Fprintf(w, "%s=%s\n", k, env[k])
	}
}
