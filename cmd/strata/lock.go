// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/stratabuild/strata/internal/depsync"
	"github.com/stratabuild/strata/internal/issue"
	"github.com/stratabuild/strata/internal/provision"
)

type lockOptions struct {
	def    definitionFlags
	target targetFlags
}

func newLockCommand(app *App) *cobra.Command {
	opts := &lockOptions{}
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Resolve dependencies and write the lock file",
		Long: `Resolve the dependency manifest against the registry and write the lock
file without touching any environment. An existing lock is replaced.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.failure(runLock(cmd.Context(), app, opts, cmd.OutOrStdout()))
		},
	}
	opts.def.registerFile(cmd)
	cmd.Flags().StringVar(&opts.def.overlay.Manifest, "manifest", "", "application dependency manifest")
	cmd.Flags().StringVar(&opts.def.overlay.Lock, "lock", "", "lock file to write (default is strata.lock next to the manifest)")
	opts.target.register(cmd)
	return cmd
}

func runLock(ctx context.Context, app *App, opts *lockOptions, w io.Writer) error {
	def, err := opts.def.load()
	if err != nil {
		return err
	}
	manifestPath, lockPath := provision.DependencyPaths(def)
	if manifestPath == "" {
		return issue.NewErrorContext().
			WithOperation("resolve dependencies").
			WithSuggestion("Declare dependencies.manifest in strata.cue or pass --manifest").
			WithIssue(issue.DefinitionInvalidId).
			Wrap(errors.New("no dependency manifest declared")).
			BuildError()
	}

	registry := app.Registry
	if registry == nil {
		registry = depsync.NewDirRegistry(app.provisionConfig(&opts.target).RegistryDirectory())
	}
	lock, err := depsync.NewSynchronizer(registry).Lock(ctx, manifestPath, lockPath)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "%s Locked %d packages in %s\n", SuccessStyle.Render("✓"), len(lock.Packages), CmdStyle.Render(lockPath))
	for _, p := range lock.Packages {
		fmt.Fprintf(w, "  %s %s\n", p.Name, SubtitleStyle.Render(p.Version))
	}
	return nil
}
