// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/stratabuild/strata/internal/issue"
	"github.com/stratabuild/strata/internal/provision"
)

type imageOptions struct {
	def     definitionFlags
	target  targetFlags
	tagOnly bool
}

func newImageCommand(app *App) *cobra.Command {
	opts := &imageOptions{}
	cmd := &cobra.Command{
		Use:   "image",
		Short: "Build the environment into a container image",
		Long: `Build a container image from the rendered Dockerfile with Docker or Podman.

The image is tagged strata-env:<key>, where the key digests the Dockerfile,
the dependency manifest and lock, the registry and the source tree. An image
with that tag is reused unless --force is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.failure(runImage(cmd.Context(), app, opts, cmd.OutOrStdout()))
		},
	}
	opts.def.register(cmd)
	opts.target.register(cmd)
	cmd.Flags().BoolVar(&opts.target.force, "force", false, "rebuild without the image or layer cache")
	cmd.Flags().BoolVar(&opts.tagOnly, "tag-only", false, "print the tag the image would get without building")
	return cmd
}

func runImage(ctx context.Context, app *App, opts *imageOptions, w io.Writer) error {
	def, err := opts.def.load()
	if err != nil {
		return err
	}
	engine, err := app.Engines(app.settings.ContainerEngine)
	if err != nil {
		return issue.NewErrorContext().
			WithOperation("build image").
			WithIssue(issue.ContainerEngineNotFoundId).
			Wrap(err).
			BuildError()
	}

	imageOpts := []provision.ImageOption{provision.WithBuildOutput(app.stderr, app.stderr)}
	if app.Registry != nil {
		imageOpts = append(imageOpts, provision.WithImageRegistry(app.Registry))
	}
	provisioner := provision.NewImageProvisioner(engine, app.provisionConfig(&opts.target), imageOpts...)

	if opts.tagOnly {
		tag, err := provisioner.Tag(ctx, def)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, tag)
		return nil
	}

	res, err := provisioner.Provision(ctx, def)
	if err != nil {
		return err
	}
	if res.Reused {
		fmt.Fprintf(w, "%s Reusing %s\n", SuccessStyle.Render("✓"), CmdStyle.Render(res.Tag))
		return nil
	}
	fmt.Fprintf(w, "%s Built %s with %s\n", SuccessStyle.Render("✓"), CmdStyle.Render(res.Tag), engine.Name())
	return nil
}
