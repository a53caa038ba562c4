// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/stratabuild/strata/internal/fsutil"
	"github.com/stratabuild/strata/internal/provision"
)

type exportOptions struct {
	def    definitionFlags
	output string
}

func newExportCommand(app *App) *cobra.Command {
	opts := &exportOptions{}
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Render the environment as a Dockerfile",
		Long: `Render a Dockerfile that provisions the same environment as 'strata build'.

The Dockerfile expects a build context holding the dependency environment
under env/ and the application source under src/; 'strata image' prepares
exactly that context.`,
		Example: `  strata export > Dockerfile
  strata export -o build/Dockerfile`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.failure(runExport(opts, cmd.OutOrStdout()))
		},
	}
	opts.def.register(cmd)
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "write the Dockerfile to this file instead of stdout")
	return cmd
}

func runExport(opts *exportOptions, w io.Writer) error {
	def, err := opts.def.load()
	if err != nil {
		return err
	}
	dockerfile, err := provision.RenderDockerfile(def)
	if err != nil {
		return err
	}
	if opts.output == "" {
		_, err := io.WriteString(w, dockerfile)
		return err
	}
	if err := fsutil.WriteFileAtomic(opts.output, []byte(dockerfile), 0o644); err != nil {
		return fmt.Errorf("failed to write Dockerfile: %w", err)
	}
	fmt.Fprintf(w, "%s Wrote %s\n", SuccessStyle.Render("✓"), CmdStyle.Render(opts.output))
	return nil
}
