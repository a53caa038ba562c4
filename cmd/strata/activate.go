// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stratabuild/strata/internal/activate"
)

type activateOptions struct {
	def      definitionFlags
	target   targetFlags
	printEnv bool
}

func newActivateCommand(app *App) *cobra.Command {
	opts := &activateOptions{}
	cmd := &cobra.Command{
		Use:   "activate [flags] [-- command [args...]]",
		Short: "Run a command in the provisioned environment",
		Long: `Run a command with the environment wired by the last successful build.

Without a command the definition's idle entrypoint runs, which blocks until
the process is told to stop. The command's exit code becomes strata's exit
code. Activation is refused unless the last build reached Ready.`,
		Example: `  strata activate -- python -m tokenizer data/input.txt
  strata activate --print-env`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.failure(runActivate(cmd.Context(), app, opts, cmd, args))
		},
	}
	cmd.Flags().SetInterspersed(false)
	opts.def.registerFile(cmd)
	opts.target.register(cmd)
	cmd.Flags().BoolVar(&opts.printEnv, "print-env", false, "print the environment instead of running a command")
	return cmd
}

func runActivate(ctx context.Context, app *App, opts *activateOptions, cmd *cobra.Command, args []string) error {
	def, err := opts.def.load()
	if err != nil {
		return err
	}
	activator := activate.New(app.provisionConfig(&opts.target), def,
		activate.WithStdio(cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr()))

	if opts.printEnv {
		env, err := activator.Environment()
		if err != nil {
			return err
		}
		for _, kv := range env {
			fmt.Fprintln(cmd.OutOrStdout(), kv)
		}
		return nil
	}

	code, err := activator.Activate(ctx, args)
	if err != nil {
		return err
	}
	if !code.IsSuccess() {
		return &ExitError{Code: code}
	}
	return nil
}

func newIdleCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "idle",
		Short: "Block until interrupted",
		Long: `Block until SIGINT or SIGTERM. Use it as the idle entrypoint of an image
that has no long-running process of its own.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.failure(activate.Idle(cmd.Context()))
		},
	}
}
