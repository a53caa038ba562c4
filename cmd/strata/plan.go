// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/stratabuild/strata/internal/provision"
)

const (
	outputTable = "table"
	outputJSON  = "json"
)

type (
	planOptions struct {
		def    definitionFlags
		target targetFlags
		output string
	}

	planStage struct {
		Stage  string `json:"stage"`
		Action string `json:"action"`
		Key    string `json:"key"`
	}

	planDocument struct {
		Phase  string      `json:"phase"`
		Stages []planStage `json:"stages"`
	}
)

func newPlanCommand(app *App) *cobra.Command {
	opts := &planOptions{}
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show which stages a build would run",
		Long: `Compute every stage's cache key and report whether a build would skip it,
run it, or replay it because an earlier stage runs. Nothing is executed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.failure(runPlan(cmd.Context(), app, opts, cmd.OutOrStdout()))
		},
	}
	opts.def.register(cmd)
	opts.target.registerBuild(cmd)
	cmd.Flags().StringVarP(&opts.output, "output", "o", outputTable, "output format: table or json")
	return cmd
}

func runPlan(ctx context.Context, app *App, opts *planOptions, w io.Writer) error {
	if opts.output != outputTable && opts.output != outputJSON {
		return fmt.Errorf("%w: unknown output format %q", errUsage, opts.output)
	}
	def, err := opts.def.load()
	if err != nil {
		return err
	}
	builder, err := app.newBuilder(ctx, opts.target, def)
	if err != nil {
		return err
	}
	report, err := builder.Plan(ctx, def)
	if err != nil {
		return err
	}

	if opts.output == outputJSON {
		return encodePlan(w, report)
	}
	renderPlanTable(w, report)
	return nil
}

func encodePlan(w io.Writer, report *provision.Report) error {
	doc := planDocument{Phase: string(report.Phase), Stages: make([]planStage, 0, len(report.Stages))}
	for _, s := range report.Stages {
		doc.Stages = append(doc.Stages, planStage{Stage: string(s.Name), Action: string(s.Action), Key: s.Key})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

func renderPlanTable(w io.Writer, report *provision.Report) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Stage", "Action", "Key"})
	for _, s := range report.Stages {
		t.AppendRow(table.Row{string(s.Name), string(s.Action), shortKey(s.Key)})
	}
	style := table.StyleLight
	style.Options.DrawBorder = false
	t.SetStyle(style)
	t.Render()
	fmt.Fprintf(w, "\n%s %s\n", SubtitleStyle.Render("last build:"), report.Phase)
}

// shortKey trims a digest to its first 12 hex characters.
func shortKey(key string) string {
	_, hex, ok := strings.Cut(key, ":")
	if !ok {
		hex = key
	}
	if len(hex) > 12 {
		return hex[:12]
	}
	return hex
}
