package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"loom/internal/api"
	"loom/internal/client"
)

func newPipelineCommand(ctx *commandContext) *cobra.Command {
	pipelineCmd := &cobra.Command{
		Use:     "pipeline",
		Aliases: []string{"pipelines"},
		Short:   "Manage generation pipelines",
	}

	pipelineCmd.AddCommand(newPipelineListCommand(ctx))
	pipelineCmd.AddCommand(newPipelineCreateCommand(ctx))
	pipelineCmd.AddCommand(newPipelineShowCommand(ctx))
	pipelineCmd.AddCommand(newPipelineRemoveCommand(ctx))

	return pipelineCmd
}

func newPipelineListCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pipelines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(c *client.Client) error {
				pipelines, err := c.ListPipelines(cmd.Context())
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd, api.PipelineListResponse{Pipelines: pipelines})
				}
				if len(pipelines) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No pipelines.")
					return nil
				}
				rows := make([][]string, 0, len(pipelines))
				for _, p := range pipelines {
					rows = append(rows, []string{
						p.ID,
						p.Kind,
						p.Title,
						yesNo(p.StrictFraming),
						strconv.Itoa(p.Progress) + "%",
						yesNo(p.Complete),
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Kind", "Title", "Strict", "Progress", "Complete"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
				))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit pipelines as JSON")
	return cmd
}

func newPipelineCreateCommand(ctx *commandContext) *cobra.Command {
	var kind string
	var strict bool

	cmd := &cobra.Command{
		Use:   "create <title>",
		Short: "Create a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(c *client.Client) error {
				p, err := c.CreatePipeline(cmd.Context(), kind, args[0], strict)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created %s pipeline %s (%s)\n", p.Kind, p.Title, p.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&kind, "kind", "k", "b_roll", "Pipeline kind (b_roll, a_roll, still)")
	cmd.Flags().BoolVar(&strict, "strict-framing", false, "Require the last frame before the final video can run")
	return cmd
}

func newPipelineShowCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "show <pipeline-id>",
		Short: "Show a pipeline and its stages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(c *client.Client) error {
				p, err := c.DescribePipeline(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd, api.PipelineResponse{Pipeline: p})
				}
				renderPipeline(cmd, p)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit pipeline as JSON")
	return cmd
}

func newPipelineRemoveCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <pipeline-id>",
		Short: "Remove a pipeline and its stage records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(c *client.Client) error {
				if err := c.RemovePipeline(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed pipeline %s\n", args[0])
				return nil
			})
		},
	}
	return cmd
}

var titleCaser = cases.Title(language.Und)

func renderPipeline(cmd *cobra.Command, p api.PipelineView) {
	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)

	for _, line := range renderSectionHeader(fmt.Sprintf("%s (%s)", p.Title, p.Kind), colorize) {
		fmt.Fprintln(out, line)
	}
	fmt.Fprintln(out, renderStatusLine("Progress", statusInfo, strconv.Itoa(p.Progress)+"%", colorize))
	fmt.Fprintln(out, renderStatusLine("Strict framing", statusInfo, yesNo(p.StrictFraming), colorize))

	rows := make([][]string, 0, len(p.Stages))
	for _, stage := range p.Stages {
		rows = append(rows, []string{
			stage.StageKey,
			titleCaser.String(stage.Label),
			stage.GenerationStatus,
			yesNo(stage.Complete),
			yesNo(stage.Unlocked),
			strconv.Itoa(stage.Progress) + "%",
			stage.ErrorMessage,
		})
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, renderTable(
		[]string{"Stage", "Label", "Status", "Complete", "Unlocked", "Progress", "Error"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	))
}
