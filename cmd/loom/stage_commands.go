package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"loom/internal/api"
	"loom/internal/client"
	"loom/internal/records"
)

func newStageCommand(ctx *commandContext) *cobra.Command {
	stageCmd := &cobra.Command{
		Use:   "stage",
		Short: "Inspect and drive individual stages",
	}

	stageCmd.AddCommand(newStageShowCommand(ctx))
	stageCmd.AddCommand(newStageEditCommand(ctx))
	stageCmd.AddCommand(newStageRunCommand(ctx, "generate", "Dispatch generation for a stage"))
	stageCmd.AddCommand(newStageRunCommand(ctx, "regenerate", "Re-run generation, replacing the existing output"))
	stageCmd.AddCommand(newStageRunCommand(ctx, "refine", "Dispatch a refinement of the existing output"))
	stageCmd.AddCommand(newStageUploadCommand(ctx))
	stageCmd.AddCommand(newStageCloseCommand(ctx))

	return stageCmd
}

func parseStageArgs(args []string) (string, records.StageKey, error) {
	key, ok := records.ParseStageKey(args[1])
	if !ok {
		return "", "", fmt.Errorf("unknown stage key %q", args[1])
	}
	return args[0], key, nil
}

func newStageShowCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "show <pipeline-id> <stage-key>",
		Short: "Show a stage record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pipelineID, key, err := parseStageArgs(args)
			if err != nil {
				return err
			}
			return ctx.withClient(func(c *client.Client) error {
				stage, err := c.DescribeStage(cmd.Context(), pipelineID, key)
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd, api.StageResponse{Stage: stage})
				}
				renderStage(cmd, stage)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit stage as JSON")
	return cmd
}

func newStageEditCommand(ctx *commandContext) *cobra.Command {
	var edit api.StageEdit

	cmd := &cobra.Command{
		Use:   "edit <pipeline-id> <stage-key>",
		Short: "Update the stage's draft input",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pipelineID, key, err := parseStageArgs(args)
			if err != nil {
				return err
			}
			if cmd.Flags().NFlag() == 0 {
				return fmt.Errorf("edit requires at least one draft flag")
			}
			return ctx.withClient(func(c *client.Client) error {
				resp, err := c.StageCommand(cmd.Context(), pipelineID, key, api.StageCommandRequest{
					Command: "edit",
					Edit:    &edit,
				})
				if err != nil {
					return err
				}
				if !resp.Accepted {
					return fmt.Errorf("edit rejected: %s", resp.Error)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Updated draft for %s/%s\n", pipelineID, key)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&edit.Name, "name", "", "Display name for the stage")
	cmd.Flags().StringSliceVar(&edit.Tags, "tag", nil, "Tags for the stage (repeatable)")
	cmd.Flags().StringVar(&edit.Prompt, "prompt", "", "Generation prompt (image and video stages)")
	cmd.Flags().StringVar(&edit.Text, "text", "", "Narration text (speech stages)")
	cmd.Flags().StringVar(&edit.Voice, "voice", "", "Voice name (speech stages)")
	cmd.Flags().StringVar(&edit.Brief, "brief", "", "Script brief (script stages)")
	cmd.Flags().StringVar(&edit.Tone, "tone", "", "Script tone (script stages)")
	cmd.Flags().StringVar(&edit.AspectRatio, "aspect-ratio", "", "Aspect ratio, e.g. 16:9")
	cmd.Flags().Float64Var(&edit.DurationSeconds, "duration", 0, "Clip duration in seconds (video stages)")
	return cmd
}

func newStageRunCommand(ctx *commandContext, command, short string) *cobra.Command {
	return &cobra.Command{
		Use:   command + " <pipeline-id> <stage-key>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pipelineID, key, err := parseStageArgs(args)
			if err != nil {
				return err
			}
			return ctx.withClient(func(c *client.Client) error {
				resp, err := c.StageCommand(cmd.Context(), pipelineID, key, api.StageCommandRequest{Command: command})
				if err != nil {
					return err
				}
				if !resp.Accepted {
					return fmt.Errorf("%s rejected: %s", command, resp.Error)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Dispatch accepted for %s/%s\n", pipelineID, key)
				return nil
			})
		},
	}
}

func newStageUploadCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <pipeline-id> <stage-key> <url>",
		Short: "Record an uploaded asset as the stage output",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			pipelineID, key, err := parseStageArgs(args[:2])
			if err != nil {
				return err
			}
			return ctx.withClient(func(c *client.Client) error {
				resp, err := c.StageCommand(cmd.Context(), pipelineID, key, api.StageCommandRequest{
					Command: "upload",
					URL:     args[2],
				})
				if err != nil {
					return err
				}
				if !resp.Accepted {
					return fmt.Errorf("upload rejected: %s", resp.Error)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Stage %s/%s marked complete with uploaded asset\n", pipelineID, key)
				return nil
			})
		},
	}
}

func newStageCloseCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "close <pipeline-id> <stage-key>",
		Short: "Close the daemon's editor session for a stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pipelineID, key, err := parseStageArgs(args)
			if err != nil {
				return err
			}
			return ctx.withClient(func(c *client.Client) error {
				if _, err := c.StageCommand(cmd.Context(), pipelineID, key, api.StageCommandRequest{Command: "close"}); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Closed %s/%s\n", pipelineID, key)
				return nil
			})
		},
	}
}

func renderStage(cmd *cobra.Command, stage api.StageView) {
	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)

	title := stage.Label
	if title == "" {
		title = stage.StageKey
	}
	for _, line := range renderSectionHeader(titleCaser.String(title), colorize) {
		fmt.Fprintln(out, line)
	}

	statusLine := statusInfo
	switch stage.GenerationStatus {
	case "completed":
		statusLine = statusOK
	case "failed":
		statusLine = statusError
	case "processing":
		statusLine = statusWarn
	}
	fmt.Fprintln(out, renderStatusLine("Status", statusLine, stage.GenerationStatus, colorize))
	fmt.Fprintln(out, renderStatusLine("Workflow", statusInfo, stage.WorkflowStatus, colorize))
	fmt.Fprintln(out, renderStatusLine("Complete", statusInfo, yesNo(stage.Complete), colorize))
	fmt.Fprintln(out, renderStatusLine("Unlocked", statusInfo, yesNo(stage.Unlocked), colorize))
	fmt.Fprintln(out, renderStatusLine("Progress", statusInfo, fmt.Sprintf("%d%%", stage.Progress), colorize))
	if stage.DispatchID != "" {
		fmt.Fprintln(out, renderStatusLine("Dispatch", statusInfo, stage.DispatchID, colorize))
	}
	if stage.ErrorMessage != "" {
		fmt.Fprintln(out, renderStatusLine("Error", statusError, stage.ErrorMessage, colorize))
	}
	if len(stage.Output) > 0 {
		fmt.Fprintln(out, renderStatusLine("Output", statusOK, string(stage.Output), colorize))
	}
}
