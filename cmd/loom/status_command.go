package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"loom/internal/api"
	"loom/internal/client"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon and account status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(c *client.Client) error {
				status, err := c.Status(cmd.Context())
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd, status)
				}
				renderStatus(cmd, status)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit status as JSON")
	return cmd
}

func renderStatus(cmd *cobra.Command, status api.DaemonStatus) {
	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)

	for _, line := range renderSectionHeader("Daemon", colorize) {
		fmt.Fprintln(out, line)
	}
	runningKind := statusError
	runningMsg := "not running"
	if status.Running {
		runningKind = statusOK
		runningMsg = "running"
	}
	fmt.Fprintln(out, renderStatusLine("State", runningKind, runningMsg, colorize))
	fmt.Fprintln(out, renderStatusLine("Records", statusInfo, status.RecordDBPath, colorize))
	fmt.Fprintln(out, renderStatusLine("Lock", statusInfo, status.LockFilePath, colorize))

	fmt.Fprintln(out)
	for _, line := range renderSectionHeader("Credits", colorize) {
		fmt.Fprintln(out, line)
	}
	fmt.Fprintln(out, renderStatusLine("Account", statusInfo, status.AccountID, colorize))
	if status.BalanceKnown {
		fmt.Fprintln(out, renderStatusLine("Balance", statusOK, fmt.Sprintf("%.2f credits", status.CreditBalance), colorize))
	} else {
		fmt.Fprintln(out, renderStatusLine("Balance", statusWarn, "unknown", colorize))
	}

	fmt.Fprintln(out)
	for _, line := range renderSectionHeader("Stages", colorize) {
		fmt.Fprintln(out, line)
	}
	keys := make([]string, 0, len(status.StageStats))
	for key := range status.StageStats {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintln(out, renderStatusLine(key, statusInfo, fmt.Sprintf("%d", status.StageStats[key]), colorize))
	}

	if len(status.StaleStages) > 0 {
		fmt.Fprintln(out)
		for _, line := range renderSectionHeader("Stale processing", colorize) {
			fmt.Fprintln(out, line)
		}
		for _, stage := range status.StaleStages {
			detail := fmt.Sprintf("%s/%s dispatched %s", stage.PipelineID, stage.StageKey, stage.DispatchedAt)
			fmt.Fprintln(out, renderStatusLine("Stage", statusWarn, detail, colorize))
		}
	}
}
