package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"loom/internal/client"
)

func newBalanceCommand(ctx *commandContext) *cobra.Command {
	balanceCmd := &cobra.Command{
		Use:   "balance",
		Short: "Show or set the mirrored credit balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(c *client.Client) error {
				resp, err := c.Balance(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Account %s: %.2f credits\n", resp.AccountID, resp.Balance)
				return nil
			})
		},
	}

	balanceCmd.AddCommand(&cobra.Command{
		Use:   "set <amount>",
		Short: "Overwrite the mirrored balance after a backend refresh",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("invalid amount %q", args[0])
			}
			return ctx.withClient(func(c *client.Client) error {
				resp, err := c.SetBalance(cmd.Context(), amount)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Account %s: %.2f credits\n", resp.AccountID, resp.Balance)
				return nil
			})
		},
	})

	return balanceCmd
}
