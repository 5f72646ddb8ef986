package main

import (
	"github.com/spf13/cobra"
)

func newMaintenanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "maintenance",
		Short: "Hold bots out of auto-recovery",
	}

	set := func(on bool) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			st, err := newClient().SetMaintenance(ctx, args[0], on)
			if err != nil {
				return err
			}
			return printJSON(cmd, st)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "on <bot-id>",
			Short: "Put the bot on maintenance hold",
			Args:  cobra.ExactArgs(1),
			RunE:  set(true),
		},
		&cobra.Command{
			Use:   "off <bot-id>",
			Short: "Release the maintenance hold",
			Args:  cobra.ExactArgs(1),
			RunE:  set(false),
		},
		&cobra.Command{
			Use:   "list",
			Short: "List held bots",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				ctx, cancel := requestContext(cmd)
				defer cancel()
				ids, err := newClient().Maintenance(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, ids)
			},
		},
	)
	return cmd
}
