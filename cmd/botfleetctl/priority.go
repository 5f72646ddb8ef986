package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/xela07ax/botfleet/internal/client"
)

func newPriorityCmd() *cobra.Command {
	var bot string
	cmd := &cobra.Command{
		Use:   "priority",
		Short: "Manage bot priority mode",
	}
	cmd.PersistentFlags().StringVar(&bot, "bot", "", "bot id")
	_ = cmd.MarkPersistentFlagRequired("bot")

	// общий раннер для команд, возвращающих результат перехода
	run := func(call func(ctx context.Context, c *client.Client, args []string) (any, error)) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			res, err := call(ctx, newClient(), args)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		}
	}

	deactivate := run(func(ctx context.Context, c *client.Client, _ []string) (any, error) {
		return c.Deactivate(ctx, bot)
	})

	cmd.AddCommand(
		&cobra.Command{
			Use:   "activate <task>",
			Short: "Switch the bot to priority mode",
			Args:  cobra.ExactArgs(1),
			RunE: run(func(ctx context.Context, c *client.Client, args []string) (any, error) {
				return c.Activate(ctx, bot, args[0])
			}),
		},
		&cobra.Command{
			Use:   "deactivate",
			Short: "Return the bot to normal mode",
			Args:  cobra.NoArgs,
			RunE:  deactivate,
		},
		&cobra.Command{
			Use:   "cooldown",
			Short: "Alias of deactivate",
			Args:  cobra.NoArgs,
			RunE:  deactivate,
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show priority status",
			Args:  cobra.NoArgs,
			RunE: run(func(ctx context.Context, c *client.Client, _ []string) (any, error) {
				return c.PriorityStatus(ctx, bot)
			}),
		},
		&cobra.Command{
			Use:   "process-message <text>",
			Short: "Apply a mesh directive message",
			Args:  cobra.ExactArgs(1),
			RunE: run(func(ctx context.Context, c *client.Client, args []string) (any, error) {
				return c.ProcessMessage(ctx, bot, args[0])
			}),
		},
	)
	return cmd
}
