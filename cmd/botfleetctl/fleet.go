package main

import (
	"github.com/spf13/cobra"

	"github.com/xela07ax/botfleet/internal/domain"
)

func newDeployCmd() *cobra.Command {
	var (
		botType     string
		credentials string
		environment string
	)
	cmd := &cobra.Command{
		Use:   "deploy <bot-name>",
		Short: "Start a bot deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			res, err := newClient().Deploy(ctx, domain.DeployRequest{
				BotName:     args[0],
				BotType:     domain.BotType(botType),
				Credentials: credentials,
				Environment: environment,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().StringVar(&botType, "type", string(domain.BotSupport), "bot type")
	cmd.Flags().StringVar(&credentials, "credentials", "", "telegram bot token")
	cmd.Flags().StringVar(&environment, "env", "", "target environment (default production)")
	_ = cmd.MarkFlagRequired("credentials")
	return cmd
}

func newDeploymentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deployment <id>",
		Short: "Show deployment progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			d, err := newClient().Deployment(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, d)
		},
	}
}

func newRecoverCmd() *cobra.Command {
	var method string
	cmd := &cobra.Command{
		Use:   "recover <bot-id>",
		Short: "Run a manual recovery",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			rec, err := newClient().Recover(ctx, args[0], domain.RecoveryMethod(method))
			if err != nil {
				return err
			}
			return printJSON(cmd, rec)
		},
	}
	cmd.Flags().StringVar(&method, "method", string(domain.RecoverRestart), "restart | reboot | redeploy")
	return cmd
}

func newDashboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dashboard",
		Short: "Show fleet dashboard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			d, err := newClient().Dashboard(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, d)
		},
	}
}

func newEventsCmd() *cobra.Command {
	var (
		bot   string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List recent fleet events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			events, err := newClient().Events(ctx, bot, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd, events)
		},
	}
	cmd.Flags().StringVar(&bot, "bot", "", "filter by bot id")
	cmd.Flags().IntVar(&limit, "limit", 50, "max events")
	return cmd
}
