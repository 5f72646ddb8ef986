package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/xela07ax/botfleet/internal/client"
)

var (
	serverURL string
	token     string
	timeout   time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "botfleetctl",
	Short: "Command-line client for the botfleet orchestrator API",
	Long: `botfleetctl обращается к HTTP API оркестратора botfleet.

Примеры:
  botfleetctl deploy helper --type support --credentials 123:abc
  botfleetctl recover helper --method reboot
  botfleetctl priority activate "fix outage" --bot helper
  botfleetctl token --key ./keys/private.pem --operator ops --scope admin
`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("BOTFLEET_SERVER", "http://localhost:19000"), "orchestrator base URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("BOTFLEET_TOKEN"), "bearer token")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")

	rootCmd.AddCommand(
		newDeployCmd(),
		newDeploymentCmd(),
		newRecoverCmd(),
		newDashboardCmd(),
		newEventsCmd(),
		newPriorityCmd(),
		newMaintenanceCmd(),
		newTokenCmd(),
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newClient() *client.Client {
	return client.New(serverURL, token, timeout)
}

func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeout)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
