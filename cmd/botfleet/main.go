package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "botfleet",
	Short: "Bot fleet orchestrator: deployment, health monitoring and recovery",
	Long: `botfleet управляет флотом ботов clawdbot: развёртывание, мониторинг здоровья,
автоматическое восстановление и режим приоритета.

Примеры:
  botfleet serve
  botfleet serve --config ./configs/config.yaml
`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml or ./configs/config.yaml)")
	rootCmd.AddCommand(newServeCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
