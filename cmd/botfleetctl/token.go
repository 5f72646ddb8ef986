package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/xela07ax/botfleet/internal/infra/auth"
)

func newTokenCmd() *cobra.Command {
	var (
		keyFile  string
		operator string
		scopes   []string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign an operator token with the RSA private key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pem, err := os.ReadFile(keyFile)
			if err != nil {
				return fmt.Errorf("read key: %w", err)
			}
			key, err := auth.ParseRSAPrivateKey(pem)
			if err != nil {
				return err
			}
			tok, err := auth.IssueToken(key, operator, scopes, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().StringVar(&keyFile, "key", "", "PEM private key")
	cmd.Flags().StringVar(&operator, "operator", "", "operator name (sub claim)")
	cmd.Flags().StringSliceVar(&scopes, "scope", []string{"admin"}, "granted scopes")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("operator")
	return cmd
}
