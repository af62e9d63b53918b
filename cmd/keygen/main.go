package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/scanguard/gateway/internal/handlers"
	"github.com/scanguard/gateway/internal/keystore"
	"github.com/scanguard/gateway/internal/models"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "keygen",
		Short:         "Generate API keys and admin tokens for the scanguard gateway",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.AddCommand(newKeyCmd(out))
	cmd.AddCommand(newAdminTokenCmd(out))
	return cmd
}

func newKeyCmd(out io.Writer) *cobra.Command {
	var name, tier string
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Generate an API key entry for API_KEYS",
		Long: `Generate a random API key and print it as a key:name:tier entry.

Examples:
  keygen key --name ci --tier premium
  API_KEYS="$(keygen key --name ops)" scanguard-api`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := models.ParseTier(tier)
			if err != nil {
				return err
			}
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			key, err := keystore.GenerateAPIKey()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s:%s:%s\n", key, name, t)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name for the key")
	cmd.Flags().StringVar(&tier, "tier", string(models.TierBasic), "tier: basic, premium or enterprise")
	return cmd
}

func newAdminTokenCmd(out io.Writer) *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "admin-token",
		Short: "Mint an admin bearer token (reads ADMIN_JWT_SECRET)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			token, err := handlers.NewAdminToken(os.Getenv("ADMIN_JWT_SECRET"), subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
