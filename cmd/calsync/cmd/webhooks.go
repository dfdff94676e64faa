package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wmax/calsync/internal/webhook"
)

var webhooksCmd = &cobra.Command{
	Use:     "webhooks",
	Aliases: []string{"webhook", "wh"},
	Short:   "Manage provider push notifications",
	Long: `Manage provider push notifications. Registration needs server.public_url
to point at a running "calsync serve" reachable by the provider.`,
}

var webhooksRegisterCmd = &cobra.Command{
	Use:   "register <config-id>",
	Short: "Subscribe to change notifications for a config",
	Args:  cobra.ExactArgs(1),
	RunE: withManager(func(ctx context.Context, m *webhook.Manager, args []string) (any, error) {
		return m.Register(ctx, args[0])
	}),
}

var webhooksUnregisterCmd = &cobra.Command{
	Use:   "unregister <config-id>",
	Short: "Cancel the subscription of a config",
	Args:  cobra.ExactArgs(1),
	RunE: withManager(func(ctx context.Context, m *webhook.Manager, args []string) (any, error) {
		if err := m.Unregister(ctx, args[0]); err != nil {
			return nil, err
		}
		return map[string]string{"configId": args[0], "status": "unregistered"}, nil
	}),
}

var webhooksStatusCmd = &cobra.Command{
	Use:   "status <config-id>",
	Short: "Show whether a config has a live subscription",
	Args:  cobra.ExactArgs(1),
	RunE: withManager(func(ctx context.Context, m *webhook.Manager, args []string) (any, error) {
		return m.CheckStatus(ctx, args[0])
	}),
}

var webhooksRenewCmd = &cobra.Command{
	Use:   "renew",
	Short: "Renew every subscription that expires within the horizon",
	Args:  cobra.NoArgs,
	RunE: withManager(func(ctx context.Context, m *webhook.Manager, _ []string) (any, error) {
		return m.RenewAll(ctx)
	}),
}

func init() {
	webhooksCmd.AddCommand(webhooksRegisterCmd, webhooksUnregisterCmd, webhooksStatusCmd, webhooksRenewCmd)
	rootCmd.AddCommand(webhooksCmd)
}

// withManager builds a webhook manager for the command and prints what fn
// returns as JSON.
func withManager(fn func(ctx context.Context, m *webhook.Manager, args []string) (any, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		m := webhook.NewManager(a.store, a.registry, a.cfg.Server.PublicURL,
			webhook.WithHorizon(a.cfg.Webhooks.Horizon),
			webhook.WithLogger(a.logger),
		)
		out, err := fn(cmd.Context(), m, args)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return fmt.Errorf("encode output: %w", err)
		}
		return nil
	}
}
