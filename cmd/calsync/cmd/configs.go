package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/wmax/calsync/internal/config"
	"github.com/wmax/calsync/internal/core"
	"github.com/wmax/calsync/internal/webhook"
)

var listUser string

var configsCmd = &cobra.Command{
	Use:     "configs",
	Aliases: []string{"config", "cfg"},
	Short:   "Manage sync configs",
}

var configsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sync configs",
	Args:  cobra.NoArgs,
	RunE:  runConfigsList,
}

var configsImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Create configs from a YAML file",
	Long: `Create sync configs from a YAML file of the form:

  configs:
    - userId: user-1
      providerType: google-calendar
      providerId: personal
      direction: bidirectional
      settings:
        calendarId: primary
        syncIntervalMinutes: 30

Every entry is validated before anything is written.`,
	Args: cobra.ExactArgs(1),
	RunE: runConfigsImport,
}

var configsDeleteCmd = &cobra.Command{
	Use:   "delete <config-id>",
	Short: "Delete a config, its mappings and its webhook",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigsDelete,
}

var configsEnableCmd = &cobra.Command{
	Use:   "enable <config-id>",
	Short: "Enable scheduled and webhook syncs for a config",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setEnabled(cmd.Context(), args[0], true) },
}

var configsDisableCmd = &cobra.Command{
	Use:   "disable <config-id>",
	Short: "Stop syncing a config",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setEnabled(cmd.Context(), args[0], false) },
}

func init() {
	configsListCmd.Flags().StringVarP(&listUser, "user", "u", "", "only configs of this user")
	configsCmd.AddCommand(configsListCmd, configsImportCmd, configsDeleteCmd, configsEnableCmd, configsDisableCmd)
	rootCmd.AddCommand(configsCmd)
}

func runConfigsList(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	cfgs, err := a.store.ListConfigs(cmd.Context(), core.ConfigFilter{UserID: listUser})
	if err != nil {
		return err
	}
	if len(cfgs) == 0 {
		fmt.Println("No sync configs yet. Add some with 'calsync configs import'.")
		return nil
	}

	header := lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cell := lipgloss.NewStyle().Padding(0, 1)
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		Headers("ID", "USER", "PROVIDER", "NAME", "DIRECTION", "ENABLED", "LAST SYNC", "WEBHOOK").
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			return cell
		})
	for _, c := range cfgs {
		last := "never"
		if c.LastSync != nil {
			last = c.LastSync.Local().Format("2006-01-02 15:04")
		}
		hook := "-"
		if c.WebhookID != "" {
			hook = "yes"
		}
		t.Row(c.ID, c.UserID, string(c.ProviderType), c.ProviderID, string(c.Direction),
			fmt.Sprint(c.Enabled), last, hook)
	}
	fmt.Println(t)
	return nil
}

func runConfigsImport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read import file: %w", err)
	}
	defs, err := config.ParseImport(data)
	if err != nil {
		return err
	}

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	for _, d := range defs {
		cfg, err := d.SyncConfig()
		if err != nil {
			return err
		}
		if err := a.store.CreateConfig(cmd.Context(), cfg); err != nil {
			return fmt.Errorf("create config %s/%s: %w", d.UserID, d.ProviderID, err)
		}
		fmt.Printf("Created %s (%s %s for %s)\n", cfg.ID, cfg.ProviderType, cfg.ProviderID, cfg.UserID)
	}
	return nil
}

func runConfigsDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.store.GetConfig(ctx, args[0]); err != nil {
		return err
	}
	manager := webhook.NewManager(a.store, a.registry, a.cfg.Server.PublicURL, webhook.WithLogger(a.logger))
	if err := manager.Unregister(ctx, args[0]); err != nil {
		a.logger.Warn("could not cancel webhook", "config_id", args[0], "error", err)
	}
	if err := a.store.DeleteConfig(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("Deleted %s\n", args[0])
	return nil
}

func setEnabled(ctx context.Context, id string, enabled bool) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	cfg, err := a.store.GetConfig(ctx, id)
	if err != nil {
		return err
	}
	disabling := cfg.Enabled && !enabled
	cfg.Enabled = enabled
	if err := a.store.UpdateConfig(ctx, cfg); err != nil {
		return err
	}
	if disabling {
		manager := webhook.NewManager(a.store, a.registry, a.cfg.Server.PublicURL, webhook.WithLogger(a.logger))
		if err := manager.Unregister(ctx, id); err != nil {
			a.logger.Warn("could not cancel webhook", "config_id", id, "error", err)
		}
	}
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	fmt.Printf("%s %s\n", id, state)
	return nil
}
