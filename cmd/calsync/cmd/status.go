package cmd

import (
	"fmt"
	"log/slog"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/wmax/calsync/internal/logging"
	"github.com/wmax/calsync/internal/syncer"
	"github.com/wmax/calsync/internal/tui"
)

var statusUser string

var statusCmd = &cobra.Command{
	Use:     "status",
	Aliases: []string{"ui", "dashboard"},
	Short:   "Launch the interactive sync dashboard",
	Long: `Launch a terminal dashboard of sync configs and their latest operations.
Press s to sync the selected config and r to refresh.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVarP(&statusUser, "user", "u", "", "only show configs of this user")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	// Log lines would tear the alt screen.
	quiet := logging.Discard()
	slog.SetDefault(quiet)
	registry, err := newRegistry(a.cfg, quiet)
	if err != nil {
		return err
	}
	svc := syncer.NewService(a.store, registry,
		syncer.WithLogger(quiet),
		syncer.WithDefaultInterval(a.cfg.Sync.DefaultInterval),
	)

	m := tui.NewModel(a.store, svc,
		tui.WithUser(statusUser),
		tui.WithPublicURL(a.cfg.Server.PublicURL),
	)

	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(cmd.Context()))
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("error running TUI: %w", err)
	}
	return nil
}
