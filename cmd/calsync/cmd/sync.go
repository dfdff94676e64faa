package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wmax/calsync/internal/core"
	"github.com/wmax/calsync/internal/syncer"
)

var syncAll bool

var syncCmd = &cobra.Command{
	Use:   "sync [config-id]",
	Short: "Run a sync now",
	Long: `Run a sync for one config, or for every enabled config with --all.
The result of each run is printed as JSON.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if syncAll && len(args) > 0 {
			return errors.New("pass either a config id or --all")
		}
		if !syncAll && len(args) != 1 {
			return errors.New("a config id is required unless --all is set")
		}
		return nil
	},
	RunE: runSync,
}

func init() {
	syncCmd.Flags().BoolVar(&syncAll, "all", false, "sync every enabled config")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	svc := syncer.NewService(a.store, a.registry,
		syncer.WithLogger(a.logger),
		syncer.WithDefaultInterval(a.cfg.Sync.DefaultInterval),
	)

	ids := args
	if syncAll {
		cfgs, err := a.store.ListConfigs(ctx, core.ConfigFilter{OnlyEnabled: true})
		if err != nil {
			return fmt.Errorf("list configs: %w", err)
		}
		ids = nil
		for _, c := range cfgs {
			ids = append(ids, c.ID)
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	var failed int
	for _, id := range ids {
		res, err := svc.RunSync(ctx, id)
		if res == nil {
			res = &core.SyncResult{ConfigID: id}
		}
		if err != nil && len(res.Errors) == 0 {
			res.AddError("", "sync", err)
		}
		if !res.Success {
			failed++
		}
		if err := enc.Encode(res); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d syncs failed", failed, len(ids))
	}
	return nil
}
