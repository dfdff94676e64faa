package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wmax/calsync/internal/api"
	"github.com/wmax/calsync/internal/core"
	"github.com/wmax/calsync/internal/scheduler"
	"github.com/wmax/calsync/internal/syncer"
	"github.com/wmax/calsync/internal/webhook"
	ws "github.com/wmax/calsync/internal/websocket"
)

const queueSize = 64

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync service",
	Long: `Run the HTTP service. It receives provider webhooks, exposes the config
API, runs due syncs every minute and renews webhook subscriptions on the
configured schedule.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (default from server.addr)")
	v.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger

	hub := ws.NewHub(logger.With("component", "ws"))
	go hub.Run(ctx)

	svc := syncer.NewService(a.store, a.registry,
		syncer.WithLogger(logger.With("component", "sync")),
		syncer.WithDefaultInterval(a.cfg.Sync.DefaultInterval),
		syncer.WithNotifier(func(res core.SyncResult) {
			hub.Publish(ws.SyncResultMessage(res))
		}),
	)

	pool := webhook.NewPool(svc, a.cfg.Sync.Workers, queueSize, logger.With("component", "pool"))
	pool.Start(ctx)
	defer pool.Stop()

	manager := webhook.NewManager(a.store, a.registry, a.cfg.Server.PublicURL,
		webhook.WithHorizon(a.cfg.Webhooks.Horizon),
		webhook.WithLogger(logger.With("component", "webhooks")),
	)
	ingestor := webhook.NewIngestor(a.store, pool, logger.With("component", "ingest"))

	sched, err := scheduler.New(scheduler.Options{
		Configs:       a.store,
		Queue:         pool,
		Renewer:       manager,
		RenewSchedule: a.cfg.Webhooks.RenewSchedule,
		Reaper:        svc,
		ReapAfter:     a.cfg.Sync.ReapPendingAfter,
		Logger:        logger.With("component", "scheduler"),
	})
	if err != nil {
		return err
	}
	sched.Start(ctx)
	defer sched.Stop()

	if a.cfg.Server.PublicURL == "" {
		logger.Warn("server.public_url is not set; webhook registration will fail")
	}

	router := api.NewRouter(api.Deps{
		Store:         a.store,
		Sync:          svc,
		Webhooks:      manager,
		Decoder:       a.registry,
		Notifications: ingestor,
		Hub:           hub,
		CronSecret:    a.cfg.Server.CronSecret,
		Logger:        logger,
	})

	server := &http.Server{
		Addr:         a.cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", a.cfg.Server.Addr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
