// Package scheduler runs the periodic jobs of the sync service: due syncs,
// webhook renewal and the pending-operation reaper.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/wmax/calsync/internal/core"
	"github.com/wmax/calsync/internal/webhook"
)

// DueSchedule is how often configs are checked for a due sync.
const DueSchedule = "@every 1m"

// ConfigLister finds configs that are due.
type ConfigLister interface {
	ListConfigs(ctx context.Context, filter core.ConfigFilter) ([]core.SyncConfig, error)
}

// Renewer renews expiring webhook subscriptions.
type Renewer interface {
	RenewAll(ctx context.Context) (webhook.RenewReport, error)
}

// Reaper fails operations stuck in pending.
type Reaper interface {
	ReapStalePending(ctx context.Context, olderThan time.Duration) (int, error)
}

// Options configures a Scheduler. Nil Renewer or a zero ReapAfter turn the
// corresponding job off.
type Options struct {
	Configs       ConfigLister
	Queue         webhook.Enqueuer
	Renewer       Renewer
	RenewSchedule string
	Reaper        Reaper
	ReapAfter     time.Duration
	Now           func() time.Time
	Logger        *slog.Logger
}

// Scheduler owns the cron instance.
type Scheduler struct {
	cron *cron.Cron
	opts Options
	ctx  context.Context
}

// New creates a scheduler and registers its jobs. It fails on an invalid
// renewal schedule.
func New(opts Options) (*Scheduler, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Scheduler{
		cron: cron.New(),
		opts: opts,
		ctx:  context.Background(),
	}

	if _, err := s.cron.AddFunc(DueSchedule, func() { s.EnqueueDue(s.ctx) }); err != nil {
		return nil, fmt.Errorf("schedule due syncs: %w", err)
	}
	if opts.Renewer != nil {
		if _, err := s.cron.AddFunc(opts.RenewSchedule, func() { s.Renew(s.ctx) }); err != nil {
			return nil, fmt.Errorf("%w: webhooks.renew_schedule %q: %w", core.ErrConfiguration, opts.RenewSchedule, err)
		}
	}
	if opts.Reaper != nil && opts.ReapAfter > 0 {
		spec := "@every " + reapInterval(opts.ReapAfter).String()
		if _, err := s.cron.AddFunc(spec, func() { s.Reap(s.ctx) }); err != nil {
			return nil, fmt.Errorf("schedule reaper: %w", err)
		}
	}
	return s, nil
}

// Start runs the jobs in the background until Stop. Jobs see ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()
	s.opts.Logger.Info("scheduler started", "jobs", len(s.cron.Entries()))
}

// Stop stops the scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.opts.Logger.Info("scheduler stopped")
}

// EnqueueDue queues every enabled config whose next sync is due and
// returns how many were queued.
func (s *Scheduler) EnqueueDue(ctx context.Context) int {
	now := s.opts.Now()
	cfgs, err := s.opts.Configs.ListConfigs(ctx, core.ConfigFilter{OnlyEnabled: true, DueBefore: &now})
	if err != nil {
		s.opts.Logger.Error("list due configs", "error", err)
		return 0
	}
	queued := 0
	for _, cfg := range cfgs {
		if s.opts.Queue.Enqueue(cfg.ID) {
			queued++
		}
	}
	if queued > 0 {
		s.opts.Logger.Debug("queued due syncs", "count", queued, "due", len(cfgs))
	}
	return queued
}

// Renew runs one webhook renewal pass.
func (s *Scheduler) Renew(ctx context.Context) {
	report, err := s.opts.Renewer.RenewAll(ctx)
	if err != nil {
		s.opts.Logger.Error("renew webhooks", "error", err)
		return
	}
	if report.Renewed+report.Removed+report.Failed > 0 {
		s.opts.Logger.Info("webhooks renewed",
			"renewed", report.Renewed, "removed", report.Removed, "failed", report.Failed)
	}
}

// Reap fails stale pending operations.
func (s *Scheduler) Reap(ctx context.Context) {
	if _, err := s.opts.Reaper.ReapStalePending(ctx, s.opts.ReapAfter); err != nil {
		s.opts.Logger.Error("reap pending operations", "error", err)
	}
}

// reapInterval checks a few times per threshold, at most every minute and
// at least every hour.
func reapInterval(after time.Duration) time.Duration {
	d := after / 4
	if d < time.Minute {
		return time.Minute
	}
	if d > time.Hour {
		return time.Hour
	}
	return d.Truncate(time.Second)
}
