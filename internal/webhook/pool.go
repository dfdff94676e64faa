package webhook

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/wmax/calsync/internal/core"
)

// Runner runs one sync pass.
type Runner interface {
	RunSync(ctx context.Context, configID string) (*core.SyncResult, error)
}

// Pool runs background syncs on a fixed number of workers. A config that
// is already queued is not queued twice. Triggers that find another run
// holding the config's lock collapse into one retry.
type Pool struct {
	runner     Runner
	workers    int
	logger     *slog.Logger
	retryDelay time.Duration

	jobs     chan string
	mu       sync.Mutex
	pending  map[string]bool
	deferred map[string]bool
	closed   bool
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

// DefaultRetryDelay is how long a trigger that hit a running sync waits
// before it is queued again.
const DefaultRetryDelay = 5 * time.Second

// NewPool creates a pool with the given number of workers and queue size.
func NewPool(runner Runner, workers, queue int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queue <= 0 {
		queue = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		runner:     runner,
		workers:    workers,
		logger:     logger,
		retryDelay: DefaultRetryDelay,
		jobs:       make(chan string, queue),
		pending:    make(map[string]bool),
		deferred:   make(map[string]bool),
	}
}

// SetRetryDelay changes the wait before a deferred trigger is retried.
func (p *Pool) SetRetryDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retryDelay = d
}

// Start launches the workers. They stop when ctx is done or Stop is called.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work(ctx)
	}
}

// Enqueue queues a sync of configID. It reports false when the config is
// already queued, the queue is full or the pool is stopped.
func (p *Pool) Enqueue(configID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.pending[configID] {
		return false
	}
	select {
	case p.jobs <- configID:
		p.pending[configID] = true
		return true
	default:
		p.logger.Warn("sync queue full, dropping trigger", "config_id", configID)
		return false
	}
}

// Stop stops accepting work, lets running syncs finish and waits for the
// workers to exit. Queued syncs that have not started are dropped.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Pool) work(ctx context.Context) {
	defer p.wg.Done()
	for id := range p.jobs {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()

		if ctx.Err() != nil {
			continue
		}
		p.run(ctx, id)
	}
}

func (p *Pool) run(ctx context.Context, configID string) {
	res, err := p.runner.RunSync(ctx, configID)
	switch {
	case errors.Is(err, core.ErrSyncInProgress):
		p.logger.Debug("background sync deferred, run in progress", "config_id", configID)
		p.retryLater(ctx, configID)
	case err != nil:
		p.logger.Warn("background sync failed", "config_id", configID, "kind", core.Classify(err), "error", err)
	case !res.Success:
		p.logger.Warn("background sync finished with errors", "config_id", configID, "errors", len(res.Errors))
	}
}

// retryLater queues configID again once the retry delay has passed. Only
// one retry per config is outstanding at a time.
func (p *Pool) retryLater(ctx context.Context, configID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.deferred[configID] {
		return
	}
	p.deferred[configID] = true
	time.AfterFunc(p.retryDelay, func() {
		p.mu.Lock()
		delete(p.deferred, configID)
		p.mu.Unlock()
		if ctx.Err() == nil {
			p.Enqueue(configID)
		}
	})
}
