// Package syncer reconciles the internal event store against external
// calendar providers.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wmax/calsync/internal/core"
)

const (
	// EchoGuardWindow protects recent local edits from being overwritten by
	// a pull that is only the provider echoing them back.
	EchoGuardWindow = 30 * time.Second
	// LinkWindow bounds how old a local event may be to be linked to an
	// unmapped external event instead of creating a duplicate.
	LinkWindow = 60 * time.Second
)

// ProviderFactory creates uninitialized providers by type.
type ProviderFactory interface {
	New(t core.ProviderType) (core.Provider, error)
}

// Notifier is told about every finished run.
type Notifier func(res core.SyncResult)

// Service runs sync passes for stored configurations.
type Service struct {
	store           core.Store
	providers       ProviderFactory
	now             func() time.Time
	logger          *slog.Logger
	defaultInterval time.Duration
	notify          Notifier
	locks           *runLocks
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithDefaultInterval sets the interval used when a config does not set
// syncIntervalMinutes.
func WithDefaultInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.defaultInterval = d
		}
	}
}

// WithNotifier registers a callback for finished runs.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notify = n }
}

// NewService creates a sync service.
func NewService(store core.Store, providers ProviderFactory, opts ...Option) *Service {
	s := &Service{
		store:           store,
		providers:       providers,
		now:             time.Now,
		logger:          slog.Default(),
		defaultInterval: core.DefaultSyncInterval,
		locks:           newRunLocks(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunSync performs one pull and/or push pass for configID.
//
// Configuration, credential and provider initialization failures are fatal:
// the operation is finalized as failed, the config is marked as needing
// re-authentication and the error is returned together with the partial
// result. Item failures are collected in the result.
func (s *Service) RunSync(ctx context.Context, configID string) (*core.SyncResult, error) {
	var (
		userID  string
		removed []string
	)
	// Registered before the unlock below, so it runs after the lock is
	// released and can take the locks of other configs.
	defer func() {
		if len(removed) > 0 {
			s.DeleteEventMappings(context.WithoutCancel(ctx), userID, removed)
		}
	}()

	unlock, ok := s.locks.tryLock(configID)
	if !ok {
		return nil, fmt.Errorf("run sync %s: %w", configID, core.ErrSyncInProgress)
	}
	defer unlock()

	cfg, err := s.loadEnabledConfig(ctx, configID)
	if err != nil {
		return nil, err
	}
	userID = cfg.UserID

	kind := core.OperationPull
	if !cfg.Direction.Pulls() {
		kind = core.OperationPush
	}
	op := &core.SyncOperation{
		SyncConfigID: cfg.ID,
		Kind:         kind,
		EntityType:   "event",
		StartedAt:    s.now().UTC(),
	}
	if err := s.store.CreateOperation(ctx, op); err != nil {
		return nil, fmt.Errorf("create sync operation: %w", err)
	}

	result := &core.SyncResult{ConfigID: cfg.ID, OperationID: op.ID, Errors: []core.ItemError{}}
	logger := s.logger.With("config_id", cfg.ID, "operation_id", op.ID, "provider", cfg.ProviderType)
	logger.Info("sync started", "direction", cfg.Direction)

	provider, err := s.openProvider(ctx, cfg)
	if err != nil {
		return result, s.fail(ctx, cfg, op, result, logger, err)
	}

	if cfg.Direction.Pulls() {
		removed, err = s.pull(ctx, cfg, provider, result)
		if err != nil {
			s.persistCredentials(ctx, cfg, provider)
			return result, s.fail(ctx, cfg, op, result, logger, err)
		}
	}
	if cfg.Direction.Pushes() {
		if err := s.push(ctx, cfg, provider, result); err != nil {
			s.persistCredentials(ctx, cfg, provider)
			return result, s.fail(ctx, cfg, op, result, logger, err)
		}
	}
	s.persistCredentials(ctx, cfg, provider)

	result.Success = len(result.Errors) == 0
	op.Pulled, op.Pushed = result.Pulled, result.Pushed
	op.Status = core.StatusCompleted
	if !result.Success {
		op.Status = core.StatusFailed
		op.Error = summarize(result.Errors)
	}
	if err := s.store.FinalizeOperation(ctx, op); err != nil {
		logger.Error("failed to finalize operation", "error", err)
	}

	now := s.now().UTC()
	next := now.Add(cfg.Settings.SyncInterval(s.defaultInterval))
	if err := s.store.UpdateSyncState(ctx, cfg.ID, core.SyncState{LastSync: &now, NextSync: &next}); err != nil {
		logger.Error("failed to update sync schedule", "error", err)
	}

	logger.Info("sync finished",
		"success", result.Success, "pulled", result.Pulled, "pushed", result.Pushed, "errors", len(result.Errors))
	s.emit(*result)
	return result, nil
}

// ValidateConfig initializes the provider of configID and checks that its
// calendar is reachable.
func (s *Service) ValidateConfig(ctx context.Context, configID string) error {
	cfg, err := s.store.GetConfig(ctx, configID)
	if errors.Is(err, core.ErrNotFound) {
		return fmt.Errorf("sync config %s: %w: %w", configID, core.ErrConfiguration, err)
	}
	if err != nil {
		return fmt.Errorf("load sync config %s: %w", configID, err)
	}
	provider, err := s.openProvider(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.persistCredentials(ctx, cfg, provider)

	ok, err := provider.ValidateConnection(ctx)
	if err != nil {
		return fmt.Errorf("validate connection: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: calendar %q is not reachable", core.ErrConfiguration, cfg.ProviderID)
	}
	return nil
}

func (s *Service) loadEnabledConfig(ctx context.Context, configID string) (*core.SyncConfig, error) {
	cfg, err := s.store.GetConfig(ctx, configID)
	if errors.Is(err, core.ErrNotFound) {
		return nil, fmt.Errorf("sync config %s: %w: %w", configID, core.ErrConfiguration, err)
	}
	if err != nil {
		return nil, fmt.Errorf("load sync config %s: %w", configID, err)
	}
	if !cfg.Enabled {
		return nil, fmt.Errorf("sync config %s is disabled: %w", configID, core.ErrConfiguration)
	}
	return cfg, nil
}

// openProvider builds and initializes the adapter for cfg.
func (s *Service) openProvider(ctx context.Context, cfg *core.SyncConfig) (core.Provider, error) {
	if !cfg.Credentials.Usable(s.now()) {
		return nil, fmt.Errorf("sync config %s: credentials missing or expired: %w", cfg.ID, core.ErrCredential)
	}
	provider, err := s.providers.New(cfg.ProviderType)
	if err != nil {
		return nil, err
	}
	if err := provider.Initialize(ctx, cfg); err != nil {
		return nil, fmt.Errorf("initialize %s provider: %w", cfg.ProviderType, err)
	}
	return provider, nil
}

// fail finalizes op as failed with err and returns err. Credential and
// configuration failures also mark the config so that it is not retried
// automatically.
func (s *Service) fail(ctx context.Context, cfg *core.SyncConfig, op *core.SyncOperation, result *core.SyncResult, logger *slog.Logger, err error) error {
	if needsReauth(err) {
		mark := true
		if uerr := s.store.UpdateSyncState(context.WithoutCancel(ctx), cfg.ID, core.SyncState{NeedsReauth: &mark}); uerr != nil {
			logger.Error("failed to mark config for re-authentication", "error", uerr)
		} else {
			cfg.NeedsReauth = true
		}
	}
	result.Success = false
	op.Status = core.StatusFailed
	op.Pulled, op.Pushed = result.Pulled, result.Pushed
	op.Error = err.Error()
	if ferr := s.store.FinalizeOperation(context.WithoutCancel(ctx), op); ferr != nil {
		logger.Error("failed to finalize operation", "error", ferr)
	}
	logger.Error("sync failed", "kind", core.Classify(err), "error", err)
	s.emit(*result)
	return err
}

// persistCredentials writes refreshed tokens back to the config.
func (s *Service) persistCredentials(ctx context.Context, cfg *core.SyncConfig, provider core.Provider) {
	src, ok := provider.(core.CredentialSource)
	if !ok {
		return
	}
	creds, err := src.Credentials()
	if err != nil || creds == nil {
		return
	}
	old := cfg.Credentials
	if old != nil && old.AccessToken == creds.AccessToken && old.ExpiresAt.Equal(creds.ExpiresAt) {
		return
	}
	if creds.RefreshToken == "" && old != nil {
		creds.RefreshToken = old.RefreshToken
	}
	if err := s.store.UpdateCredentials(context.WithoutCancel(ctx), cfg.ID, creds); err != nil {
		s.logger.Warn("failed to persist refreshed credentials", "config_id", cfg.ID, "error", err)
		return
	}
	cfg.Credentials = creds
}

func (s *Service) emit(res core.SyncResult) {
	if s.notify != nil {
		s.notify(res)
	}
}

// isFatal reports whether err should abort the whole run rather than a
// single item.
func isFatal(err error) bool {
	return errors.Is(err, core.ErrCredential) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func needsReauth(err error) bool {
	switch core.Classify(err) {
	case core.KindCredential, core.KindConfiguration:
		return true
	}
	return false
}

func summarize(errs []core.ItemError) string {
	const shown = 5
	parts := make([]string, 0, shown+1)
	for i, e := range errs {
		if i == shown {
			parts = append(parts, fmt.Sprintf("and %d more", len(errs)-shown))
			break
		}
		parts = append(parts, e.Error())
	}
	return strings.Join(parts, "; ")
}

// ReapStalePending fails operations left pending for longer than olderThan,
// typically by a process that died mid-run.
func (s *Service) ReapStalePending(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.now().UTC().Add(-olderThan)
	n, err := s.store.FailStalePending(ctx, cutoff, "abandoned: still pending after "+olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("reap pending operations: %w", err)
	}
	if n > 0 {
		s.logger.Warn("failed stale pending operations", "count", n, "cutoff", cutoff)
	}
	return n, nil
}
