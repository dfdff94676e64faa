// Package webhook manages provider push channels and turns inbound
// notifications into background sync runs.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wmax/calsync/internal/core"
)

// DefaultHorizon is how far ahead RenewAll looks for expiring channels.
const DefaultHorizon = 24 * time.Hour

// ProviderFactory creates uninitialized providers by type.
type ProviderFactory interface {
	New(t core.ProviderType) (core.Provider, error)
}

// Status is the state of the newest subscription of a config.
type Status struct {
	Active    bool       `json:"active"`
	ChannelID string     `json:"channelId,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// RenewReport counts what a RenewAll sweep did.
type RenewReport struct {
	Renewed int `json:"renewed"`
	Removed int `json:"removed"`
	Failed  int `json:"failed"`
}

// Manager registers, renews and removes webhook subscriptions.
type Manager struct {
	store     core.Store
	providers ProviderFactory
	publicURL string
	horizon   time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithHorizon sets the renewal look-ahead.
func WithHorizon(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.horizon = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a Manager. publicURL is the externally reachable base
// of the HTTP API and may be empty when webhooks are not used.
func NewManager(store core.Store, providers ProviderFactory, publicURL string, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		providers: providers,
		publicURL: strings.TrimRight(publicURL, "/"),
		horizon:   DefaultHorizon,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CallbackURL is the address providers deliver notifications for t to.
func (m *Manager) CallbackURL(t core.ProviderType) (string, error) {
	if m.publicURL == "" {
		return "", fmt.Errorf("public url is not configured: %w", core.ErrConfiguration)
	}
	return m.publicURL + "/api/sync/webhook/" + string(t), nil
}

// Register replaces any existing subscription of configID with a new one.
func (m *Manager) Register(ctx context.Context, configID string) (*core.WebhookSubscription, error) {
	cfg, err := m.loadConfig(ctx, configID)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, fmt.Errorf("sync config %s is disabled: %w", cfg.ID, core.ErrConfiguration)
	}
	callback, err := m.CallbackURL(cfg.ProviderType)
	if err != nil {
		return nil, err
	}
	provider, err := m.openProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if old, err := m.store.LatestSubscription(ctx, cfg.ID); err == nil {
		if err := provider.CancelWebhook(ctx, old); err != nil {
			m.logger.Warn("failed to cancel previous webhook", "config_id", cfg.ID, "channel_id", old.ChannelID, "error", err)
		}
	} else if !errors.Is(err, core.ErrNotFound) {
		return nil, fmt.Errorf("load existing subscription: %w", err)
	}
	if err := m.store.DeleteSubscriptionsForConfig(ctx, cfg.ID); err != nil {
		return nil, fmt.Errorf("clear subscriptions: %w", err)
	}

	sub, err := provider.SetupWebhook(ctx, callback)
	if err != nil {
		return nil, fmt.Errorf("set up webhook for %s: %w", cfg.ID, err)
	}
	if err := m.save(ctx, cfg.ID, sub); err != nil {
		return nil, err
	}

	m.logger.Info("webhook registered", "config_id", cfg.ID, "channel_id", sub.ChannelID, "expires_at", sub.ExpiresAt)
	return sub, nil
}

// Unregister cancels the subscription with the provider if it can and
// always removes the local rows.
func (m *Manager) Unregister(ctx context.Context, configID string) error {
	cfg, err := m.loadConfig(ctx, configID)
	if err != nil {
		return err
	}

	sub, err := m.store.LatestSubscription(ctx, cfg.ID)
	switch {
	case err == nil:
		m.cancelBestEffort(ctx, cfg, sub)
	case !errors.Is(err, core.ErrNotFound):
		m.logger.Warn("failed to load subscription", "config_id", cfg.ID, "error", err)
	}

	if err := m.store.DeleteSubscriptionsForConfig(ctx, cfg.ID); err != nil {
		return fmt.Errorf("delete subscriptions: %w", err)
	}
	if err := m.store.SetWebhookID(ctx, cfg.ID, ""); err != nil {
		return fmt.Errorf("clear webhook reference: %w", err)
	}
	m.logger.Info("webhook unregistered", "config_id", cfg.ID)
	return nil
}

// CheckStatus reports whether the newest subscription of configID is live.
func (m *Manager) CheckStatus(ctx context.Context, configID string) (Status, error) {
	sub, err := m.store.LatestSubscription(ctx, configID)
	if errors.Is(err, core.ErrNotFound) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("load subscription: %w", err)
	}
	expires := sub.ExpiresAt
	return Status{
		Active:    !sub.Expired(m.now()),
		ChannelID: sub.ChannelID,
		ExpiresAt: &expires,
	}, nil
}

// RenewAll renews every subscription expiring within the horizon.
// Subscriptions of disabled configs are dropped locally. A failure on one
// subscription is logged and the sweep continues.
func (m *Manager) RenewAll(ctx context.Context) (RenewReport, error) {
	var report RenewReport
	cutoff := m.now().Add(m.horizon)
	subs, err := m.store.ListExpiringSubscriptions(ctx, cutoff)
	if err != nil {
		return report, fmt.Errorf("list expiring subscriptions: %w", err)
	}

	for i := range subs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		sub := &subs[i]
		logger := m.logger.With("config_id", sub.SyncConfigID, "subscription_id", sub.ID)

		removed, err := m.renew(ctx, sub)
		switch {
		case err != nil:
			report.Failed++
			logger.Error("failed to renew webhook", "kind", core.Classify(err), "error", err)
		case removed:
			report.Removed++
			logger.Info("dropped webhook of disabled config")
		default:
			report.Renewed++
		}
	}

	if len(subs) > 0 {
		m.logger.Info("webhook renewal finished",
			"renewed", report.Renewed, "removed", report.Removed, "failed", report.Failed)
	}
	return report, nil
}

// renew swaps sub for a fresh subscription. It reports true when the
// subscription was dropped instead.
func (m *Manager) renew(ctx context.Context, sub *core.WebhookSubscription) (bool, error) {
	cfg, err := m.store.GetConfig(ctx, sub.SyncConfigID)
	if errors.Is(err, core.ErrNotFound) {
		return true, m.store.DeleteSubscription(ctx, sub.ID)
	}
	if err != nil {
		return false, fmt.Errorf("load config: %w", err)
	}
	if !cfg.Enabled {
		if err := m.store.DeleteSubscription(ctx, sub.ID); err != nil {
			return false, fmt.Errorf("delete subscription: %w", err)
		}
		if cfg.WebhookID == sub.ID {
			if err := m.store.SetWebhookID(ctx, cfg.ID, ""); err != nil {
				return false, fmt.Errorf("clear webhook reference: %w", err)
			}
		}
		return true, nil
	}

	callback, err := m.CallbackURL(cfg.ProviderType)
	if err != nil {
		return false, err
	}
	provider, err := m.openProvider(ctx, cfg)
	if err != nil {
		return false, err
	}
	next, err := provider.RenewWebhook(ctx, sub, callback)
	if err != nil {
		return false, fmt.Errorf("renew webhook: %w", err)
	}
	if err := m.save(ctx, cfg.ID, next); err != nil {
		return false, err
	}
	if err := m.store.DeleteSubscription(ctx, sub.ID); err != nil && !errors.Is(err, core.ErrNotFound) {
		return false, fmt.Errorf("delete replaced subscription: %w", err)
	}
	return false, nil
}

func (m *Manager) save(ctx context.Context, configID string, sub *core.WebhookSubscription) error {
	sub.SyncConfigID = configID
	if err := m.store.CreateSubscription(ctx, sub); err != nil {
		return fmt.Errorf("store subscription: %w", err)
	}
	if err := m.store.SetWebhookID(ctx, configID, sub.ID); err != nil {
		return fmt.Errorf("store webhook reference: %w", err)
	}
	return nil
}

func (m *Manager) cancelBestEffort(ctx context.Context, cfg *core.SyncConfig, sub *core.WebhookSubscription) {
	provider, err := m.openProvider(ctx, cfg)
	if err != nil {
		m.logger.Warn("cannot reach provider to cancel webhook", "config_id", cfg.ID, "error", err)
		return
	}
	if err := provider.CancelWebhook(ctx, sub); err != nil {
		m.logger.Warn("failed to cancel webhook", "config_id", cfg.ID, "channel_id", sub.ChannelID, "error", err)
	}
}

func (m *Manager) loadConfig(ctx context.Context, configID string) (*core.SyncConfig, error) {
	cfg, err := m.store.GetConfig(ctx, configID)
	if errors.Is(err, core.ErrNotFound) {
		return nil, fmt.Errorf("sync config %s: %w: %w", configID, core.ErrConfiguration, err)
	}
	if err != nil {
		return nil, fmt.Errorf("load sync config %s: %w", configID, err)
	}
	return cfg, nil
}

func (m *Manager) openProvider(ctx context.Context, cfg *core.SyncConfig) (core.WebhookProvider, error) {
	p, err := m.providers.New(cfg.ProviderType)
	if err != nil {
		return nil, err
	}
	wp, ok := p.(core.WebhookProvider)
	if !ok {
		return nil, fmt.Errorf("%s: %w", cfg.ProviderType, core.ErrWebhooksUnsupported)
	}
	if err := wp.Initialize(ctx, cfg); err != nil {
		return nil, fmt.Errorf("initialize %s provider: %w", cfg.ProviderType, err)
	}
	return wp, nil
}
