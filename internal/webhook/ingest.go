package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/wmax/calsync/internal/core"
)

// ErrMissingToken is returned for notifications that carry no channel token.
var ErrMissingToken = errors.New("notification has no channel token")

// Ack is how a handled notification should be acknowledged.
type Ack int

const (
	// AckHandshake answers the initial sync message of a new channel.
	AckHandshake Ack = iota
	// AckProcessed means syncs were queued.
	AckProcessed
)

// Enqueuer accepts background sync requests without blocking.
type Enqueuer interface {
	Enqueue(configID string) bool
}

// Ingestor turns verified notifications into background sync runs.
type Ingestor struct {
	store   core.ConfigStore
	trigger Enqueuer
	logger  *slog.Logger
}

// NewIngestor creates an Ingestor.
func NewIngestor(store core.ConfigStore, trigger Enqueuer, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{store: store, trigger: trigger, logger: logger}
}

// HandleNotification verifies n against the known configs of providerType
// and, for change notifications, queues a sync of every enabled config of
// that type that is not waiting for re-authentication. It never waits for
// the syncs.
func (i *Ingestor) HandleNotification(ctx context.Context, providerType core.ProviderType, n core.Notification) (Ack, error) {
	if n.Token == "" {
		return 0, ErrMissingToken
	}
	cfg, err := i.store.GetConfig(ctx, n.Token)
	if err != nil {
		return 0, fmt.Errorf("verify channel token: %w", err)
	}
	if cfg.ProviderType != providerType {
		return 0, fmt.Errorf("channel token does not belong to %s: %w", providerType, core.ErrNotFound)
	}

	logger := i.logger.With("provider", providerType, "channel_id", n.ChannelID, "state", n.State)
	if n.State == core.ChangeSync {
		logger.Info("webhook channel confirmed", "config_id", cfg.ID)
		return AckHandshake, nil
	}

	configs, err := i.store.ListConfigs(ctx, core.ConfigFilter{
		ProviderType:    providerType,
		OnlyEnabled:     true,
		SkipNeedsReauth: true,
	})
	if err != nil {
		return 0, fmt.Errorf("list configs: %w", err)
	}
	queued := 0
	for _, c := range configs {
		if i.trigger.Enqueue(c.ID) {
			queued++
		}
	}
	logger.Info("webhook notification processed", "configs", len(configs), "queued", queued)
	return AckProcessed, nil
}
