package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/wmax/calsync/internal/core"
)

// SubscriptionRepository provides data access for webhook subscriptions.
type SubscriptionRepository struct {
	BaseRepository
}

// NewSubscriptionRepository creates a new subscription repository.
func NewSubscriptionRepository(db *DB) *SubscriptionRepository {
	return &SubscriptionRepository{BaseRepository: NewBaseRepository(db)}
}

const subscriptionColumns = `id, sync_config_id, resource_id, channel_id, expires_at, created_at`

func scanSubscription(row rowScanner) (*core.WebhookSubscription, error) {
	var (
		sub                core.WebhookSubscription
		resourceID         sql.NullString
		expires, createdAt int64
	)
	if err := row.Scan(&sub.ID, &sub.SyncConfigID, &resourceID, &sub.ChannelID, &expires, &createdAt); err != nil {
		return nil, err
	}
	sub.ResourceID = resourceID.String
	sub.ExpiresAt = fromMillis(expires)
	sub.CreatedAt = fromMillis(createdAt)
	return &sub, nil
}

func (r *SubscriptionRepository) getOne(ctx context.Context, q string, args ...any) (*core.WebhookSubscription, error) {
	sub, err := scanSubscription(r.db.queryRow(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("webhook subscription: %w", core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying webhook subscription: %w", err)
	}
	return sub, nil
}

// GetSubscription retrieves a subscription by id.
func (r *SubscriptionRepository) GetSubscription(ctx context.Context, id string) (*core.WebhookSubscription, error) {
	return r.getOne(ctx, `SELECT `+subscriptionColumns+` FROM webhook_subscription WHERE id = ?`, id)
}

// LatestSubscription returns the most recently created subscription of a config.
func (r *SubscriptionRepository) LatestSubscription(ctx context.Context, configID string) (*core.WebhookSubscription, error) {
	return r.getOne(ctx, `
		SELECT `+subscriptionColumns+` FROM webhook_subscription
		WHERE sync_config_id = ?
		ORDER BY created_at DESC, expires_at DESC
		LIMIT 1
	`, configID)
}

// FindSubscriptionByChannel looks a subscription up by its channel id.
func (r *SubscriptionRepository) FindSubscriptionByChannel(ctx context.Context, channelID string) (*core.WebhookSubscription, error) {
	return r.getOne(ctx, `SELECT `+subscriptionColumns+` FROM webhook_subscription WHERE channel_id = ?`, channelID)
}

// CreateSubscription inserts sub.
func (r *SubscriptionRepository) CreateSubscription(ctx context.Context, sub *core.WebhookSubscription) error {
	if sub.ID == "" {
		sub.ID = GenerateID()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = r.now().UTC()
	}
	_, err := r.db.exec(ctx, `
		INSERT INTO webhook_subscription (`+subscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		sub.ID, sub.SyncConfigID, nullString(sub.ResourceID), sub.ChannelID,
		toMillis(sub.ExpiresAt), toMillis(sub.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting webhook subscription: %w", err)
	}
	return nil
}

// DeleteSubscription removes a subscription by id.
func (r *SubscriptionRepository) DeleteSubscription(ctx context.Context, id string) error {
	res, err := r.db.exec(ctx, `DELETE FROM webhook_subscription WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting webhook subscription: %w", err)
	}
	return rowsAffected(res, "deleting webhook subscription")
}

// DeleteSubscriptionsForConfig removes every subscription of a config.
func (r *SubscriptionRepository) DeleteSubscriptionsForConfig(ctx context.Context, configID string) error {
	if _, err := r.db.exec(ctx, `DELETE FROM webhook_subscription WHERE sync_config_id = ?`, configID); err != nil {
		return fmt.Errorf("deleting webhook subscriptions: %w", err)
	}
	return nil
}

// ListExpiringSubscriptions returns subscriptions expiring before the cutoff,
// soonest first.
func (r *SubscriptionRepository) ListExpiringSubscriptions(ctx context.Context, before time.Time) ([]core.WebhookSubscription, error) {
	rows, err := r.db.query(ctx, `
		SELECT `+subscriptionColumns+` FROM webhook_subscription
		WHERE expires_at < ?
		ORDER BY expires_at, id
	`, toMillis(before))
	if err != nil {
		return nil, fmt.Errorf("querying expiring subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []core.WebhookSubscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning webhook subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}
