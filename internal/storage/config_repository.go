package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/wmax/calsync/internal/core"
)

// ConfigRepository provides data access for sync configurations.
type ConfigRepository struct {
	BaseRepository
}

// NewConfigRepository creates a new config repository.
func NewConfigRepository(db *DB) *ConfigRepository {
	return &ConfigRepository{BaseRepository: NewBaseRepository(db)}
}

const configColumns = `id, user_id, provider_id, provider_type, direction, enabled, credentials, settings,
	last_sync, next_sync, sync_token, webhook_id, needs_reauth, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConfig(row rowScanner) (*core.SyncConfig, error) {
	var (
		cfg                  core.SyncConfig
		providerType, dir    string
		creds, settings      sql.NullString
		lastSync, nextSync   sql.NullInt64
		syncToken, webhookID sql.NullString
		createdAt, updatedAt int64
	)
	if err := row.Scan(
		&cfg.ID, &cfg.UserID, &cfg.ProviderID, &providerType, &dir, &cfg.Enabled,
		&creds, &settings, &lastSync, &nextSync, &syncToken, &webhookID, &cfg.NeedsReauth, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	cfg.ProviderType = core.ProviderType(providerType)
	cfg.Direction = core.Direction(dir)
	if creds.Valid {
		cfg.Credentials = &core.Credentials{}
		if err := decodeJSON(creds, cfg.Credentials); err != nil {
			return nil, fmt.Errorf("decoding credentials: %w", err)
		}
	}
	cfg.Settings = core.Settings{}
	if err := decodeJSON(settings, &cfg.Settings); err != nil {
		return nil, fmt.Errorf("decoding settings: %w", err)
	}
	cfg.LastSync = timePtr(lastSync)
	cfg.NextSync = timePtr(nextSync)
	cfg.SyncToken = syncToken.String
	cfg.WebhookID = webhookID.String
	cfg.CreatedAt = fromMillis(createdAt)
	cfg.UpdatedAt = fromMillis(updatedAt)
	return &cfg, nil
}

// GetConfig retrieves a config by id.
func (r *ConfigRepository) GetConfig(ctx context.Context, id string) (*core.SyncConfig, error) {
	cfg, err := scanConfig(r.db.queryRow(ctx,
		`SELECT `+configColumns+` FROM sync_config WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sync config %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying sync config: %w", err)
	}
	return cfg, nil
}

// ListConfigs returns configs matching filter ordered by creation.
func (r *ConfigRepository) ListConfigs(ctx context.Context, filter core.ConfigFilter) ([]core.SyncConfig, error) {
	var (
		where []string
		args  []any
	)
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.ProviderType != "" {
		where = append(where, "provider_type = ?")
		args = append(args, string(filter.ProviderType))
	}
	if filter.OnlyEnabled || filter.DueBefore != nil {
		where = append(where, "enabled = ?")
		args = append(args, true)
	}
	if filter.DueBefore != nil {
		where = append(where, "(next_sync IS NULL OR next_sync <= ?)")
		args = append(args, toMillis(*filter.DueBefore))
	}
	if filter.SkipNeedsReauth || filter.DueBefore != nil {
		where = append(where, "needs_reauth = ?")
		args = append(args, false)
	}

	q := `SELECT ` + configColumns + ` FROM sync_config`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at, id"

	rows, err := r.db.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sync configs: %w", err)
	}
	defer rows.Close()

	var configs []core.SyncConfig
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning sync config: %w", err)
		}
		configs = append(configs, *cfg)
	}
	return configs, rows.Err()
}

// CreateConfig inserts cfg, assigning id and timestamps when unset.
func (r *ConfigRepository) CreateConfig(ctx context.Context, cfg *core.SyncConfig) error {
	if cfg.ID == "" {
		cfg.ID = GenerateID()
	}
	now := r.now().UTC()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now

	creds, err := encodeJSON(cfg.Credentials)
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}
	settings, err := encodeJSON(cfg.Settings)
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}

	_, err = r.db.exec(ctx, `
		INSERT INTO sync_config (`+configColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		cfg.ID, cfg.UserID, cfg.ProviderID, string(cfg.ProviderType), string(cfg.Direction), cfg.Enabled,
		creds, settings, nullMillis(cfg.LastSync), nullMillis(cfg.NextSync),
		nullString(cfg.SyncToken), nullString(cfg.WebhookID), cfg.NeedsReauth, toMillis(now), toMillis(now),
	)
	if err != nil {
		return fmt.Errorf("inserting sync config: %w", err)
	}
	return nil
}

// UpdateConfig overwrites the user-editable columns of cfg and clears
// the re-authentication mark.
func (r *ConfigRepository) UpdateConfig(ctx context.Context, cfg *core.SyncConfig) error {
	cfg.UpdatedAt = r.now().UTC()
	cfg.NeedsReauth = false

	creds, err := encodeJSON(cfg.Credentials)
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}
	settings, err := encodeJSON(cfg.Settings)
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}

	res, err := r.db.exec(ctx, `
		UPDATE sync_config
		SET provider_id = ?, provider_type = ?, direction = ?, enabled = ?, credentials = ?,
		    settings = ?, needs_reauth = ?, updated_at = ?
		WHERE id = ?
	`,
		cfg.ProviderID, string(cfg.ProviderType), string(cfg.Direction), cfg.Enabled, creds,
		settings, false, toMillis(cfg.UpdatedAt), cfg.ID,
	)
	if err != nil {
		return fmt.Errorf("updating sync config: %w", err)
	}
	return rowsAffected(res, "updating sync config")
}

// UpdateSyncState writes the cursor and schedule columns that are set in state.
func (r *ConfigRepository) UpdateSyncState(ctx context.Context, id string, state core.SyncState) error {
	sets := []string{"updated_at = ?"}
	args := []any{toMillis(r.now())}
	if state.SyncToken != nil {
		sets = append(sets, "sync_token = ?")
		args = append(args, nullString(*state.SyncToken))
	}
	if state.LastSync != nil {
		sets = append(sets, "last_sync = ?")
		args = append(args, nullMillis(state.LastSync))
	}
	if state.NextSync != nil {
		sets = append(sets, "next_sync = ?")
		args = append(args, nullMillis(state.NextSync))
	}
	if state.NeedsReauth != nil {
		sets = append(sets, "needs_reauth = ?")
		args = append(args, *state.NeedsReauth)
	}
	args = append(args, id)

	res, err := r.db.exec(ctx,
		`UPDATE sync_config SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("updating sync state: %w", err)
	}
	return rowsAffected(res, "updating sync state")
}

// UpdateCredentials replaces the stored credential blob and clears the
// re-authentication mark.
func (r *ConfigRepository) UpdateCredentials(ctx context.Context, id string, creds *core.Credentials) error {
	blob, err := encodeJSON(creds)
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}
	res, err := r.db.exec(ctx,
		`UPDATE sync_config SET credentials = ?, needs_reauth = ?, updated_at = ? WHERE id = ?`,
		blob, false, toMillis(r.now()), id)
	if err != nil {
		return fmt.Errorf("updating credentials: %w", err)
	}
	return rowsAffected(res, "updating credentials")
}

// SetWebhookID stores the live subscription reference, or clears it.
func (r *ConfigRepository) SetWebhookID(ctx context.Context, id, webhookID string) error {
	res, err := r.db.exec(ctx,
		`UPDATE sync_config SET webhook_id = ?, updated_at = ? WHERE id = ?`,
		nullString(webhookID), toMillis(r.now()), id)
	if err != nil {
		return fmt.Errorf("updating webhook id: %w", err)
	}
	return rowsAffected(res, "updating webhook id")
}

// DeleteConfig removes the config; foreign keys cascade to its mappings,
// operations and subscriptions.
func (r *ConfigRepository) DeleteConfig(ctx context.Context, id string) error {
	res, err := r.db.exec(ctx, `DELETE FROM sync_config WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting sync config: %w", err)
	}
	return rowsAffected(res, "deleting sync config")
}
