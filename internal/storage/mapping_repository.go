package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/wmax/calsync/internal/core"
)

// MappingRepository provides data access for sync mappings.
type MappingRepository struct {
	BaseRepository
}

// NewMappingRepository creates a new mapping repository.
func NewMappingRepository(db *DB) *MappingRepository {
	return &MappingRepository{BaseRepository: NewBaseRepository(db)}
}

const mappingColumns = `id, event_id, sync_config_id, external_id, provider_id, last_synced_at, etag, created_at, updated_at`

func scanMapping(row rowScanner) (*core.SyncMapping, error) {
	var (
		m                            core.SyncMapping
		etag                         sql.NullString
		syncedAt, createdAt, updated int64
	)
	if err := row.Scan(&m.ID, &m.EventID, &m.SyncConfigID, &m.ExternalID, &m.ProviderID,
		&syncedAt, &etag, &createdAt, &updated); err != nil {
		return nil, err
	}
	m.ETag = etag.String
	m.LastSyncedAt = fromMillis(syncedAt)
	m.CreatedAt = fromMillis(createdAt)
	m.UpdatedAt = fromMillis(updated)
	return &m, nil
}

func (r *MappingRepository) getOne(ctx context.Context, where string, args ...any) (*core.SyncMapping, error) {
	m, err := scanMapping(r.db.queryRow(ctx, `SELECT `+mappingColumns+` FROM sync_mapping WHERE `+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sync mapping: %w", core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying sync mapping: %w", err)
	}
	return m, nil
}

// GetMappingByExternalID looks up the mapping for an external event.
func (r *MappingRepository) GetMappingByExternalID(ctx context.Context, configID, externalID string) (*core.SyncMapping, error) {
	return r.getOne(ctx, "sync_config_id = ? AND external_id = ?", configID, externalID)
}

// GetMappingByEventID looks up the mapping for a local event.
func (r *MappingRepository) GetMappingByEventID(ctx context.Context, configID, eventID string) (*core.SyncMapping, error) {
	return r.getOne(ctx, "sync_config_id = ? AND event_id = ?", configID, eventID)
}

func (r *MappingRepository) list(ctx context.Context, q string, args ...any) ([]core.SyncMapping, error) {
	rows, err := r.db.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sync mappings: %w", err)
	}
	defer rows.Close()

	var mappings []core.SyncMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning sync mapping: %w", err)
		}
		mappings = append(mappings, *m)
	}
	return mappings, rows.Err()
}

// ListMappings returns every mapping of a config.
func (r *MappingRepository) ListMappings(ctx context.Context, configID string) ([]core.SyncMapping, error) {
	return r.list(ctx, `SELECT `+mappingColumns+` FROM sync_mapping WHERE sync_config_id = ? ORDER BY created_at, id`, configID)
}

// ListMappingsForEvents returns the mappings of the given local events
// across all configs.
func (r *MappingRepository) ListMappingsForEvents(ctx context.Context, eventIDs []string) ([]core.SyncMapping, error) {
	if len(eventIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(eventIDs)), ", ")
	args := make([]any, len(eventIDs))
	for i, id := range eventIDs {
		args[i] = id
	}
	return r.list(ctx,
		`SELECT `+mappingColumns+` FROM sync_mapping WHERE event_id IN (`+placeholders+`) ORDER BY created_at, id`,
		args...)
}

// UpsertMapping inserts m or refreshes the existing row for the same
// (config, external id) pair. m.ID is set to the stored row's id.
func (r *MappingRepository) UpsertMapping(ctx context.Context, m *core.SyncMapping) error {
	now := r.now().UTC()
	if m.ID == "" {
		m.ID = GenerateID()
	}
	if m.LastSyncedAt.IsZero() {
		m.LastSyncedAt = now
	}
	m.UpdatedAt = now

	var created int64
	err := r.db.queryRow(ctx, `
		INSERT INTO sync_mapping (`+mappingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (sync_config_id, external_id) DO UPDATE SET
			event_id = excluded.event_id,
			provider_id = excluded.provider_id,
			last_synced_at = excluded.last_synced_at,
			etag = excluded.etag,
			updated_at = excluded.updated_at
		RETURNING id, created_at
	`,
		m.ID, m.EventID, m.SyncConfigID, m.ExternalID, m.ProviderID,
		toMillis(m.LastSyncedAt), nullString(m.ETag), toMillis(now), toMillis(now),
	).Scan(&m.ID, &created)
	if err != nil {
		return fmt.Errorf("upserting sync mapping: %w", err)
	}
	m.CreatedAt = fromMillis(created)
	return nil
}

// DeleteMapping removes a mapping by id.
func (r *MappingRepository) DeleteMapping(ctx context.Context, id string) error {
	res, err := r.db.exec(ctx, `DELETE FROM sync_mapping WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting sync mapping: %w", err)
	}
	return rowsAffected(res, "deleting sync mapping")
}
