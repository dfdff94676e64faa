package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/wmax/calsync/internal/core"
)

// OperationRepository provides data access for the sync audit trail.
type OperationRepository struct {
	BaseRepository
}

// NewOperationRepository creates a new operation repository.
func NewOperationRepository(db *DB) *OperationRepository {
	return &OperationRepository{BaseRepository: NewBaseRepository(db)}
}

// CreateOperation inserts op as pending.
func (r *OperationRepository) CreateOperation(ctx context.Context, op *core.SyncOperation) error {
	if op.ID == "" {
		op.ID = GenerateID()
	}
	if op.StartedAt.IsZero() {
		op.StartedAt = r.now().UTC()
	}
	op.Status = core.StatusPending

	_, err := r.db.exec(ctx, `
		INSERT INTO sync_operation (
			id, sync_config_id, operation, status, entity_type, entity_id, retry_count, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		op.ID, op.SyncConfigID, string(op.Kind), string(op.Status), op.EntityType,
		nullString(op.EntityID), op.RetryCount, toMillis(op.StartedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting sync operation: %w", err)
	}
	return nil
}

// FinalizeOperation writes the terminal status of a pending operation.
func (r *OperationRepository) FinalizeOperation(ctx context.Context, op *core.SyncOperation) error {
	if op.CompletedAt == nil {
		now := r.now().UTC()
		op.CompletedAt = &now
	}
	res, err := r.db.exec(ctx, `
		UPDATE sync_operation
		SET status = ?, pulled = ?, pushed = ?, error = ?, completed_at = ?
		WHERE id = ? AND status = ?
	`,
		string(op.Status), op.Pulled, op.Pushed, nullString(op.Error), nullMillis(op.CompletedAt),
		op.ID, string(core.StatusPending),
	)
	if err != nil {
		return fmt.Errorf("finalizing sync operation: %w", err)
	}
	return rowsAffected(res, "finalizing sync operation")
}

// ListOperations returns the most recent operations of a config, newest first.
func (r *OperationRepository) ListOperations(ctx context.Context, configID string, limit int) ([]core.SyncOperation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.query(ctx, `
		SELECT id, sync_config_id, operation, status, entity_type, entity_id, pulled, pushed,
		       error, retry_count, started_at, completed_at
		FROM sync_operation
		WHERE sync_config_id = ?
		ORDER BY started_at DESC, id
		LIMIT ?
	`, configID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying sync operations: %w", err)
	}
	defer rows.Close()

	var ops []core.SyncOperation
	for rows.Next() {
		var (
			op              core.SyncOperation
			kind, status    string
			entityID, errTx sql.NullString
			started         int64
			completed       sql.NullInt64
		)
		if err := rows.Scan(&op.ID, &op.SyncConfigID, &kind, &status, &op.EntityType, &entityID,
			&op.Pulled, &op.Pushed, &errTx, &op.RetryCount, &started, &completed); err != nil {
			return nil, fmt.Errorf("scanning sync operation: %w", err)
		}
		op.Kind = core.OperationKind(kind)
		op.Status = core.OperationStatus(status)
		op.EntityID = entityID.String
		op.Error = errTx.String
		op.StartedAt = fromMillis(started)
		op.CompletedAt = timePtr(completed)
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// FailStalePending marks operations left pending since before cutoff as
// failed. These are runs whose process died before finalizing.
func (r *OperationRepository) FailStalePending(ctx context.Context, cutoff time.Time, reason string) (int, error) {
	res, err := r.db.exec(ctx, `
		UPDATE sync_operation
		SET status = ?, error = ?, completed_at = ?
		WHERE status = ? AND started_at < ?
	`,
		string(core.StatusFailed), reason, toMillis(r.now()),
		string(core.StatusPending), toMillis(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("failing stale operations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking stale operations: %w", err)
	}
	return int(n), nil
}
