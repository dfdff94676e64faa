package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wmax/calsync/internal/core"
)

// BaseRepository holds what every repository needs.
type BaseRepository struct {
	db  *DB
	now func() time.Time
}

// NewBaseRepository creates a base repository over db.
func NewBaseRepository(db *DB) BaseRepository {
	return BaseRepository{db: db, now: time.Now}
}

// GenerateID returns a new row id.
func GenerateID() string {
	return uuid.NewString()
}

// Times are stored as unix milliseconds so both dialects compare them the same way.
func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func encodeJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	if string(b) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeJSON(s sql.NullString, v any) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), v)
}

func rowsAffected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking %s: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, core.ErrNotFound)
	}
	return nil
}

// Store implements core.Store on top of the per-table repositories.
type Store struct {
	db *DB
	*ConfigRepository
	*MappingRepository
	*OperationRepository
	*SubscriptionRepository
	*EventRepository
}

var _ core.Store = (*Store)(nil)

// Open connects to dsn, applies migrations and returns a ready store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := OpenDB(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return NewStore(db), nil
}

// NewStore wires repositories over an already migrated connection.
func NewStore(db *DB) *Store {
	return &Store{
		db:                     db,
		ConfigRepository:       NewConfigRepository(db),
		MappingRepository:      NewMappingRepository(db),
		OperationRepository:    NewOperationRepository(db),
		SubscriptionRepository: NewSubscriptionRepository(db),
		EventRepository:        NewEventRepository(db),
	}
}

// DB exposes the underlying connection.
func (s *Store) DB() *DB {
	return s.db
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetClock overrides the time source of every repository.
func (s *Store) SetClock(now func() time.Time) {
	s.ConfigRepository.now = now
	s.MappingRepository.now = now
	s.OperationRepository.now = now
	s.SubscriptionRepository.now = now
	s.EventRepository.now = now
}
