package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/wmax/calsync/internal/core"
)

// EventRepository provides data access for internal calendar events.
type EventRepository struct {
	BaseRepository
}

// NewEventRepository creates a new event repository.
func NewEventRepository(db *DB) *EventRepository {
	return &EventRepository{BaseRepository: NewBaseRepository(db)}
}

const eventColumns = `id, user_id, summary, description, location,
	start_date, start_date_time, start_time_zone, start_utc_offset,
	end_date, end_date_time, end_time_zone, end_utc_offset,
	attendees, recurrence, reminders, created_at, updated_at`

func scanEvent(row rowScanner) (*core.Event, error) {
	var (
		ev                               core.Event
		description, location            sql.NullString
		startDate, startZone             sql.NullString
		endDate, endZone                 sql.NullString
		startDT, endDT                   sql.NullInt64
		startOffset, endOffset           sql.NullInt64
		attendees, recurrence, reminders sql.NullString
		createdAt, updatedAt             int64
	)
	if err := row.Scan(&ev.ID, &ev.UserID, &ev.Summary, &description, &location,
		&startDate, &startDT, &startZone, &startOffset, &endDate, &endDT, &endZone, &endOffset,
		&attendees, &recurrence, &reminders, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	ev.Description = description.String
	ev.Location = location.String
	ev.Start = core.EventTime{Date: startDate.String, DateTime: zonedTime(startDT, startOffset), TimeZone: startZone.String}
	ev.End = core.EventTime{Date: endDate.String, DateTime: zonedTime(endDT, endOffset), TimeZone: endZone.String}
	if err := decodeJSON(attendees, &ev.Attendees); err != nil {
		return nil, fmt.Errorf("decoding attendees: %w", err)
	}
	if err := decodeJSON(recurrence, &ev.Recurrence); err != nil {
		return nil, fmt.Errorf("decoding recurrence: %w", err)
	}
	if reminders.Valid {
		ev.Reminders = &core.Reminders{}
		if err := decodeJSON(reminders, ev.Reminders); err != nil {
			return nil, fmt.Errorf("decoding reminders: %w", err)
		}
	}
	ev.CreatedAt = fromMillis(createdAt)
	ev.UpdatedAt = fromMillis(updatedAt)
	return &ev, nil
}

// utcOffset is the offset in seconds t was expressed in.
func utcOffset(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	_, off := t.Zone()
	return sql.NullInt64{Int64: int64(off), Valid: true}
}

// zonedTime restores a stored instant in the offset it was written with.
func zonedTime(ms, offset sql.NullInt64) *time.Time {
	t := timePtr(ms)
	if t == nil || !offset.Valid || offset.Int64 == 0 {
		return t
	}
	z := t.In(time.FixedZone("", int(offset.Int64)))
	return &z
}

type eventBlobs struct {
	attendees, recurrence, reminders sql.NullString
}

func encodeEventBlobs(ev *core.Event) (eventBlobs, error) {
	var (
		b   eventBlobs
		err error
	)
	if len(ev.Attendees) > 0 {
		if b.attendees, err = encodeJSON(ev.Attendees); err != nil {
			return b, fmt.Errorf("encoding attendees: %w", err)
		}
	}
	if len(ev.Recurrence) > 0 {
		if b.recurrence, err = encodeJSON(ev.Recurrence); err != nil {
			return b, fmt.Errorf("encoding recurrence: %w", err)
		}
	}
	if ev.Reminders != nil {
		if b.reminders, err = encodeJSON(ev.Reminders); err != nil {
			return b, fmt.Errorf("encoding reminders: %w", err)
		}
	}
	return b, nil
}

// GetEvent retrieves an event by id.
func (r *EventRepository) GetEvent(ctx context.Context, id string) (*core.Event, error) {
	ev, err := scanEvent(r.db.queryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying event: %w", err)
	}
	return ev, nil
}

func (r *EventRepository) list(ctx context.Context, q string, args ...any) ([]core.Event, error) {
	rows, err := r.db.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []core.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		events = append(events, *ev)
	}
	return events, rows.Err()
}

// ListEventsByUser returns every event owned by userID ordered by creation.
func (r *EventRepository) ListEventsByUser(ctx context.Context, userID string) ([]core.Event, error) {
	return r.list(ctx, `SELECT `+eventColumns+` FROM events WHERE user_id = ? ORDER BY created_at, id`, userID)
}

// FindRecentBySummary returns events of userID with exactly summary that
// were created at or after since, newest first.
func (r *EventRepository) FindRecentBySummary(ctx context.Context, userID, summary string, since time.Time) ([]core.Event, error) {
	return r.list(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE user_id = ? AND summary = ? AND created_at >= ?
		ORDER BY created_at DESC, id
	`, userID, summary, toMillis(since))
}

// CreateEvent inserts ev. CreatedAt and UpdatedAt default to now.
func (r *EventRepository) CreateEvent(ctx context.Context, ev *core.Event) error {
	if ev.ID == "" {
		ev.ID = GenerateID()
	}
	now := r.now().UTC()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}
	if ev.UpdatedAt.IsZero() {
		ev.UpdatedAt = ev.CreatedAt
	}
	blobs, err := encodeEventBlobs(ev)
	if err != nil {
		return err
	}

	_, err = r.db.exec(ctx, `
		INSERT INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ev.ID, ev.UserID, ev.Summary, nullString(ev.Description), nullString(ev.Location),
		nullString(ev.Start.Date), nullMillis(ev.Start.DateTime), nullString(ev.Start.TimeZone), utcOffset(ev.Start.DateTime),
		nullString(ev.End.Date), nullMillis(ev.End.DateTime), nullString(ev.End.TimeZone), utcOffset(ev.End.DateTime),
		blobs.attendees, blobs.recurrence, blobs.reminders,
		toMillis(ev.CreatedAt), toMillis(ev.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// UpdateEvent overwrites ev. UpdatedAt defaults to now when unset.
func (r *EventRepository) UpdateEvent(ctx context.Context, ev *core.Event) error {
	if ev.UpdatedAt.IsZero() {
		ev.UpdatedAt = r.now().UTC()
	}
	blobs, err := encodeEventBlobs(ev)
	if err != nil {
		return err
	}

	res, err := r.db.exec(ctx, `
		UPDATE events
		SET summary = ?, description = ?, location = ?,
		    start_date = ?, start_date_time = ?, start_time_zone = ?, start_utc_offset = ?,
		    end_date = ?, end_date_time = ?, end_time_zone = ?, end_utc_offset = ?,
		    attendees = ?, recurrence = ?, reminders = ?, updated_at = ?
		WHERE id = ?
	`,
		ev.Summary, nullString(ev.Description), nullString(ev.Location),
		nullString(ev.Start.Date), nullMillis(ev.Start.DateTime), nullString(ev.Start.TimeZone), utcOffset(ev.Start.DateTime),
		nullString(ev.End.Date), nullMillis(ev.End.DateTime), nullString(ev.End.TimeZone), utcOffset(ev.End.DateTime),
		blobs.attendees, blobs.recurrence, blobs.reminders, toMillis(ev.UpdatedAt),
		ev.ID,
	)
	if err != nil {
		return fmt.Errorf("updating event: %w", err)
	}
	return rowsAffected(res, "updating event")
}

// DeleteEvent removes an event by id.
func (r *EventRepository) DeleteEvent(ctx context.Context, id string) error {
	res, err := r.db.exec(ctx, `DELETE FROM events WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting event: %w", err)
	}
	return rowsAffected(res, "deleting event")
}
