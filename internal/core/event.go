package core

import (
	"time"
)

// DateLayout is the wire format of all-day dates.
const DateLayout = "2006-01-02"

// EventTime is either an all-day date or a timed instant.
// Exactly one of Date or DateTime is set on a valid value.
type EventTime struct {
	// All-day date (YYYY-MM-DD)
	Date string
	// Timed start or end
	DateTime *time.Time
	// IANA zone the provider reported for DateTime, if any
	TimeZone string
}

// IsAllDay reports whether t is a date-only value.
func (t EventTime) IsAllDay() bool {
	return t.DateTime == nil && t.Date != ""
}

// IsZero reports whether neither a date nor a time is set.
func (t EventTime) IsZero() bool {
	return t.DateTime == nil && t.Date == ""
}

// CalendarDate returns the YYYY-MM-DD form of t. Timed values are
// rendered in TimeZone when it is set, otherwise in the offset the
// instant carries.
func (t EventTime) CalendarDate() string {
	if t.DateTime == nil {
		return t.Date
	}
	dt := *t.DateTime
	if t.TimeZone != "" {
		if loc, err := time.LoadLocation(t.TimeZone); err == nil {
			dt = dt.In(loc)
		}
	}
	return dt.Format(DateLayout)
}

// Compatible reports whether a and b describe the same start.
// Values of the same kind must match exactly; a date and a time
// match when they fall on the same calendar date.
func (t EventTime) Compatible(other EventTime) bool {
	switch {
	case t.IsZero() || other.IsZero():
		return false
	case t.IsAllDay() && other.IsAllDay():
		return t.Date == other.Date
	case !t.IsAllDay() && !other.IsAllDay():
		return t.DateTime.Equal(*other.DateTime)
	default:
		return t.CalendarDate() == other.CalendarDate()
	}
}

// Attendee is a participant on an event.
type Attendee struct {
	Email          string `json:"email"`
	DisplayName    string `json:"displayName,omitempty"`
	Optional       bool   `json:"optional,omitempty"`
	ResponseStatus string `json:"responseStatus,omitempty"`
}

// ReminderOverride is a single reminder ("popup", "email") before start.
type ReminderOverride struct {
	Method  string `json:"method"`
	Minutes int    `json:"minutes"`
}

// Reminders is the reminder configuration of an event.
type Reminders struct {
	UseDefault bool               `json:"useDefault"`
	Overrides  []ReminderOverride `json:"overrides,omitempty"`
}

// Event is the internal calendar event owned by a user.
type Event struct {
	ID          string
	UserID      string
	Summary     string
	Description string
	Location    string
	Start       EventTime
	End         EventTime
	Attendees   []Attendee
	// RRULE / EXDATE lines
	Recurrence []string
	Reminders  *Reminders
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ExternalEvent is the provider-neutral form of an event crossing the
// adapter boundary. It is never persisted as-is.
type ExternalEvent struct {
	// Provider identifier of the event
	ExternalID  string
	Summary     string
	Description string
	Location    string
	Start       EventTime
	End         EventTime
	Attendees   []Attendee
	Recurrence  []string
	Reminders   *Reminders
	// Opaque change tag
	ETag string
	// Last modification reported by the provider
	Updated time.Time
	// Deleted marks a removal; only ExternalID is meaningful then.
	Deleted bool
}

// ToExternal converts a local event for pushing.
func (e Event) ToExternal() ExternalEvent {
	return ExternalEvent{
		Summary:     e.Summary,
		Description: e.Description,
		Location:    e.Location,
		Start:       e.Start,
		End:         e.End,
		Attendees:   e.Attendees,
		Recurrence:  e.Recurrence,
		Reminders:   e.Reminders,
		Updated:     e.UpdatedAt,
	}
}

// ApplyExternal overwrites the synced fields of e with those of x.
func (e *Event) ApplyExternal(x ExternalEvent) {
	e.Summary = x.Summary
	e.Description = x.Description
	e.Location = x.Location
	e.Start = x.Start
	e.End = x.End
	e.Attendees = x.Attendees
	e.Recurrence = x.Recurrence
	e.Reminders = x.Reminders
}
