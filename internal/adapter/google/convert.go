package google

import (
	"time"

	"github.com/wmax/calsync/internal/core"

	"google.golang.org/api/calendar/v3"
)

// parseEvent converts a Google Calendar event to the provider-neutral form.
func parseEvent(item *calendar.Event) core.ExternalEvent {
	ev := core.ExternalEvent{
		ExternalID:  item.Id,
		Summary:     item.Summary,
		Description: item.Description,
		Location:    item.Location,
		Start:       parseEventTime(item.Start),
		End:         parseEventTime(item.End),
		Recurrence:  item.Recurrence,
		ETag:        item.Etag,
	}
	if item.Updated != "" {
		ev.Updated, _ = time.Parse(time.RFC3339, item.Updated)
	}

	for _, att := range item.Attendees {
		if att == nil {
			continue
		}
		ev.Attendees = append(ev.Attendees, core.Attendee{
			Email:          att.Email,
			DisplayName:    att.DisplayName,
			Optional:       att.Optional,
			ResponseStatus: att.ResponseStatus,
		})
	}

	if item.Reminders != nil {
		r := &core.Reminders{UseDefault: item.Reminders.UseDefault}
		for _, o := range item.Reminders.Overrides {
			r.Overrides = append(r.Overrides, core.ReminderOverride{Method: o.Method, Minutes: int(o.Minutes)})
		}
		ev.Reminders = r
	}
	return ev
}

// parseEventTime handles both timed (RFC3339) and all-day (YYYY-MM-DD) values.
func parseEventTime(dt *calendar.EventDateTime) core.EventTime {
	if dt == nil {
		return core.EventTime{}
	}
	if dt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, dt.DateTime)
		if err != nil {
			return core.EventTime{}
		}
		return core.EventTime{DateTime: &t, TimeZone: dt.TimeZone}
	}
	return core.EventTime{Date: dt.Date}
}

func formatEventTime(t core.EventTime) *calendar.EventDateTime {
	if t.DateTime != nil {
		return &calendar.EventDateTime{
			DateTime: t.DateTime.Format(time.RFC3339),
			TimeZone: t.TimeZone,
		}
	}
	return &calendar.EventDateTime{Date: t.Date}
}

// toGoogleEvent builds the request body for insert and update calls.
func toGoogleEvent(ev core.ExternalEvent) *calendar.Event {
	item := &calendar.Event{
		Summary:     ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		Start:       formatEventTime(ev.Start),
		End:         formatEventTime(ev.End),
		Recurrence:  ev.Recurrence,
	}

	for _, att := range ev.Attendees {
		item.Attendees = append(item.Attendees, &calendar.EventAttendee{
			Email:          att.Email,
			DisplayName:    att.DisplayName,
			Optional:       att.Optional,
			ResponseStatus: att.ResponseStatus,
		})
	}

	if ev.Reminders != nil {
		r := &calendar.EventReminders{
			UseDefault: ev.Reminders.UseDefault,
			// false is meaningful here and would otherwise be omitted
			ForceSendFields: []string{"UseDefault"},
		}
		for _, o := range ev.Reminders.Overrides {
			r.Overrides = append(r.Overrides, &calendar.EventReminder{Method: o.Method, Minutes: int64(o.Minutes)})
		}
		item.Reminders = r
	}
	return item
}
