package outlook

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/microsoftgraph/msgraph-sdk-go/models"

	"github.com/wmax/calsync/internal/core"
	"github.com/wmax/calsync/internal/util"
)

const graphDateTimeLayout = "2006-01-02T15:04:05"

// SupportsRecurrence is false: RRULE lines are neither sent to nor read
// from Graph, so pulls must not clear the local rules.
func (a *Adapter) SupportsRecurrence() bool { return false }

// PushEvent creates ev on the configured calendar, or the default one.
func (a *Adapter) PushEvent(ctx context.Context, ev core.ExternalEvent) (string, string, error) {
	body := toGraphEvent(ev)
	if len(ev.Recurrence) > 0 {
		a.logger.Debug("recurrence rules are not sent to microsoft graph",
			"config_id", a.configID, "summary", ev.Summary)
	}

	var (
		created models.Eventable
		err     error
	)
	if a.calendarID == "" {
		created, err = a.client.Me().Events().Post(ctx, body, nil)
	} else {
		created, err = a.client.Me().Calendars().ByCalendarId(a.calendarID).Events().Post(ctx, body, nil)
	}
	if err != nil {
		return "", "", classify("create event", err)
	}
	return derefStr(created.GetId()), derefStr(created.GetChangeKey()), nil
}

// UpdateEvent patches the remote event.
func (a *Adapter) UpdateEvent(ctx context.Context, externalID string, ev core.ExternalEvent) (string, error) {
	updated, err := a.client.Me().Events().ByEventId(externalID).Patch(ctx, toGraphEvent(ev), nil)
	if err != nil {
		return "", classify(fmt.Sprintf("update event %s", externalID), err)
	}
	return derefStr(updated.GetChangeKey()), nil
}

// DeleteEvent removes the remote event. Missing events are ignored.
func (a *Adapter) DeleteEvent(ctx context.Context, externalID string) error {
	err := a.client.Me().Events().ByEventId(externalID).Delete(ctx, nil)
	if err == nil {
		return nil
	}
	if code := statusCode(err); code == http.StatusNotFound || code == http.StatusGone {
		return nil
	}
	return classify(fmt.Sprintf("delete event %s", externalID), err)
}

// isRemoved reports whether a delta entry is a deletion marker.
func isRemoved(item models.Eventable) bool {
	_, ok := item.GetAdditionalData()["@removed"]
	return ok
}

// parseGraphEvent converts a Graph event into the provider-neutral form.
func parseGraphEvent(item models.Eventable) core.ExternalEvent {
	allDay := derefBool(item.GetIsAllDay())
	ev := core.ExternalEvent{
		ExternalID: derefStr(item.GetId()),
		Summary:    derefStr(item.GetSubject()),
		Start:      parseGraphDateTime(item.GetStart(), allDay),
		End:        parseGraphDateTime(item.GetEnd(), allDay),
		ETag:       derefStr(item.GetChangeKey()),
	}
	if t := item.GetLastModifiedDateTime(); t != nil {
		ev.Updated = t.UTC()
	}

	if body := item.GetBody(); body != nil {
		content := derefStr(body.GetContent())
		if ct := body.GetContentType(); ct != nil && *ct == models.HTML_BODYTYPE {
			content = util.HTMLToText(content)
		}
		ev.Description = content
	}

	if loc := item.GetLocation(); loc != nil {
		ev.Location = derefStr(loc.GetDisplayName())
	}

	for _, att := range item.GetAttendees() {
		addr := att.GetEmailAddress()
		if addr == nil {
			continue
		}
		a := core.Attendee{
			Email:       derefStr(addr.GetAddress()),
			DisplayName: derefStr(addr.GetName()),
		}
		if t := att.GetTypeEscaped(); t != nil && *t == models.OPTIONAL_ATTENDEETYPE {
			a.Optional = true
		}
		if st := att.GetStatus(); st != nil {
			a.ResponseStatus = responseStatus(st.GetResponse())
		}
		ev.Attendees = append(ev.Attendees, a)
	}

	if item.GetIsReminderOn() != nil {
		r := &core.Reminders{}
		if derefBool(item.GetIsReminderOn()) {
			minutes := 15
			if m := item.GetReminderMinutesBeforeStart(); m != nil {
				minutes = int(*m)
			}
			r.Overrides = []core.ReminderOverride{{Method: "popup", Minutes: minutes}}
		}
		ev.Reminders = r
	}
	return ev
}

// parseGraphDateTime reads a dateTimeTimeZone. All-day values keep only
// the date; Graph reports them as midnight.
func parseGraphDateTime(dt models.DateTimeTimeZoneable, allDay bool) core.EventTime {
	if dt == nil {
		return core.EventTime{}
	}
	raw := derefStr(dt.GetDateTime())
	if len(raw) < len(core.DateLayout) {
		return core.EventTime{}
	}
	if allDay {
		return core.EventTime{Date: raw[:len(core.DateLayout)]}
	}

	tz := derefStr(dt.GetTimeZone())
	loc := time.UTC
	if tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	// Graph sends seven fractional digits, which the layout accepts
	t, err := time.ParseInLocation(graphDateTimeLayout, raw, loc)
	if err != nil {
		return core.EventTime{}
	}
	t = t.UTC()
	return core.EventTime{DateTime: &t, TimeZone: tz}
}

func formatGraphDateTime(t core.EventTime) models.DateTimeTimeZoneable {
	dt := models.NewDateTimeTimeZone()
	if t.DateTime == nil {
		dt.SetDateTime(ptr(t.Date + "T00:00:00"))
		dt.SetTimeZone(ptr("UTC"))
		return dt
	}

	tz := "UTC"
	when := t.DateTime.UTC()
	if t.TimeZone != "" {
		if loc, err := time.LoadLocation(t.TimeZone); err == nil {
			tz = t.TimeZone
			when = t.DateTime.In(loc)
		}
	}
	dt.SetDateTime(ptr(when.Format(graphDateTimeLayout)))
	dt.SetTimeZone(ptr(tz))
	return dt
}

// toGraphEvent builds the request body for create and update calls.
// Recurrence rules are not translated to Graph's patternedRecurrence.
func toGraphEvent(ev core.ExternalEvent) models.Eventable {
	item := models.NewEvent()
	item.SetSubject(ptr(ev.Summary))
	item.SetStart(formatGraphDateTime(ev.Start))
	item.SetEnd(formatGraphDateTime(ev.End))
	item.SetIsAllDay(ptr(ev.Start.IsAllDay()))

	body := models.NewItemBody()
	contentType := models.TEXT_BODYTYPE
	body.SetContentType(&contentType)
	body.SetContent(ptr(ev.Description))
	item.SetBody(body)

	if ev.Location != "" {
		loc := models.NewLocation()
		loc.SetDisplayName(ptr(ev.Location))
		item.SetLocation(loc)
	}

	attendees := make([]models.Attendeeable, 0, len(ev.Attendees))
	for _, att := range ev.Attendees {
		addr := models.NewEmailAddress()
		addr.SetAddress(ptr(att.Email))
		if att.DisplayName != "" {
			addr.SetName(ptr(att.DisplayName))
		}
		a := models.NewAttendee()
		a.SetEmailAddress(addr)
		kind := models.REQUIRED_ATTENDEETYPE
		if att.Optional {
			kind = models.OPTIONAL_ATTENDEETYPE
		}
		a.SetTypeEscaped(&kind)
		attendees = append(attendees, a)
	}
	item.SetAttendees(attendees)

	if r := ev.Reminders; r != nil && !r.UseDefault {
		if len(r.Overrides) == 0 {
			item.SetIsReminderOn(ptr(false))
		} else {
			item.SetIsReminderOn(ptr(true))
			item.SetReminderMinutesBeforeStart(ptr(int32(r.Overrides[0].Minutes)))
		}
	}
	return item
}

// responseStatus maps Graph response types onto the Google vocabulary
// used by core.Attendee.
func responseStatus(rt *models.ResponseType) string {
	if rt == nil {
		return ""
	}
	switch *rt {
	case models.ACCEPTED_RESPONSETYPE, models.ORGANIZER_RESPONSETYPE:
		return "accepted"
	case models.DECLINED_RESPONSETYPE:
		return "declined"
	case models.TENTATIVELYACCEPTED_RESPONSETYPE:
		return "tentative"
	default:
		return "needsAction"
	}
}
