package google

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wmax/calsync/internal/core"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

var testNow = time.Date(2025, 1, 6, 17, 0, 0, 0, time.UTC)

// fakeCalendar records requests and answers from a per-route handler table.
type fakeCalendar struct {
	mu       sync.Mutex
	requests []*http.Request
	bodies   []string
	routes   map[string]http.HandlerFunc
}

func (f *fakeCalendar) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, r)
	f.bodies = append(f.bodies, string(body))
	h, ok := f.routes[r.Method+" "+r.URL.Path]
	f.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	r.Body = io.NopCloser(strings.NewReader(string(body)))
	h(w, r)
}

func (f *fakeCalendar) count(method, path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if r.Method == method && r.URL.Path == path {
			n++
		}
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": reason,
			"errors":  []map[string]any{{"reason": reason, "message": reason}},
		},
	})
}

func newTestAdapter(t *testing.T, routes map[string]http.HandlerFunc) (*Adapter, *fakeCalendar) {
	t.Helper()
	fake := &fakeCalendar{routes: routes}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	a := NewAdapter(nil,
		WithClientOptions(option.WithEndpoint(srv.URL+"/")),
		WithClock(func() time.Time { return testNow }),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	err := a.Initialize(context.Background(), &core.SyncConfig{
		ID:           "cfg-1",
		ProviderType: core.ProviderGoogle,
		Credentials:  &core.Credentials{AccessToken: "access"},
		Settings:     core.Settings{},
	})
	require.NoError(t, err)
	return a, fake
}

func TestInitialize_RejectsUnusableCredentials(t *testing.T) {
	a := NewAdapter(nil, WithClock(func() time.Time { return testNow }))

	err := a.Initialize(context.Background(), &core.SyncConfig{ID: "cfg-1"})
	assert.ErrorIs(t, err, core.ErrCredential)

	err = a.Initialize(context.Background(), &core.SyncConfig{
		ID:          "cfg-1",
		Credentials: &core.Credentials{AccessToken: "old", ExpiresAt: testNow.Add(-time.Minute)},
	})
	assert.ErrorIs(t, err, core.ErrCredential)
}

func TestPullEvents_FullSync(t *testing.T) {
	var query []string
	a, _ := newTestAdapter(t, map[string]http.HandlerFunc{
		"GET /calendars/primary/events": func(w http.ResponseWriter, r *http.Request) {
			query = append(query, r.URL.RawQuery)
			q := r.URL.Query()
			if q.Get("pageToken") == "" {
				writeJSON(w, http.StatusOK, calendar.Events{
					Items: []*calendar.Event{
						{
							Id:      "g1",
							Summary: "Standup",
							Etag:    `"1"`,
							Updated: "2025-01-05T10:00:00Z",
							Start:   &calendar.EventDateTime{DateTime: "2025-01-07T09:00:00Z", TimeZone: "UTC"},
							End:     &calendar.EventDateTime{DateTime: "2025-01-07T09:15:00Z", TimeZone: "UTC"},
						},
						{Id: "gone", Status: "cancelled"},
					},
					NextPageToken: "page-2",
				})
				return
			}
			writeJSON(w, http.StatusOK, calendar.Events{
				Items: []*calendar.Event{{
					Id:      "g2",
					Summary: "Holiday",
					Start:   &calendar.EventDateTime{Date: "2025-01-10"},
					End:     &calendar.EventDateTime{Date: "2025-01-11"},
				}},
				NextSyncToken: "sync-1",
			})
		},
	})

	events, cursor, err := a.PullEvents(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "sync-1", cursor)
	require.Len(t, events, 2)

	assert.Equal(t, "g1", events[0].ExternalID)
	assert.Equal(t, `"1"`, events[0].ETag)
	require.NotNil(t, events[0].Start.DateTime)
	assert.True(t, events[0].Start.DateTime.Equal(time.Date(2025, 1, 7, 9, 0, 0, 0, time.UTC)))
	assert.Equal(t, "2025-01-10", events[1].Start.Date)
	assert.True(t, events[1].Start.IsAllDay())

	require.Len(t, query, 2)
	assert.Contains(t, query[0], "timeMin=")
	assert.Contains(t, query[0], "singleEvents=true")
	assert.NotContains(t, query[0], "syncToken")
}

func TestPullEvents_Incremental(t *testing.T) {
	a, _ := newTestAdapter(t, map[string]http.HandlerFunc{
		"GET /calendars/primary/events": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "sync-1", r.URL.Query().Get("syncToken"))
			assert.Empty(t, r.URL.Query().Get("timeMin"))
			writeJSON(w, http.StatusOK, calendar.Events{
				Items: []*calendar.Event{
					{Id: "g1", Summary: "Moved", Start: &calendar.EventDateTime{Date: "2025-01-08"}, End: &calendar.EventDateTime{Date: "2025-01-09"}},
					{Id: "g2", Status: "cancelled"},
				},
				NextSyncToken: "sync-2",
			})
		},
	})

	events, cursor, err := a.PullEvents(context.Background(), "sync-1")
	require.NoError(t, err)
	assert.Equal(t, "sync-2", cursor)
	require.Len(t, events, 2)
	assert.False(t, events[0].Deleted)
	assert.Equal(t, core.ExternalEvent{ExternalID: "g2", Deleted: true}, events[1])
}

func TestPullEvents_ExpiredCursorFallsBackOnce(t *testing.T) {
	a, fake := newTestAdapter(t, map[string]http.HandlerFunc{
		"GET /calendars/primary/events": func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("syncToken") != "" {
				writeAPIError(w, http.StatusGone, "fullSyncRequired")
				return
			}
			writeJSON(w, http.StatusOK, calendar.Events{
				Items:         []*calendar.Event{{Id: "g1", Start: &calendar.EventDateTime{Date: "2025-01-08"}}},
				NextSyncToken: "fresh",
			})
		},
	})

	events, cursor, err := a.PullEvents(context.Background(), "stale")
	require.NoError(t, err)
	assert.Equal(t, "fresh", cursor)
	assert.Len(t, events, 1)
	assert.Equal(t, 2, fake.count(http.MethodGet, "/calendars/primary/events"))
}

func TestPullEvents_FullSyncGoneIsNotRetried(t *testing.T) {
	a, fake := newTestAdapter(t, map[string]http.HandlerFunc{
		"GET /calendars/primary/events": func(w http.ResponseWriter, r *http.Request) {
			writeAPIError(w, http.StatusGone, "fullSyncRequired")
		},
	})

	_, _, err := a.PullEvents(context.Background(), "stale")
	assert.ErrorIs(t, err, core.ErrCursorInvalid)
	assert.Equal(t, 2, fake.count(http.MethodGet, "/calendars/primary/events"))
}

func TestPullEvents_Unauthorized(t *testing.T) {
	a, _ := newTestAdapter(t, map[string]http.HandlerFunc{
		"GET /calendars/primary/events": func(w http.ResponseWriter, r *http.Request) {
			writeAPIError(w, http.StatusUnauthorized, "authError")
		},
	})

	_, _, err := a.PullEvents(context.Background(), "")
	assert.ErrorIs(t, err, core.ErrCredential)
	assert.Equal(t, core.KindCredential, core.Classify(err))
}

func TestValidateConnection(t *testing.T) {
	a, _ := newTestAdapter(t, map[string]http.HandlerFunc{
		"GET /calendars/primary": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, calendar.Calendar{Id: "primary"})
		},
	})
	ok, err := a.ValidateConnection(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPushUpdateDelete(t *testing.T) {
	var inserted calendar.Event
	a, fake := newTestAdapter(t, map[string]http.HandlerFunc{
		"POST /calendars/primary/events": func(w http.ResponseWriter, r *http.Request) {
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&inserted))
			writeJSON(w, http.StatusOK, calendar.Event{Id: "new-1", Etag: `"e1"`})
		},
		"PUT /calendars/primary/events/new-1": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, calendar.Event{Id: "new-1", Etag: `"e2"`})
		},
		"DELETE /calendars/primary/events/new-1": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		},
		"DELETE /calendars/primary/events/missing": func(w http.ResponseWriter, r *http.Request) {
			writeAPIError(w, http.StatusGone, "deleted")
		},
	})
	ctx := context.Background()
	start := time.Date(2025, 1, 7, 9, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	ev := core.ExternalEvent{
		Summary:   "Planning",
		Start:     core.EventTime{DateTime: &start, TimeZone: "UTC"},
		End:       core.EventTime{DateTime: &end, TimeZone: "UTC"},
		Attendees: []core.Attendee{{Email: "a@example.com"}},
		Reminders: &core.Reminders{UseDefault: false, Overrides: []core.ReminderOverride{{Method: "popup", Minutes: 10}}},
	}

	id, etag, err := a.PushEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, "new-1", id)
	assert.Equal(t, `"e1"`, etag)
	assert.Equal(t, "Planning", inserted.Summary)
	assert.Equal(t, "2025-01-07T09:00:00Z", inserted.Start.DateTime)
	require.Len(t, inserted.Attendees, 1)
	require.NotNil(t, inserted.Reminders)
	assert.Len(t, inserted.Reminders.Overrides, 1)
	assert.Contains(t, fake.bodies[0], `"useDefault":false`)

	etag, err = a.UpdateEvent(ctx, "new-1", ev)
	require.NoError(t, err)
	assert.Equal(t, `"e2"`, etag)

	require.NoError(t, a.DeleteEvent(ctx, "new-1"))
	require.NoError(t, a.DeleteEvent(ctx, "missing"))
}

func TestWebhookLifecycle(t *testing.T) {
	expires := testNow.Add(72 * time.Hour)
	var watched calendar.Channel
	a, fake := newTestAdapter(t, map[string]http.HandlerFunc{
		"POST /calendars/primary/events/watch": func(w http.ResponseWriter, r *http.Request) {
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&watched))
			writeJSON(w, http.StatusOK, calendar.Channel{
				Id:         watched.Id,
				ResourceId: "res-1",
				Expiration: expires.UnixMilli(),
			})
		},
		"POST /channels/stop": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		},
	})
	ctx := context.Background()

	sub, err := a.SetupWebhook(ctx, "https://calsync.example.com/api/sync/webhook/google-calendar")
	require.NoError(t, err)
	assert.Equal(t, "web_hook", watched.Type)
	assert.Equal(t, "cfg-1", watched.Token)
	assert.Equal(t, watched.Id, sub.ChannelID)
	assert.Equal(t, "res-1", sub.ResourceID)
	assert.True(t, sub.ExpiresAt.Equal(expires))

	renewed, err := a.RenewWebhook(ctx, sub, "https://calsync.example.com/api/sync/webhook/google-calendar")
	require.NoError(t, err)
	assert.NotEqual(t, sub.ChannelID, renewed.ChannelID)
	assert.Equal(t, 1, fake.count(http.MethodPost, "/channels/stop"))
}

func TestProcessWebhookPayload(t *testing.T) {
	a := NewAdapter(nil)
	h := http.Header{}
	h.Set(HeaderChannelID, "ch-1")
	h.Set(HeaderResourceID, "res-1")
	h.Set(HeaderResourceState, "exists")
	h.Set(HeaderChannelToken, "cfg-1")

	notes, err := a.ProcessWebhookPayload(core.WebhookPayload{Header: h})
	require.NoError(t, err)
	assert.Equal(t, []core.Notification{
		{ChannelID: "ch-1", ResourceID: "res-1", State: core.ChangeExists, Token: "cfg-1"},
	}, notes)

	h.Set(HeaderResourceState, "bogus")
	_, err = a.ProcessWebhookPayload(core.WebhookPayload{Header: h})
	assert.Error(t, err)

	// tokenless requests are left for the ingestor to reject
	h.Del(HeaderChannelToken)
	notes, err = a.ProcessWebhookPayload(core.WebhookPayload{Header: h})
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Empty(t, notes[0].Token)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"gone", &googleapi.Error{Code: 410}, core.ErrCursorInvalid},
		{"rate limited", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "userRateLimitExceeded"}}}, core.ErrTransient},
		{"forbidden", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "forbidden"}}}, core.ErrCredential},
		{"not found", &googleapi.Error{Code: 404}, core.ErrNotFound},
		{"server", &googleapi.Error{Code: 503}, core.ErrTransient},
		{"too many", &googleapi.Error{Code: 429}, core.ErrTransient},
		{"network", errors.New("connection reset"), core.ErrTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, classify("op", tt.err), tt.want)
		})
	}

	err := classify("op", context.Canceled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, core.KindInternal, core.Classify(err))
}

func TestConvertRoundTrip(t *testing.T) {
	item := &calendar.Event{
		Id:          "g1",
		Summary:     "Offsite",
		Description: "Bring laptop",
		Location:    "HQ",
		Start:       &calendar.EventDateTime{Date: "2025-02-01"},
		End:         &calendar.EventDateTime{Date: "2025-02-02"},
		Recurrence:  []string{"RRULE:FREQ=YEARLY"},
		Attendees:   []*calendar.EventAttendee{{Email: "b@example.com", Optional: true}},
		Reminders:   &calendar.EventReminders{UseDefault: true},
	}
	ev := parseEvent(item)
	back := toGoogleEvent(ev)

	assert.Equal(t, item.Summary, back.Summary)
	assert.Equal(t, item.Description, back.Description)
	assert.Equal(t, item.Location, back.Location)
	assert.Equal(t, "2025-02-01", back.Start.Date)
	assert.Empty(t, back.Start.DateTime)
	assert.Equal(t, item.Recurrence, back.Recurrence)
	assert.True(t, back.Attendees[0].Optional)
	assert.True(t, back.Reminders.UseDefault)
}
