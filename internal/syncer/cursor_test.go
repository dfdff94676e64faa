package syncer

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/wmax/calsync/internal/adapter/google"
	"github.com/wmax/calsync/internal/core"
)

type googleFactory struct {
	endpoint string
}

func (f googleFactory) New(t core.ProviderType) (core.Provider, error) {
	return google.NewAdapter(nil,
		google.WithClientOptions(option.WithEndpoint(f.endpoint)),
		google.WithClock(func() time.Time { return testNow }),
		google.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	), nil
}

func TestRunSync_ExpiredCursorFallsBackToOneFullSync(t *testing.T) {
	var lists, staleHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/calendars/primary/events" {
			http.NotFound(w, r)
			return
		}
		lists.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("syncToken") != "" {
			staleHits.Add(1)
			w.WriteHeader(http.StatusGone)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{"code": 410, "message": "Sync token is no longer valid"},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(calendar.Events{
			Items: []*calendar.Event{{
				Id:      "ext-1",
				Summary: "Standup",
				Etag:    `"1"`,
				Start:   &calendar.EventDateTime{DateTime: "2025-01-06T09:00:00-08:00"},
				End:     &calendar.EventDateTime{DateTime: "2025-01-06T09:15:00-08:00"},
			}},
			NextSyncToken: "fresh",
		})
	}))
	t.Cleanup(srv.Close)

	env := newTestEnvWithFactory(t, googleFactory{endpoint: srv.URL + "/"})
	cfg := env.config(t, core.DirectionPull)
	token := "stale"
	require.NoError(t, env.store.UpdateSyncState(context.Background(), cfg.ID, core.SyncState{SyncToken: &token}))

	res, err := env.svc.RunSync(context.Background(), cfg.ID)
	require.NoError(t, err)
	assert.True(t, res.Success, "cursor invalidation is not a user-facing error")
	assert.Empty(t, res.Errors)
	assert.Equal(t, 1, res.Pulled)
	assert.EqualValues(t, 2, lists.Load(), "one incremental attempt and one full sync")
	assert.EqualValues(t, 1, staleHits.Load())

	stored, err := env.store.GetConfig(context.Background(), cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, "fresh", stored.SyncToken)
	assert.Len(t, env.events(t), 1)
}
