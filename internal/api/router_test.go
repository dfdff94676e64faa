package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wmax/calsync/internal/adapter"
	"github.com/wmax/calsync/internal/core"
	"github.com/wmax/calsync/internal/storage"
	"github.com/wmax/calsync/internal/webhook"
	ws "github.com/wmax/calsync/internal/websocket"
)

var testNow = time.Date(2025, 1, 6, 12, 0, 0, 0, time.UTC)

type fakeSync struct {
	mu          sync.Mutex
	result      *core.SyncResult
	err         error
	validateErr error
	validated   []string
	pushed      chan []string
	unlinked    chan []string
}

func (f *fakeSync) RunSync(ctx context.Context, configID string) (*core.SyncResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	res := *f.result
	res.ConfigID = configID
	return &res, nil
}

func (f *fakeSync) ValidateConfig(ctx context.Context, configID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validated = append(f.validated, configID)
	return f.validateErr
}

func (f *fakeSync) SyncSpecificEvents(ctx context.Context, userID string, eventIDs []string) {
	f.pushed <- append([]string{userID}, eventIDs...)
}

func (f *fakeSync) DeleteEventMappings(ctx context.Context, userID string, eventIDs []string) {
	f.unlinked <- append([]string{userID}, eventIDs...)
}

type fakeWebhooks struct {
	mu           sync.Mutex
	registered   []string
	unregistered []string
	renewals     int
}

func (f *fakeWebhooks) Register(ctx context.Context, configID string) (*core.WebhookSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, configID)
	return &core.WebhookSubscription{ID: "sub-1", SyncConfigID: configID, ChannelID: "chan-1", ExpiresAt: testNow.Add(time.Hour)}, nil
}

func (f *fakeWebhooks) Unregister(ctx context.Context, configID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unregistered = append(f.unregistered, configID)
	return nil
}

func (f *fakeWebhooks) CheckStatus(ctx context.Context, configID string) (webhook.Status, error) {
	return webhook.Status{Active: true, ChannelID: "chan-1"}, nil
}

func (f *fakeWebhooks) RenewAll(ctx context.Context) (webhook.RenewReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renewals++
	return webhook.RenewReport{Renewed: 2}, nil
}

type recordingQueue struct {
	mu  sync.Mutex
	ids []string
}

func (q *recordingQueue) Enqueue(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, id)
	return true
}

func (q *recordingQueue) queued() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.ids...)
}

type testServer struct {
	store    *storage.Store
	sync     *fakeSync
	webhooks *fakeWebhooks
	queue    *recordingQueue
	hub      *ws.Hub
	handler  http.Handler
}

func newTestServer(t *testing.T, cronSecret string) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "calsync.db"))
	require.NoError(t, err)
	store.SetClock(func() time.Time { return testNow })
	t.Cleanup(func() { store.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := ws.NewHub(logger)
	go hub.Run(ctx)

	ts := &testServer{
		store:    store,
		sync:     &fakeSync{result: &core.SyncResult{Success: true}, pushed: make(chan []string, 1), unlinked: make(chan []string, 1)},
		webhooks: &fakeWebhooks{},
		queue:    &recordingQueue{},
		hub:      hub,
	}
	ts.handler = NewRouter(Deps{
		Store:         store,
		Sync:          ts.sync,
		Webhooks:      ts.webhooks,
		Notifications: webhook.NewIngestor(store, ts.queue, logger),
		Decoder:       adapter.Default(adapter.Options{Logger: logger}),
		Hub:           hub,
		CronSecret:    cronSecret,
		Logger:        logger,
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) config(t *testing.T, pt core.ProviderType, enabled bool) *core.SyncConfig {
	t.Helper()
	cfg := &core.SyncConfig{
		UserID:       "user-1",
		ProviderID:   "primary",
		ProviderType: pt,
		Direction:    core.DirectionBidirectional,
		Enabled:      enabled,
		Credentials:  &core.Credentials{AccessToken: "secret-at", RefreshToken: "secret-rt"},
		Settings:     core.Settings{},
	}
	require.NoError(t, ts.store.CreateConfig(context.Background(), cfg))
	return cfg
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func googleHeaders(token, state string) http.Header {
	h := http.Header{}
	h.Set("X-Goog-Channel-ID", "chan-1")
	h.Set("X-Goog-Resource-ID", "res-1")
	h.Set("X-Goog-Resource-State", state)
	if token != "" {
		h.Set("X-Goog-Channel-Token", token)
	}
	return h
}

func TestGoogleWebhook(t *testing.T) {
	ts := newTestServer(t, "")
	g1 := ts.config(t, core.ProviderGoogle, true)
	g2 := ts.config(t, core.ProviderGoogle, true)
	ts.config(t, core.ProviderMicrosoft, true)
	const path = "/api/sync/webhook/google-calendar"

	rec := ts.do(t, "POST", path, "", googleHeaders("", "exists"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, "POST", path, "", googleHeaders("forged", "exists"))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, "POST", path, "", googleHeaders(g1.ID, "sync"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
	assert.Empty(t, ts.queue.queued())

	rec = ts.do(t, "POST", path, "", googleHeaders(g1.ID, "exists"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Webhook processed", rec.Body.String())
	assert.ElementsMatch(t, []string{g1.ID, g2.ID}, ts.queue.queued())
}

func TestProviderWebhook_Microsoft(t *testing.T) {
	ts := newTestServer(t, "")
	ms := ts.config(t, core.ProviderMicrosoft, true)
	const path = "/api/sync/webhook/microsoft-calendar"

	rec := ts.do(t, "POST", path+"?validationToken=abc%20123", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc 123", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")

	body := fmt.Sprintf(`{"value":[{
		"subscriptionId": "6f0e6a4a-9a0e-4a8c-8a53-1f1d3c7d9a10",
		"clientState": %q,
		"changeType": "updated",
		"resource": "me/events/AAMk"
	}]}`, ms.ID)
	rec = ts.do(t, "POST", path, body, http.Header{"Content-Type": {"application/json"}})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{ms.ID}, ts.queue.queued())

	rec = ts.do(t, "POST", path, "{broken", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProviderWebhook_UnknownProvider(t *testing.T) {
	ts := newTestServer(t, "")
	ts.config(t, core.ProviderGoogle, true)

	rec := ts.do(t, "POST", "/api/sync/webhook/yahoo-calendar", `{"value":[]}`, http.Header{"Content-Type": {"application/json"}})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, ts.queue.queued())
}

func TestRenewWebhooks_CronSecret(t *testing.T) {
	ts := newTestServer(t, "s3cret")
	const path = "/api/sync/renew-webhooks"

	rec := ts.do(t, "POST", path, "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, "POST", path, "", http.Header{"Authorization": {"Bearer wrong"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, ts.webhooks.renewals)

	rec = ts.do(t, "POST", path, "", http.Header{"Authorization": {"Bearer s3cret"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, webhook.RenewReport{Renewed: 2}, decode[webhook.RenewReport](t, rec))
}

func TestConfigLifecycle(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(t, "POST", "/api/sync/configs", `{
		"userId": "user-1",
		"providerId": "work",
		"providerType": "google-calendar",
		"direction": "bidirectional",
		"credentials": {"accessToken": "at-secret-value", "refreshToken": "rt-secret-value"},
		"settings": {"calendarId": "primary", "syncIntervalMinutes": 15}
	}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "secret-value")
	created := decode[map[string]any](t, rec)
	id := created["id"].(string)
	assert.Equal(t, true, created["hasCredentials"])
	assert.Equal(t, true, created["enabled"])
	assert.Equal(t, false, created["needsReauth"])

	rec = ts.do(t, "POST", "/api/sync/configs", `{"userId": "user-1", "providerId": "x", "providerType": "yahoo", "direction": "pull"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "configuration", decode[map[string]any](t, rec)["kind"])

	rec = ts.do(t, "GET", "/api/sync/configs?userId=user-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]map[string]any](t, rec), 1)

	rec = ts.do(t, "GET", "/api/sync/configs?userId=someone-else", "", nil)
	assert.Equal(t, "[]\n", rec.Body.String())

	rec = ts.do(t, "PATCH", "/api/sync/configs/"+id, `{"settings": {"syncIntervalMinutes": 0}}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, "PATCH", "/api/sync/configs/"+id, `{"direction": "push"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, ts.webhooks.unregistered, "an enabled config keeps its channel")

	rec = ts.do(t, "PATCH", "/api/sync/configs/"+id, `{"enabled": false, "direction": "pull"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cfg, err := ts.store.GetConfig(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, cfg.Enabled)
	assert.Equal(t, core.DirectionPull, cfg.Direction)
	assert.Equal(t, "primary", cfg.Settings.CalendarID())
	assert.Equal(t, []string{id}, ts.webhooks.unregistered, "disabling drops the webhook channel")

	// already disabled, nothing more to drop
	rec = ts.do(t, "PATCH", "/api/sync/configs/"+id, `{"enabled": false}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, ts.webhooks.unregistered, 1)

	rec = ts.do(t, "DELETE", "/api/sync/configs/"+id, "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{id, id}, ts.webhooks.unregistered)

	rec = ts.do(t, "GET", "/api/sync/configs/"+id, "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = ts.do(t, "DELETE", "/api/sync/configs/"+id, "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestValidateConfig(t *testing.T) {
	ts := newTestServer(t, "")
	cfg := ts.config(t, core.ProviderGoogle, true)

	rec := ts.do(t, "POST", "/api/sync/configs/"+cfg.ID+"/validate", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]bool{"valid": true}, decode[map[string]bool](t, rec))
	assert.Equal(t, []string{cfg.ID}, ts.sync.validated)

	ts.sync.validateErr = fmt.Errorf("refresh token: %w", core.ErrCredential)
	rec = ts.do(t, "POST", "/api/sync/configs/"+cfg.ID+"/validate", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "credential", decode[map[string]any](t, rec)["kind"])
}

func TestRunSync_StatusByKind(t *testing.T) {
	ts := newTestServer(t, "")
	cfg := ts.config(t, core.ProviderGoogle, true)
	path := "/api/sync/configs/" + cfg.ID + "/run"

	rec := ts.do(t, "POST", path, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[map[string]any](t, rec)
	assert.Equal(t, cfg.ID, res["configId"])
	assert.Equal(t, []any{}, res["errors"])

	tests := []struct {
		err  error
		code int
		kind string
	}{
		{core.ErrSyncInProgress, http.StatusConflict, "conflict"},
		{fmt.Errorf("refresh: %w", core.ErrCredential), http.StatusUnauthorized, "credential"},
		{fmt.Errorf("disabled: %w", core.ErrConfiguration), http.StatusBadRequest, "configuration"},
		{fmt.Errorf("503: %w", core.ErrTransient), http.StatusBadGateway, "transient"},
		{fmt.Errorf("database is locked"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			ts.sync.mu.Lock()
			ts.sync.err = tt.err
			ts.sync.mu.Unlock()

			rec := ts.do(t, "POST", path, "", nil)
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, tt.kind, decode[map[string]any](t, rec)["kind"])
		})
	}
}

func TestListOperations(t *testing.T) {
	ts := newTestServer(t, "")
	cfg := ts.config(t, core.ProviderGoogle, true)
	ctx := context.Background()
	for i := range 3 {
		op := &core.SyncOperation{
			SyncConfigID: cfg.ID,
			Kind:         core.OperationPull,
			EntityType:   "calendar",
			StartedAt:    testNow.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, ts.store.CreateOperation(ctx, op))
	}

	rec := ts.do(t, "GET", "/api/sync/configs/"+cfg.ID+"/operations?limit=2", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ops := decode[[]map[string]any](t, rec)
	require.Len(t, ops, 2)
	assert.Equal(t, "pending", ops[0]["status"])
	assert.Equal(t, testNow.Add(2*time.Minute).Format(time.RFC3339), ops[0]["startedAt"])

	rec = ts.do(t, "GET", "/api/sync/configs/"+cfg.ID+"/operations?limit=zero", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, "GET", "/api/sync/configs/missing/operations", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookRoutes(t *testing.T) {
	ts := newTestServer(t, "")
	path := "/api/sync/configs/cfg-1/webhook"

	rec := ts.do(t, "POST", path, "", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "chan-1", decode[map[string]any](t, rec)["channelId"])

	rec = ts.do(t, "GET", path, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, webhook.Status{Active: true, ChannelID: "chan-1"}, decode[webhook.Status](t, rec))

	rec = ts.do(t, "DELETE", path, "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"cfg-1"}, ts.webhooks.registered)
	assert.Equal(t, []string{"cfg-1"}, ts.webhooks.unregistered)
}

func TestEventRoutes(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(t, "POST", "/api/sync/events/push", `{"userId": "user-1", "eventIds": ["ev-1", "ev-2"]}`, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	select {
	case got := <-ts.sync.pushed:
		assert.Equal(t, []string{"user-1", "ev-1", "ev-2"}, got)
	case <-time.After(2 * time.Second):
		t.Fatal("push not started")
	}

	rec = ts.do(t, "POST", "/api/sync/events/unlink", `{"userId": "user-1", "eventIds": ["ev-3"]}`, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	select {
	case got := <-ts.sync.unlinked:
		assert.Equal(t, []string{"user-1", "ev-3"}, got)
	case <-time.After(2 * time.Second):
		t.Fatal("unlink not started")
	}

	rec = ts.do(t, "POST", "/api/sync/events/push", `{"eventIds": ["ev-1"]}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = ts.do(t, "POST", "/api/sync/events/unlink", `{"userId": "user-1", "eventIds": []}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebSocketStream(t *testing.T) {
	ts := newTestServer(t, "")
	srv := httptest.NewServer(ts.handler)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return ts.hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	ts.hub.Publish(ws.SyncResultMessage(core.SyncResult{ConfigID: "cfg-1", Success: true, Pulled: 3}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg struct {
		Type    string          `json:"type"`
		Payload core.SyncResult `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "sync.completed", msg.Type)
	assert.Equal(t, "cfg-1", msg.Payload.ConfigID)
	assert.Equal(t, 3, msg.Payload.Pulled)
}

func TestErrorRecovery(t *testing.T) {
	ts := newTestServer(t, "")
	r := NewRouter(Deps{Store: ts.store, Sync: panicSync{}, Webhooks: ts.webhooks, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	req := httptest.NewRequest("POST", "/api/sync/configs/x/run", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal")
}

type panicSync struct{}

func (panicSync) RunSync(ctx context.Context, configID string) (*core.SyncResult, error) {
	panic("boom")
}
func (panicSync) ValidateConfig(ctx context.Context, configID string) error                 { return nil }
func (panicSync) SyncSpecificEvents(ctx context.Context, userID string, eventIDs []string)  {}
func (panicSync) DeleteEventMappings(ctx context.Context, userID string, eventIDs []string) {}
