package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wmax/calsync/internal/core"
	"github.com/wmax/calsync/internal/storage"
)

var testNow = time.Date(2025, 1, 6, 17, 0, 0, 0, time.UTC)

type fakeWebhookProvider struct {
	mu        sync.Mutex
	seq       int
	setups    []string
	renewed   []string
	cancelled []string
	cancelErr error
	renewErr  map[string]error
}

func (f *fakeWebhookProvider) Initialize(ctx context.Context, cfg *core.SyncConfig) error {
	return nil
}

func (f *fakeWebhookProvider) ValidateConnection(ctx context.Context) (bool, error) {
	return true, nil
}

func (f *fakeWebhookProvider) PullEvents(ctx context.Context, cursor string) ([]core.ExternalEvent, string, error) {
	return nil, "", nil
}

func (f *fakeWebhookProvider) PushEvent(ctx context.Context, ev core.ExternalEvent) (string, string, error) {
	return "", "", errors.New("not used")
}

func (f *fakeWebhookProvider) UpdateEvent(ctx context.Context, externalID string, ev core.ExternalEvent) (string, error) {
	return "", errors.New("not used")
}

func (f *fakeWebhookProvider) DeleteEvent(ctx context.Context, externalID string) error {
	return nil
}

func (f *fakeWebhookProvider) SetupWebhook(ctx context.Context, callbackURL string) (*core.WebhookSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.setups = append(f.setups, callbackURL)
	return &core.WebhookSubscription{
		ChannelID:  fmt.Sprintf("chan-%d", f.seq),
		ResourceID: "res",
		ExpiresAt:  testNow.Add(7 * 24 * time.Hour),
	}, nil
}

func (f *fakeWebhookProvider) RenewWebhook(ctx context.Context, sub *core.WebhookSubscription, callbackURL string) (*core.WebhookSubscription, error) {
	f.mu.Lock()
	if err := f.renewErr[sub.ChannelID]; err != nil {
		f.mu.Unlock()
		return nil, err
	}
	f.renewed = append(f.renewed, sub.ChannelID)
	f.mu.Unlock()
	return f.SetupWebhook(ctx, callbackURL)
}

func (f *fakeWebhookProvider) CancelWebhook(ctx context.Context, sub *core.WebhookSubscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, sub.ChannelID)
	return f.cancelErr
}

func (f *fakeWebhookProvider) ProcessWebhookPayload(payload core.WebhookPayload) ([]core.Notification, error) {
	return nil, nil
}

type factory struct {
	google core.Provider
}

func (f factory) New(t core.ProviderType) (core.Provider, error) {
	return f.google, nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func createTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "calsync.db"))
	require.NoError(t, err)
	s.SetClock(func() time.Time { return testNow })
	t.Cleanup(func() { s.Close() })
	return s
}

func createTestConfig(t *testing.T, s *storage.Store, pt core.ProviderType, enabled bool) *core.SyncConfig {
	t.Helper()
	cfg := &core.SyncConfig{
		UserID:       "user-1",
		ProviderID:   "primary",
		ProviderType: pt,
		Direction:    core.DirectionBidirectional,
		Enabled:      enabled,
		Credentials:  &core.Credentials{AccessToken: "at", RefreshToken: "rt"},
		Settings:     core.Settings{},
	}
	require.NoError(t, s.CreateConfig(context.Background(), cfg))
	return cfg
}

func newTestManager(t *testing.T, publicURL string) (*Manager, *storage.Store, *fakeWebhookProvider) {
	t.Helper()
	store := createTestStore(t)
	p := &fakeWebhookProvider{renewErr: map[string]error{}}
	m := NewManager(store, factory{google: p}, publicURL,
		WithClock(func() time.Time { return testNow }),
		WithLogger(discard()),
	)
	return m, store, p
}

func TestManager_Register(t *testing.T) {
	m, store, p := newTestManager(t, "https://calsync.example.com/")
	cfg := createTestConfig(t, store, core.ProviderGoogle, true)
	ctx := context.Background()

	sub, err := m.Register(ctx, cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, "chan-1", sub.ChannelID)
	assert.Equal(t, cfg.ID, sub.SyncConfigID)
	assert.Equal(t, []string{"https://calsync.example.com/api/sync/webhook/google-calendar"}, p.setups)

	stored, err := store.GetConfig(ctx, cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, stored.WebhookID)

	// registering again replaces the channel
	again, err := m.Register(ctx, cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"chan-1"}, p.cancelled)

	latest, err := store.LatestSubscription(ctx, cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, again.ID, latest.ID)
	_, err = store.GetSubscription(ctx, sub.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestManager_RegisterErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("no public url", func(t *testing.T) {
		m, store, _ := newTestManager(t, "")
		cfg := createTestConfig(t, store, core.ProviderGoogle, true)
		_, err := m.Register(ctx, cfg.ID)
		assert.ErrorIs(t, err, core.ErrConfiguration)
	})

	t.Run("unknown config", func(t *testing.T) {
		m, _, _ := newTestManager(t, "https://calsync.example.com")
		_, err := m.Register(ctx, "missing")
		assert.ErrorIs(t, err, core.ErrConfiguration)
	})

	t.Run("disabled config", func(t *testing.T) {
		m, store, p := newTestManager(t, "https://calsync.example.com")
		cfg := createTestConfig(t, store, core.ProviderGoogle, false)
		_, err := m.Register(ctx, cfg.ID)
		assert.ErrorIs(t, err, core.ErrConfiguration)
		assert.Empty(t, p.setups)
	})

	t.Run("provider without webhooks", func(t *testing.T) {
		store := createTestStore(t)
		m := NewManager(store, unsupportedFactory{}, "https://calsync.example.com", WithLogger(discard()))
		cfg := createTestConfig(t, store, core.ProviderMicrosoft, true)
		_, err := m.Register(ctx, cfg.ID)
		assert.ErrorIs(t, err, core.ErrWebhooksUnsupported)
	})
}

// pullOnly is a provider without the webhook methods.
type pullOnly struct{ core.Provider }

type unsupportedFactory struct{}

func (unsupportedFactory) New(t core.ProviderType) (core.Provider, error) {
	return pullOnly{Provider: &fakeWebhookProvider{}}, nil
}

func TestManager_UnregisterRemovesLocalRowsOnProviderFailure(t *testing.T) {
	m, store, p := newTestManager(t, "https://calsync.example.com")
	cfg := createTestConfig(t, store, core.ProviderGoogle, true)
	ctx := context.Background()

	_, err := m.Register(ctx, cfg.ID)
	require.NoError(t, err)
	p.cancelErr = fmt.Errorf("stop channel: %w", core.ErrTransient)

	require.NoError(t, m.Unregister(ctx, cfg.ID))
	assert.Equal(t, []string{"chan-1"}, p.cancelled)

	_, err = store.LatestSubscription(ctx, cfg.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
	stored, err := store.GetConfig(ctx, cfg.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.WebhookID)

	// nothing left to cancel
	require.NoError(t, m.Unregister(ctx, cfg.ID))
	assert.Len(t, p.cancelled, 1)
}

func TestManager_CheckStatus(t *testing.T) {
	m, store, _ := newTestManager(t, "https://calsync.example.com")
	cfg := createTestConfig(t, store, core.ProviderGoogle, true)
	ctx := context.Background()

	st, err := m.CheckStatus(ctx, cfg.ID)
	require.NoError(t, err)
	assert.False(t, st.Active)
	assert.Nil(t, st.ExpiresAt)

	require.NoError(t, store.CreateSubscription(ctx, &core.WebhookSubscription{
		SyncConfigID: cfg.ID, ChannelID: "old", ExpiresAt: testNow.Add(-time.Minute),
		CreatedAt: testNow.Add(-time.Hour),
	}))
	st, err = m.CheckStatus(ctx, cfg.ID)
	require.NoError(t, err)
	assert.False(t, st.Active)

	require.NoError(t, store.CreateSubscription(ctx, &core.WebhookSubscription{
		SyncConfigID: cfg.ID, ChannelID: "live", ExpiresAt: testNow.Add(time.Hour),
	}))
	st, err = m.CheckStatus(ctx, cfg.ID)
	require.NoError(t, err)
	assert.True(t, st.Active)
	assert.Equal(t, "live", st.ChannelID)
}

func TestManager_RenewAllHonorsHorizon(t *testing.T) {
	m, store, p := newTestManager(t, "https://calsync.example.com")
	ctx := context.Background()
	soon := createTestConfig(t, store, core.ProviderGoogle, true)
	later := createTestConfig(t, store, core.ProviderGoogle, true)

	soonSub := &core.WebhookSubscription{SyncConfigID: soon.ID, ChannelID: "soon", ExpiresAt: testNow.Add(2 * time.Hour)}
	laterSub := &core.WebhookSubscription{SyncConfigID: later.ID, ChannelID: "later", ExpiresAt: testNow.Add(10 * 24 * time.Hour)}
	require.NoError(t, store.CreateSubscription(ctx, soonSub))
	require.NoError(t, store.CreateSubscription(ctx, laterSub))

	report, err := m.RenewAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, RenewReport{Renewed: 1}, report)
	assert.Equal(t, []string{"soon"}, p.renewed)

	latest, err := store.LatestSubscription(ctx, soon.ID)
	require.NoError(t, err)
	assert.Equal(t, "chan-1", latest.ChannelID)
	_, err = store.GetSubscription(ctx, soonSub.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
	cfg, err := store.GetConfig(ctx, soon.ID)
	require.NoError(t, err)
	assert.Equal(t, latest.ID, cfg.WebhookID)

	untouched, err := store.GetSubscription(ctx, laterSub.ID)
	require.NoError(t, err)
	assert.Equal(t, "later", untouched.ChannelID)
}

func TestManager_RenewAllToleratesFailures(t *testing.T) {
	m, store, p := newTestManager(t, "https://calsync.example.com")
	ctx := context.Background()
	broken := createTestConfig(t, store, core.ProviderGoogle, true)
	healthy := createTestConfig(t, store, core.ProviderGoogle, true)
	disabled := createTestConfig(t, store, core.ProviderGoogle, false)

	for cfg, ch := range map[string]string{broken.ID: "broken", healthy.ID: "healthy", disabled.ID: "disabled"} {
		require.NoError(t, store.CreateSubscription(ctx, &core.WebhookSubscription{
			SyncConfigID: cfg, ChannelID: ch, ExpiresAt: testNow.Add(time.Hour),
		}))
	}
	p.renewErr["broken"] = fmt.Errorf("watch: %w", core.ErrTransient)

	report, err := m.RenewAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, RenewReport{Renewed: 1, Removed: 1, Failed: 1}, report)
	assert.Equal(t, []string{"healthy"}, p.renewed)
	assert.NotContains(t, p.cancelled, "disabled", "disabled configs are dropped without a provider call")

	_, err = store.LatestSubscription(ctx, disabled.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
	stillThere, err := store.LatestSubscription(ctx, broken.ID)
	require.NoError(t, err)
	assert.Equal(t, "broken", stillThere.ChannelID)
}

type recordingEnqueuer struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingEnqueuer) Enqueue(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return true
}

func TestIngestor_HandleNotification(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()
	g1 := createTestConfig(t, store, core.ProviderGoogle, true)
	g2 := createTestConfig(t, store, core.ProviderGoogle, true)
	createTestConfig(t, store, core.ProviderGoogle, false)
	ms := createTestConfig(t, store, core.ProviderMicrosoft, true)

	q := &recordingEnqueuer{}
	in := NewIngestor(store, q, discard())

	_, err := in.HandleNotification(ctx, core.ProviderGoogle, core.Notification{State: core.ChangeExists})
	assert.ErrorIs(t, err, ErrMissingToken)

	_, err = in.HandleNotification(ctx, core.ProviderGoogle, core.Notification{Token: "forged", State: core.ChangeExists})
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = in.HandleNotification(ctx, core.ProviderGoogle, core.Notification{Token: ms.ID, State: core.ChangeExists})
	assert.ErrorIs(t, err, core.ErrNotFound)

	ack, err := in.HandleNotification(ctx, core.ProviderGoogle, core.Notification{Token: g1.ID, State: core.ChangeSync})
	require.NoError(t, err)
	assert.Equal(t, AckHandshake, ack)
	assert.Empty(t, q.ids)

	ack, err = in.HandleNotification(ctx, core.ProviderGoogle, core.Notification{Token: g1.ID, ChannelID: "chan-1", State: core.ChangeExists})
	require.NoError(t, err)
	assert.Equal(t, AckProcessed, ack)
	assert.ElementsMatch(t, []string{g1.ID, g2.ID}, q.ids)
}

type blockingRunner struct {
	mu      sync.Mutex
	calls   []string
	release chan struct{}
	started chan string
}

func (r *blockingRunner) RunSync(ctx context.Context, configID string) (*core.SyncResult, error) {
	r.started <- configID
	<-r.release
	r.mu.Lock()
	r.calls = append(r.calls, configID)
	r.mu.Unlock()
	if configID == "busy" {
		return nil, core.ErrSyncInProgress
	}
	return &core.SyncResult{ConfigID: configID, Success: true}, nil
}

func TestPool_RunsAndCoalesces(t *testing.T) {
	r := &blockingRunner{release: make(chan struct{}), started: make(chan string, 4)}
	p := NewPool(r, 1, 4, discard())
	p.Start(context.Background())

	require.True(t, p.Enqueue("a"))
	assert.Equal(t, "a", <-r.started)

	// "a" is running, so it can be queued again, but only once
	assert.True(t, p.Enqueue("a"))
	assert.False(t, p.Enqueue("a"))
	assert.True(t, p.Enqueue("busy"))

	close(r.release)
	assert.Equal(t, "a", <-r.started)
	assert.Equal(t, "busy", <-r.started)
	p.Stop()

	assert.Equal(t, []string{"a", "a", "busy"}, r.calls)
	assert.False(t, p.Enqueue("c"), "stopped pool rejects work")
}

// lockedRunner reports a run in progress for the first `busy` calls.
type lockedRunner struct {
	mu    sync.Mutex
	busy  int
	calls int
	ok    int
}

func (r *lockedRunner) RunSync(ctx context.Context, configID string) (*core.SyncResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls <= r.busy {
		return nil, core.ErrSyncInProgress
	}
	r.ok++
	return &core.SyncResult{ConfigID: configID, Success: true}, nil
}

func (r *lockedRunner) counts() (calls, ok int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls, r.ok
}

func TestPool_RetriesTriggerBlockedByRunningSync(t *testing.T) {
	r := &lockedRunner{busy: 2}
	p := NewPool(r, 2, 8, discard())
	p.SetRetryDelay(20 * time.Millisecond)
	p.Start(context.Background())
	defer p.Stop()

	require.True(t, p.Enqueue("a"))

	assert.Eventually(t, func() bool {
		_, ok := r.counts()
		return ok == 1
	}, 2*time.Second, 5*time.Millisecond)

	// no extra runs once the deferred trigger has been served
	time.Sleep(100 * time.Millisecond)
	calls, ok := r.counts()
	assert.Equal(t, 3, calls)
	assert.Equal(t, 1, ok)
}

func TestPool_DeferredTriggersCollapse(t *testing.T) {
	r := &lockedRunner{busy: 1}
	p := NewPool(r, 1, 8, discard())
	p.SetRetryDelay(50 * time.Millisecond)
	p.Start(context.Background())
	defer p.Stop()

	p.retryLater(context.Background(), "a")
	p.retryLater(context.Background(), "a")
	p.retryLater(context.Background(), "a")

	assert.Eventually(t, func() bool {
		calls, _ := r.counts()
		return calls == 1
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(150 * time.Millisecond)

	// the single retry hit the lock once and was retried once more
	calls, ok := r.counts()
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, ok)
}

func TestIngestor_SkipsConfigsAwaitingReauth(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()
	healthy := createTestConfig(t, store, core.ProviderGoogle, true)
	expired := createTestConfig(t, store, core.ProviderGoogle, true)
	reauth := true
	require.NoError(t, store.UpdateSyncState(ctx, expired.ID, core.SyncState{NeedsReauth: &reauth}))

	q := &recordingEnqueuer{}
	in := NewIngestor(store, q, discard())

	ack, err := in.HandleNotification(ctx, core.ProviderGoogle, core.Notification{Token: healthy.ID, State: core.ChangeExists})
	require.NoError(t, err)
	assert.Equal(t, AckProcessed, ack)
	assert.Equal(t, []string{healthy.ID}, q.ids)
}
