package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettings_SyncInterval(t *testing.T) {
	assert.Equal(t, DefaultSyncInterval, Settings{}.SyncInterval(DefaultSyncInterval))
	assert.Equal(t, 15*time.Minute, Settings{"syncIntervalMinutes": float64(15)}.SyncInterval(DefaultSyncInterval))
	assert.Equal(t, 5*time.Minute, Settings{"syncIntervalMinutes": 5}.SyncInterval(DefaultSyncInterval))
	assert.Equal(t, DefaultSyncInterval, Settings{"syncIntervalMinutes": -3}.SyncInterval(DefaultSyncInterval))
	assert.Equal(t, DefaultSyncInterval, Settings{"syncIntervalMinutes": "10"}.SyncInterval(DefaultSyncInterval))
}

func TestCredentials_Usable(t *testing.T) {
	now := time.Date(2025, 1, 6, 12, 0, 0, 0, time.UTC)

	var missing *Credentials
	assert.False(t, missing.Usable(now))
	assert.False(t, (&Credentials{}).Usable(now))
	assert.True(t, (&Credentials{AccessToken: "a"}).Usable(now))
	assert.True(t, (&Credentials{AccessToken: "a", ExpiresAt: now.Add(time.Hour)}).Usable(now))
	assert.False(t, (&Credentials{AccessToken: "a", ExpiresAt: now.Add(-time.Hour)}).Usable(now))
	assert.True(t, (&Credentials{AccessToken: "a", RefreshToken: "r", ExpiresAt: now.Add(-time.Hour)}).Usable(now))
}

func TestParseEnums(t *testing.T) {
	p, err := ParseProviderType("google-calendar")
	require.NoError(t, err)
	assert.Equal(t, ProviderGoogle, p)

	_, err = ParseProviderType("icloud")
	assert.ErrorIs(t, err, ErrConfiguration)

	d, err := ParseDirection("bidirectional")
	require.NoError(t, err)
	assert.True(t, d.Pulls())
	assert.True(t, d.Pushes())
	assert.False(t, DirectionPull.Pushes())
	assert.False(t, DirectionPush.Pulls())

	_, err = ParseDirection("sideways")
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, KindNone, Classify(nil))
	assert.Equal(t, KindCredential, Classify(fmt.Errorf("pull events: %w", ErrCredential)))
	assert.Equal(t, KindConfiguration, Classify(fmt.Errorf("load: %w", ErrConfiguration)))
	assert.Equal(t, KindTransient, Classify(fmt.Errorf("push: %w", ErrTransient)))
	assert.Equal(t, KindConflict, Classify(ErrSyncInProgress))
	assert.Equal(t, KindNotFound, Classify(ErrNotFound))
	assert.Equal(t, KindInternal, Classify(errors.New("boom")))
}

func TestItemError_JSON(t *testing.T) {
	res := SyncResult{ConfigID: "cfg"}
	res.AddError("ev-1", "push", fmt.Errorf("insert: %w", ErrTransient))

	b, err := json.Marshal(res)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"configId": "cfg",
		"success": false,
		"pulled": 0,
		"pushed": 0,
		"errors": [{"itemId": "ev-1", "op": "push", "error": "insert: transient provider error", "kind": "transient"}]
	}`, string(b))
}
