package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProviderType selects the adapter implementation for a SyncConfig.
type ProviderType string

const (
	ProviderGoogle    ProviderType = "google-calendar"
	ProviderMicrosoft ProviderType = "microsoft-calendar"
)

// ParseProviderType validates s against the known provider types.
func ParseProviderType(s string) (ProviderType, error) {
	switch p := ProviderType(s); p {
	case ProviderGoogle, ProviderMicrosoft:
		return p, nil
	}
	return "", fmt.Errorf("%w: unknown provider type %q", ErrConfiguration, s)
}

// Direction is which way a SyncConfig moves events.
type Direction string

const (
	DirectionPull          Direction = "pull"
	DirectionPush          Direction = "push"
	DirectionBidirectional Direction = "bidirectional"
)

// ParseDirection validates s against the known directions.
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(s); d {
	case DirectionPull, DirectionPush, DirectionBidirectional:
		return d, nil
	}
	return "", fmt.Errorf("%w: unknown direction %q", ErrConfiguration, s)
}

func (d Direction) Pulls() bool { return d == DirectionPull || d == DirectionBidirectional }
func (d Direction) Pushes() bool { return d == DirectionPush || d == DirectionBidirectional }

// DefaultSyncInterval applies when a config does not set syncIntervalMinutes.
const DefaultSyncInterval = 60 * time.Minute

// Credentials is the OAuth token pair stored on a config.
type Credentials struct {
	AccessToken  string    `json:"accessToken,omitempty"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt,omitempty"`
}

// Usable reports whether the credentials can authenticate a request at
// now, either directly or through a refresh.
func (c *Credentials) Usable(now time.Time) bool {
	if c == nil {
		return false
	}
	if c.RefreshToken != "" {
		return true
	}
	if c.AccessToken == "" {
		return false
	}
	return c.ExpiresAt.IsZero() || now.Before(c.ExpiresAt)
}

// Settings is the provider-specific settings blob. Unknown keys are kept.
type Settings map[string]any

// CalendarID returns the target calendar, or "" for the provider default.
func (s Settings) CalendarID() string {
	v, _ := s["calendarId"].(string)
	return v
}

// SyncInterval returns syncIntervalMinutes as a duration, or fallback.
func (s Settings) SyncInterval(fallback time.Duration) time.Duration {
	var minutes float64
	switch v := s["syncIntervalMinutes"].(type) {
	case float64:
		minutes = v
	case int:
		minutes = float64(v)
	case int64:
		minutes = float64(v)
	case json.Number:
		minutes, _ = v.Float64()
	}
	if minutes <= 0 {
		return fallback
	}
	return time.Duration(minutes * float64(time.Minute))
}

// SyncConfig is one user's connection to one external calendar.
type SyncConfig struct {
	ID     string
	UserID string
	// Logical name of the remote side (e.g. a specific calendar)
	ProviderID   string
	ProviderType ProviderType
	Direction    Direction
	Enabled      bool
	Credentials  *Credentials
	Settings     Settings
	LastSync     *time.Time
	NextSync     *time.Time
	// Incremental cursor issued by the provider
	SyncToken string
	// Reference to the live WebhookSubscription, if any
	WebhookID string
	// Set when a run failed on credentials or configuration. Scheduled and
	// webhook-triggered runs skip the config until it is updated.
	NeedsReauth bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SyncMapping links a local event to its external counterpart under one config.
type SyncMapping struct {
	ID           string
	EventID      string
	SyncConfigID string
	ExternalID   string
	ProviderID   string
	LastSyncedAt time.Time
	ETag         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// OperationKind is the kind of work a SyncOperation records.
type OperationKind string

const (
	OperationPull   OperationKind = "pull"
	OperationPush   OperationKind = "push"
	OperationDelete OperationKind = "delete"
)

// OperationStatus moves from pending to completed or failed exactly once.
type OperationStatus string

const (
	StatusPending   OperationStatus = "pending"
	StatusCompleted OperationStatus = "completed"
	StatusFailed    OperationStatus = "failed"
)

// SyncOperation is one audit row per orchestrator invocation.
type SyncOperation struct {
	ID           string
	SyncConfigID string
	Kind         OperationKind
	Status       OperationStatus
	EntityType   string
	EntityID     string
	Pulled       int
	Pushed       int
	StartedAt    time.Time
	CompletedAt  *time.Time
	Error        string
	RetryCount   int
}

// WebhookSubscription is a live push-notification channel.
type WebhookSubscription struct {
	ID           string
	SyncConfigID string
	// Provider's resource identifier (Google resourceId)
	ResourceID string
	// Channel or subscription identifier
	ChannelID string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Expired reports whether the subscription is no longer live at now.
func (w WebhookSubscription) Expired(now time.Time) bool {
	return !now.Before(w.ExpiresAt)
}

// SyncResult summarises one RunSync call.
type SyncResult struct {
	ConfigID    string      `json:"configId"`
	OperationID string      `json:"operationId,omitempty"`
	Success     bool        `json:"success"`
	Pulled      int         `json:"pulled"`
	Pushed      int         `json:"pushed"`
	Errors      []ItemError `json:"errors"`
}

// AddError records a per-item failure.
func (r *SyncResult) AddError(itemID, op string, err error) {
	r.Errors = append(r.Errors, ItemError{ItemID: itemID, Op: op, Err: err})
}
