package core

import (
	"context"
	"time"
)

// ConfigStore persists SyncConfig rows.
type ConfigStore interface {
	GetConfig(ctx context.Context, id string) (*SyncConfig, error)
	ListConfigs(ctx context.Context, filter ConfigFilter) ([]SyncConfig, error)
	CreateConfig(ctx context.Context, cfg *SyncConfig) error
	UpdateConfig(ctx context.Context, cfg *SyncConfig) error
	// UpdateSyncState writes only the cursor and schedule columns.
	UpdateSyncState(ctx context.Context, id string, state SyncState) error
	// UpdateCredentials also clears NeedsReauth, as does UpdateConfig.
	UpdateCredentials(ctx context.Context, id string, creds *Credentials) error
	SetWebhookID(ctx context.Context, id, webhookID string) error
	// DeleteConfig cascades to mappings, operations and subscriptions.
	DeleteConfig(ctx context.Context, id string) error
}

// ConfigFilter narrows ListConfigs. Zero values match everything.
type ConfigFilter struct {
	UserID       string
	ProviderType ProviderType
	OnlyEnabled  bool
	// DueBefore keeps enabled configs whose next sync is unset or not after
	// it. It implies SkipNeedsReauth.
	DueBefore *time.Time
	// SkipNeedsReauth drops configs waiting for new credentials.
	SkipNeedsReauth bool
}

// SyncState is the per-run bookkeeping stored on a config.
type SyncState struct {
	SyncToken *string
	LastSync  *time.Time
	NextSync  *time.Time
	// NeedsReauth marks or clears a config whose last run failed on
	// credentials or configuration.
	NeedsReauth *bool
}

// MappingStore persists SyncMapping rows.
type MappingStore interface {
	GetMappingByExternalID(ctx context.Context, configID, externalID string) (*SyncMapping, error)
	GetMappingByEventID(ctx context.Context, configID, eventID string) (*SyncMapping, error)
	ListMappings(ctx context.Context, configID string) ([]SyncMapping, error)
	ListMappingsForEvents(ctx context.Context, eventIDs []string) ([]SyncMapping, error)
	// UpsertMapping inserts or refreshes the row keyed by (config, external id).
	UpsertMapping(ctx context.Context, m *SyncMapping) error
	DeleteMapping(ctx context.Context, id string) error
}

// OperationStore persists the audit trail.
type OperationStore interface {
	CreateOperation(ctx context.Context, op *SyncOperation) error
	// FinalizeOperation moves a pending row to its terminal status.
	// Finalizing a row twice returns ErrNotFound.
	FinalizeOperation(ctx context.Context, op *SyncOperation) error
	ListOperations(ctx context.Context, configID string, limit int) ([]SyncOperation, error)
	// FailStalePending fails pending rows started before cutoff and
	// returns how many were touched.
	FailStalePending(ctx context.Context, cutoff time.Time, reason string) (int, error)
}

// SubscriptionStore persists webhook subscriptions.
type SubscriptionStore interface {
	GetSubscription(ctx context.Context, id string) (*WebhookSubscription, error)
	LatestSubscription(ctx context.Context, configID string) (*WebhookSubscription, error)
	FindSubscriptionByChannel(ctx context.Context, channelID string) (*WebhookSubscription, error)
	CreateSubscription(ctx context.Context, sub *WebhookSubscription) error
	DeleteSubscription(ctx context.Context, id string) error
	DeleteSubscriptionsForConfig(ctx context.Context, configID string) error
	// ListExpiringSubscriptions returns rows expiring before the cutoff.
	ListExpiringSubscriptions(ctx context.Context, before time.Time) ([]WebhookSubscription, error)
}

// EventStore persists the internal calendar events.
type EventStore interface {
	GetEvent(ctx context.Context, id string) (*Event, error)
	ListEventsByUser(ctx context.Context, userID string) ([]Event, error)
	// FindRecentBySummary returns events of userID with the exact summary
	// created at or after since, newest first.
	FindRecentBySummary(ctx context.Context, userID, summary string, since time.Time) ([]Event, error)
	CreateEvent(ctx context.Context, ev *Event) error
	// UpdateEvent overwrites ev, setting UpdatedAt to the given value.
	UpdateEvent(ctx context.Context, ev *Event) error
	DeleteEvent(ctx context.Context, id string) error
}

// Store is everything the sync engine reads and writes.
type Store interface {
	ConfigStore
	MappingStore
	OperationStore
	SubscriptionStore
	EventStore
}
