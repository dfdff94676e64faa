package core

import (
	"context"
	"net/http"
	"time"
)

// FullSyncWindow bounds a full pull relative to now.
func FullSyncWindow(now time.Time) (start, end time.Time) {
	return now.AddDate(-1, 0, 0), now.AddDate(2, 0, 0)
}

// Provider is the capability set every external calendar implements.
// New providers are added by implementing it and registering a factory;
// the orchestrator never changes.
type Provider interface {
	// Initialize prepares the adapter from the stored config.
	// It returns ErrCredential when the credentials cannot be used.
	Initialize(ctx context.Context, cfg *SyncConfig) error
	// ValidateConnection checks that the remote calendar is reachable.
	ValidateConnection(ctx context.Context) (bool, error)
	// PullEvents returns changes since cursor. An empty cursor means a
	// full sync over FullSyncWindow. Deletions come back with Deleted set.
	PullEvents(ctx context.Context, cursor string) ([]ExternalEvent, string, error)
	// PushEvent creates ev remotely and returns its id and change tag.
	PushEvent(ctx context.Context, ev ExternalEvent) (externalID, etag string, err error)
	// UpdateEvent replaces the remote event and returns the new change tag.
	UpdateEvent(ctx context.Context, externalID string, ev ExternalEvent) (string, error)
	// DeleteEvent removes the remote event. Already-gone is not an error.
	DeleteEvent(ctx context.Context, externalID string) error
}

// ChangeKind is what a webhook notification says happened.
type ChangeKind string

const (
	// ChangeSync is the initial handshake sent when a channel opens.
	ChangeSync    ChangeKind = "sync"
	ChangeExists  ChangeKind = "exists"
	ChangeRemoved ChangeKind = "not_exists"
)

// WebhookPayload is the raw inbound notification.
type WebhookPayload struct {
	Header http.Header
	Body   []byte
}

// Notification is one entry decoded from an inbound webhook.
type Notification struct {
	ChannelID  string
	ResourceID string
	State      ChangeKind
	// Token set when the channel was created; the config id.
	Token string
	// Changed event, when the provider says which one
	ExternalID string
}

// WebhookProvider is implemented by providers that support push channels.
type WebhookProvider interface {
	Provider
	SetupWebhook(ctx context.Context, callbackURL string) (*WebhookSubscription, error)
	// RenewWebhook opens a replacement channel and closes sub afterwards.
	RenewWebhook(ctx context.Context, sub *WebhookSubscription, callbackURL string) (*WebhookSubscription, error)
	CancelWebhook(ctx context.Context, sub *WebhookSubscription) error
	// ProcessWebhookPayload decodes an inbound request. It works on an
	// uninitialized adapter.
	ProcessWebhookPayload(payload WebhookPayload) ([]Notification, error)
}

// RecurrenceSupport is implemented by providers that may not store
// recurrence rules. Pulls from a provider reporting false leave the rules
// of existing local events alone.
type RecurrenceSupport interface {
	SupportsRecurrence() bool
}

// CredentialSource is implemented by providers whose tokens may be
// refreshed during a run.
type CredentialSource interface {
	Credentials() (*Credentials, error)
}
