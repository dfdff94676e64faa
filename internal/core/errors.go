package core

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrConfiguration covers missing or disabled configs and unknown
	// provider types. Not retried.
	ErrConfiguration = errors.New("configuration error")
	// ErrCredential means the user has to re-authenticate.
	ErrCredential = errors.New("credentials rejected")
	// ErrTransient covers network failures, rate limits and 5xx responses.
	ErrTransient = errors.New("transient provider error")
	// ErrCursorInvalid is returned by provider calls when the incremental
	// cursor has expired. Adapters recover from it internally.
	ErrCursorInvalid = errors.New("sync cursor invalid")
	// ErrNotFound is returned by stores for missing rows.
	ErrNotFound = errors.New("not found")
	// ErrSyncInProgress is returned when a run for the same config is active.
	ErrSyncInProgress = errors.New("sync already in progress")
	// ErrWebhooksUnsupported is returned for providers without push channels.
	ErrWebhooksUnsupported = errors.New("provider does not support webhooks")
)

// ErrorKind is the user-facing category of a failure.
type ErrorKind string

const (
	KindNone          ErrorKind = ""
	KindConfiguration ErrorKind = "configuration"
	KindCredential    ErrorKind = "credential"
	KindTransient     ErrorKind = "transient"
	KindConflict      ErrorKind = "conflict"
	KindNotFound      ErrorKind = "not_found"
	KindInternal      ErrorKind = "internal"
)

// Classify maps err onto an ErrorKind.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrCredential):
		return KindCredential
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConfiguration), errors.Is(err, ErrWebhooksUnsupported):
		return KindConfiguration
	case errors.Is(err, ErrSyncInProgress):
		return KindConflict
	case errors.Is(err, ErrTransient), errors.Is(err, ErrCursorInvalid):
		return KindTransient
	default:
		return KindInternal
	}
}

// ItemError is a failure scoped to one event. It never aborts a batch.
type ItemError struct {
	ItemID string
	Op     string
	Err    error
}

func (e ItemError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.ItemID, e.Err)
}

func (e ItemError) Unwrap() error { return e.Err }

func (e ItemError) MarshalJSON() ([]byte, error) {
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return json.Marshal(struct {
		ItemID string    `json:"itemId"`
		Op     string    `json:"op"`
		Error  string    `json:"error"`
		Kind   ErrorKind `json:"kind"`
	}{e.ItemID, e.Op, msg, Classify(e.Err)})
}
