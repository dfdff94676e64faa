package websocket

import (
	"encoding/json"
	"time"

	"github.com/wmax/calsync/internal/core"
)

// MessageType identifies a message.
type MessageType string

const (
	TypeSyncCompleted MessageType = "sync.completed"
	TypeSyncFailed    MessageType = "sync.failed"
)

// Message is the envelope sent to clients.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   any         `json:"payload"`
}

func NewMessage(t MessageType, payload any) Message {
	return Message{Type: t, Timestamp: time.Now().UTC(), Payload: payload}
}

func (m Message) JSON() ([]byte, error) {
	return json.Marshal(m)
}

// SyncResultMessage wraps a finished run. Runs with item errors are
// reported as failed.
func SyncResultMessage(res core.SyncResult) Message {
	t := TypeSyncCompleted
	if !res.Success {
		t = TypeSyncFailed
	}
	if res.Errors == nil {
		res.Errors = []core.ItemError{}
	}
	return NewMessage(t, res)
}
