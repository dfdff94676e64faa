package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/wmax/calsync/internal/api/middleware"
)

// EventSyncer pushes or unlinks specific local events. Both calls record
// failures in the audit trail instead of returning them.
type EventSyncer interface {
	SyncSpecificEvents(ctx context.Context, userID string, eventIDs []string)
	DeleteEventMappings(ctx context.Context, userID string, eventIDs []string)
}

// EventsRequest names local events of one user.
type EventsRequest struct {
	UserID   string   `json:"userId"`
	EventIDs []string `json:"eventIds"`
}

type acceptedResponse struct {
	Accepted int `json:"accepted"`
}

func decodeEventsRequest(r *http.Request) (*EventsRequest, error) {
	var req EventsRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxConfigBody)).Decode(&req); err != nil {
		return nil, fmt.Errorf("%w: %w", middleware.ErrBadRequest, err)
	}
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: userId is required", middleware.ErrBadRequest)
	}
	if len(req.EventIDs) == 0 {
		return nil, fmt.Errorf("%w: eventIds is required", middleware.ErrBadRequest)
	}
	return &req, nil
}

// PushEvents pushes the named events to every push-enabled config of the
// user in the background.
func PushEvents(s EventSyncer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := decodeEventsRequest(r)
		if err != nil {
			middleware.WriteError(w, err)
			return
		}
		go s.SyncSpecificEvents(context.WithoutCancel(r.Context()), req.UserID, req.EventIDs)
		middleware.WriteJSON(w, http.StatusAccepted, acceptedResponse{Accepted: len(req.EventIDs)})
	}
}

// UnlinkEvents removes the remote copies and mappings of the named events
// in the background. Call it before the local events are deleted.
func UnlinkEvents(s EventSyncer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := decodeEventsRequest(r)
		if err != nil {
			middleware.WriteError(w, err)
			return
		}
		go s.DeleteEventMappings(context.WithoutCancel(r.Context()), req.UserID, req.EventIDs)
		middleware.WriteJSON(w, http.StatusAccepted, acceptedResponse{Accepted: len(req.EventIDs)})
	}
}
