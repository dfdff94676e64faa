// Package middleware provides the HTTP middleware and response helpers of
// the API.
package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/wmax/calsync/internal/core"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string         `json:"error"`
	Kind  core.ErrorKind `json:"kind"`
}

// ErrBadRequest marks request bodies that cannot be decoded.
var ErrBadRequest = errors.New("bad request")

// StatusFor maps an error onto an HTTP status through its kind.
func StatusFor(err error) int {
	if errors.Is(err, ErrBadRequest) {
		return http.StatusBadRequest
	}
	switch core.Classify(err) {
	case core.KindConfiguration:
		return http.StatusBadRequest
	case core.KindCredential:
		return http.StatusUnauthorized
	case core.KindNotFound:
		return http.StatusNotFound
	case core.KindConflict:
		return http.StatusConflict
	case core.KindTransient:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response", "error", err)
	}
}

// WriteError writes err as JSON with the status of its kind. Internal
// errors are not echoed to the client.
func WriteError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	kind := core.Classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
		msg = "internal error"
		kind = core.KindInternal
	}
	if errors.Is(err, ErrBadRequest) {
		kind = core.KindConfiguration
	}
	WriteJSON(w, status, ErrorResponse{Error: msg, Kind: kind})
}

// ErrorRecovery turns panics into 500 responses.
func ErrorRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("panic recovered", "panic", rec, "stack", string(debug.Stack()))
				WriteJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error", Kind: core.KindInternal})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
