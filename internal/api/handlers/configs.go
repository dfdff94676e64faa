// Package handlers implements the HTTP endpoints of the sync service.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/wmax/calsync/internal/api/middleware"
	"github.com/wmax/calsync/internal/config"
	"github.com/wmax/calsync/internal/core"
)

const (
	maxConfigBody     = 64 << 10
	defaultOperations = 20
	maxOperations     = 200
)

// Syncer runs manual syncs.
type Syncer interface {
	RunSync(ctx context.Context, configID string) (*core.SyncResult, error)
}

// Validator checks that a config can reach its calendar.
type Validator interface {
	ValidateConfig(ctx context.Context, configID string) error
}

// ConfigResponse is a config as returned by the API. Tokens are never
// included.
type ConfigResponse struct {
	ID                   string        `json:"id"`
	UserID               string        `json:"userId"`
	ProviderID           string        `json:"providerId"`
	ProviderType         string        `json:"providerType"`
	Direction            string        `json:"direction"`
	Enabled              bool          `json:"enabled"`
	Settings             core.Settings `json:"settings"`
	HasCredentials       bool          `json:"hasCredentials"`
	CredentialsExpiresAt string        `json:"credentialsExpiresAt,omitempty"`
	LastSync             string        `json:"lastSync,omitempty"`
	NextSync             string        `json:"nextSync,omitempty"`
	WebhookID            string        `json:"webhookId,omitempty"`
	NeedsReauth          bool          `json:"needsReauth"`
	CreatedAt            string        `json:"createdAt"`
	UpdatedAt            string        `json:"updatedAt"`
}

// OperationResponse is one audit row.
type OperationResponse struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	EntityType  string `json:"entityType,omitempty"`
	EntityID    string `json:"entityId,omitempty"`
	Pulled      int    `json:"pulled"`
	Pushed      int    `json:"pushed"`
	StartedAt   string `json:"startedAt"`
	CompletedAt string `json:"completedAt,omitempty"`
	Error       string `json:"error,omitempty"`
}

// UpdateConfigRequest is a partial update; absent fields are kept.
type UpdateConfigRequest struct {
	Enabled   *bool         `json:"enabled"`
	Direction *string       `json:"direction"`
	Settings  core.Settings `json:"settings"`
}

func configID(r *http.Request) string {
	return mux.Vars(r)["id"]
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func toConfigResponse(cfg *core.SyncConfig) ConfigResponse {
	resp := ConfigResponse{
		ID:           cfg.ID,
		UserID:       cfg.UserID,
		ProviderID:   cfg.ProviderID,
		ProviderType: string(cfg.ProviderType),
		Direction:    string(cfg.Direction),
		Enabled:      cfg.Enabled,
		Settings:     cfg.Settings,
		LastSync:     formatTimePtr(cfg.LastSync),
		NextSync:     formatTimePtr(cfg.NextSync),
		WebhookID:    cfg.WebhookID,
		NeedsReauth:  cfg.NeedsReauth,
		CreatedAt:    formatTime(cfg.CreatedAt),
		UpdatedAt:    formatTime(cfg.UpdatedAt),
	}
	if resp.Settings == nil {
		resp.Settings = core.Settings{}
	}
	if c := cfg.Credentials; c != nil && (c.AccessToken != "" || c.RefreshToken != "") {
		resp.HasCredentials = true
		resp.CredentialsExpiresAt = formatTime(c.ExpiresAt)
	}
	return resp
}

func toOperationResponse(op core.SyncOperation) OperationResponse {
	return OperationResponse{
		ID:          op.ID,
		Kind:        string(op.Kind),
		Status:      string(op.Status),
		EntityType:  op.EntityType,
		EntityID:    op.EntityID,
		Pulled:      op.Pulled,
		Pushed:      op.Pushed,
		StartedAt:   formatTime(op.StartedAt),
		CompletedAt: formatTimePtr(op.CompletedAt),
		Error:       op.Error,
	}
}

// ListConfigs returns all configs, optionally narrowed by ?userId=.
func ListConfigs(store core.ConfigStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfgs, err := store.ListConfigs(r.Context(), core.ConfigFilter{UserID: r.URL.Query().Get("userId")})
		if err != nil {
			middleware.WriteError(w, err)
			return
		}
		out := make([]ConfigResponse, 0, len(cfgs))
		for i := range cfgs {
			out = append(out, toConfigResponse(&cfgs[i]))
		}
		middleware.WriteJSON(w, http.StatusOK, out)
	}
}

// CreateConfig validates and stores a new config.
func CreateConfig(store core.ConfigStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxConfigBody))
		if err != nil {
			middleware.WriteError(w, fmt.Errorf("%w: read body: %w", middleware.ErrBadRequest, err))
			return
		}
		def, err := config.DecodeDefinition(body)
		if err != nil {
			middleware.WriteError(w, err)
			return
		}
		cfg, err := def.SyncConfig()
		if err != nil {
			middleware.WriteError(w, err)
			return
		}
		if err := store.CreateConfig(r.Context(), cfg); err != nil {
			middleware.WriteError(w, err)
			return
		}
		middleware.WriteJSON(w, http.StatusCreated, toConfigResponse(cfg))
	}
}

// GetConfig returns one config.
func GetConfig(store core.ConfigStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg, err := store.GetConfig(r.Context(), configID(r))
		if err != nil {
			middleware.WriteError(w, err)
			return
		}
		middleware.WriteJSON(w, http.StatusOK, toConfigResponse(cfg))
	}
}

// UpdateConfig applies a partial update. Disabling a config also cancels
// its webhook.
func UpdateConfig(store core.ConfigStore, webhooks WebhookManager, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req UpdateConfigRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxConfigBody)).Decode(&req); err != nil {
			middleware.WriteError(w, fmt.Errorf("%w: %w", middleware.ErrBadRequest, err))
			return
		}

		cfg, err := store.GetConfig(r.Context(), configID(r))
		if err != nil {
			middleware.WriteError(w, err)
			return
		}
		disabling := cfg.Enabled && req.Enabled != nil && !*req.Enabled
		if req.Enabled != nil {
			cfg.Enabled = *req.Enabled
		}
		if req.Direction != nil {
			dir, err := core.ParseDirection(*req.Direction)
			if err != nil {
				middleware.WriteError(w, err)
				return
			}
			cfg.Direction = dir
		}
		if req.Settings != nil {
			if err := config.ValidateSettings(req.Settings); err != nil {
				middleware.WriteError(w, err)
				return
			}
			cfg.Settings = req.Settings
		}

		if err := store.UpdateConfig(r.Context(), cfg); err != nil {
			middleware.WriteError(w, err)
			return
		}
		if disabling {
			if err := webhooks.Unregister(r.Context(), cfg.ID); err != nil {
				logger.Warn("webhook cleanup after disable failed", "config_id", cfg.ID, "error", err)
			} else {
				cfg.WebhookID = ""
			}
		}
		middleware.WriteJSON(w, http.StatusOK, toConfigResponse(cfg))
	}
}

// DeleteConfig cancels the config's webhook if possible and removes the
// config with all of its sync state.
func DeleteConfig(store core.ConfigStore, webhooks WebhookManager, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := configID(r)
		if _, err := store.GetConfig(r.Context(), id); err != nil {
			middleware.WriteError(w, err)
			return
		}
		if err := webhooks.Unregister(r.Context(), id); err != nil {
			logger.Warn("webhook cleanup before delete failed", "config_id", id, "error", err)
		}
		if err := store.DeleteConfig(r.Context(), id); err != nil {
			middleware.WriteError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// RunSync runs a sync now and returns its result. A partially failed run
// is still a 200; the result carries the item errors.
func RunSync(s Syncer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := s.RunSync(r.Context(), configID(r))
		if err != nil {
			middleware.WriteError(w, err)
			return
		}
		if res.Errors == nil {
			res.Errors = []core.ItemError{}
		}
		middleware.WriteJSON(w, http.StatusOK, res)
	}
}

// ValidateConfig checks the stored credentials and calendar of a config
// against the provider.
func ValidateConfig(v Validator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := v.ValidateConfig(r.Context(), configID(r)); err != nil {
			middleware.WriteError(w, err)
			return
		}
		middleware.WriteJSON(w, http.StatusOK, map[string]bool{"valid": true})
	}
}

// ListOperations returns the newest audit rows of a config. ?limit= caps
// the count.
func ListOperations(store core.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultOperations
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				middleware.WriteError(w, fmt.Errorf("%w: limit must be a positive integer", middleware.ErrBadRequest))
				return
			}
			limit = min(n, maxOperations)
		}

		id := configID(r)
		if _, err := store.GetConfig(r.Context(), id); err != nil {
			middleware.WriteError(w, err)
			return
		}
		ops, err := store.ListOperations(r.Context(), id, limit)
		if err != nil {
			middleware.WriteError(w, err)
			return
		}
		out := make([]OperationResponse, 0, len(ops))
		for _, op := range ops {
			out = append(out, toOperationResponse(op))
		}
		middleware.WriteJSON(w, http.StatusOK, out)
	}
}
