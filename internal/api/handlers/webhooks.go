package handlers

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/wmax/calsync/internal/api/middleware"
	"github.com/wmax/calsync/internal/core"
	"github.com/wmax/calsync/internal/webhook"
)

const maxWebhookBody = 1 << 20

// NotificationHandler verifies inbound notifications and queues syncs.
type NotificationHandler interface {
	HandleNotification(ctx context.Context, providerType core.ProviderType, n core.Notification) (webhook.Ack, error)
}

// WebhookDecoder turns a raw webhook request into notifications using the
// adapter registered for the provider type.
type WebhookDecoder interface {
	DecodeWebhook(t core.ProviderType, payload core.WebhookPayload) ([]core.Notification, error)
}

// WebhookManager is the subscription lifecycle used by the API.
type WebhookManager interface {
	Register(ctx context.Context, configID string) (*core.WebhookSubscription, error)
	Unregister(ctx context.Context, configID string) error
	CheckStatus(ctx context.Context, configID string) (webhook.Status, error)
	RenewAll(ctx context.Context) (webhook.RenewReport, error)
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func readPayload(r *http.Request) (core.WebhookPayload, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		return core.WebhookPayload{}, fmt.Errorf("%w: read body: %w", middleware.ErrBadRequest, err)
	}
	return core.WebhookPayload{Header: r.Header, Body: body}, nil
}

// GoogleWebhook handles Google Calendar push notifications, which carry
// everything in X-Goog-* headers.
func GoogleWebhook(dec WebhookDecoder, n NotificationHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := readPayload(r)
		if err != nil {
			middleware.WriteError(w, err)
			return
		}
		notes, err := dec.DecodeWebhook(core.ProviderGoogle, payload)
		if err != nil {
			middleware.WriteError(w, fmt.Errorf("%w: %w", middleware.ErrBadRequest, err))
			return
		}
		if len(notes) != 1 {
			middleware.WriteError(w, fmt.Errorf("%w: expected one notification, got %d", middleware.ErrBadRequest, len(notes)))
			return
		}

		ack, err := n.HandleNotification(r.Context(), core.ProviderGoogle, notes[0])
		switch {
		case errors.Is(err, webhook.ErrMissingToken):
			writeText(w, http.StatusBadRequest, "Missing channel token")
			return
		case errors.Is(err, core.ErrNotFound):
			writeText(w, http.StatusNotFound, "Unknown channel")
			return
		case err != nil:
			middleware.WriteError(w, err)
			return
		}
		if ack == webhook.AckHandshake {
			writeText(w, http.StatusOK, "OK")
			return
		}
		writeText(w, http.StatusOK, "Webhook processed")
	}
}

// ProviderWebhook handles batched change notifications for the provider
// type named in the path, Microsoft Graph among them. Subscription
// validation requests are answered by echoing the token.
func ProviderWebhook(dec WebhookDecoder, n NotificationHandler, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if token := r.URL.Query().Get("validationToken"); token != "" {
			writeText(w, http.StatusOK, token)
			return
		}

		providerType := core.ProviderType(mux.Vars(r)["provider"])
		payload, err := readPayload(r)
		if err != nil {
			middleware.WriteError(w, err)
			return
		}
		notes, err := dec.DecodeWebhook(providerType, payload)
		switch {
		case errors.Is(err, core.ErrConfiguration), errors.Is(err, core.ErrWebhooksUnsupported):
			middleware.WriteError(w, fmt.Errorf("%w: %w", core.ErrNotFound, err))
			return
		case err != nil:
			middleware.WriteError(w, fmt.Errorf("%w: %w", middleware.ErrBadRequest, err))
			return
		}

		// Graph retries anything but a 2xx, so rejected items are only logged.
		for _, note := range notes {
			if _, err := n.HandleNotification(r.Context(), providerType, note); err != nil {
				logger.Warn("rejected webhook notification", "provider", providerType,
					"subscription_id", note.ChannelID, "kind", core.Classify(err), "error", err)
			}
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

// RenewWebhooks runs a renewal sweep. When secret is set the caller must
// present it as a bearer token.
func RenewWebhooks(m WebhookManager, secret string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if secret != "" {
			got, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				middleware.WriteError(w, fmt.Errorf("%w: invalid cron secret", core.ErrCredential))
				return
			}
		}
		report, err := m.RenewAll(r.Context())
		if err != nil {
			middleware.WriteError(w, err)
			return
		}
		middleware.WriteJSON(w, http.StatusOK, report)
	}
}

// WebhookStatus reports the subscription state of a config.
func WebhookStatus(m WebhookManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := m.CheckStatus(r.Context(), configID(r))
		if err != nil {
			middleware.WriteError(w, err)
			return
		}
		middleware.WriteJSON(w, http.StatusOK, status)
	}
}

type subscriptionResponse struct {
	ID        string `json:"id"`
	ChannelID string `json:"channelId"`
	ExpiresAt string `json:"expiresAt"`
}

// RegisterWebhook opens a new subscription for a config.
func RegisterWebhook(m WebhookManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub, err := m.Register(r.Context(), configID(r))
		if err != nil {
			middleware.WriteError(w, err)
			return
		}
		middleware.WriteJSON(w, http.StatusCreated, subscriptionResponse{
			ID:        sub.ID,
			ChannelID: sub.ChannelID,
			ExpiresAt: formatTime(sub.ExpiresAt),
		})
	}
}

// UnregisterWebhook removes the subscription of a config.
func UnregisterWebhook(m WebhookManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := m.Unregister(r.Context(), configID(r)); err != nil {
			middleware.WriteError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
