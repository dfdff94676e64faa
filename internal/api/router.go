// Package api wires the HTTP routes of the sync service.
package api

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/wmax/calsync/internal/api/handlers"
	"github.com/wmax/calsync/internal/api/middleware"
	"github.com/wmax/calsync/internal/core"
	ws "github.com/wmax/calsync/internal/websocket"
)

// SyncService is what the routes need from the sync engine.
type SyncService interface {
	handlers.Syncer
	handlers.EventSyncer
	handlers.Validator
}

// Deps holds the collaborators of the router.
type Deps struct {
	Store         core.Store
	Sync          SyncService
	Webhooks      handlers.WebhookManager
	Decoder       handlers.WebhookDecoder
	Notifications handlers.NotificationHandler
	Hub           *ws.Hub
	CronSecret    string
	Logger        *slog.Logger
}

// NewRouter creates the router with all API routes.
func NewRouter(d Deps) *mux.Router {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := mux.NewRouter()
	r.Use(middleware.Logging(logger))
	r.Use(middleware.ErrorRecovery)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")
	if d.Hub != nil {
		api.HandleFunc("/ws", handlers.WebSocketUpgrade(d.Hub, logger)).Methods("GET")
	}

	s := api.PathPrefix("/sync").Subrouter()

	// Provider callbacks
	s.HandleFunc("/webhook/"+string(core.ProviderGoogle), handlers.GoogleWebhook(d.Decoder, d.Notifications)).Methods("POST")
	s.HandleFunc("/webhook/{provider}", handlers.ProviderWebhook(d.Decoder, d.Notifications, logger)).Methods("POST")
	s.HandleFunc("/renew-webhooks", handlers.RenewWebhooks(d.Webhooks, d.CronSecret)).Methods("POST")

	// Configs
	s.HandleFunc("/configs", handlers.ListConfigs(d.Store)).Methods("GET")
	s.HandleFunc("/configs", handlers.CreateConfig(d.Store)).Methods("POST")
	s.HandleFunc("/configs/{id}", handlers.GetConfig(d.Store)).Methods("GET")
	s.HandleFunc("/configs/{id}", handlers.UpdateConfig(d.Store, d.Webhooks, logger)).Methods("PATCH")
	s.HandleFunc("/configs/{id}", handlers.DeleteConfig(d.Store, d.Webhooks, logger)).Methods("DELETE")
	s.HandleFunc("/configs/{id}/run", handlers.RunSync(d.Sync)).Methods("POST")
	s.HandleFunc("/configs/{id}/validate", handlers.ValidateConfig(d.Sync)).Methods("POST")
	s.HandleFunc("/configs/{id}/operations", handlers.ListOperations(d.Store)).Methods("GET")
	s.HandleFunc("/configs/{id}/webhook", handlers.WebhookStatus(d.Webhooks)).Methods("GET")
	s.HandleFunc("/configs/{id}/webhook", handlers.RegisterWebhook(d.Webhooks)).Methods("POST")
	s.HandleFunc("/configs/{id}/webhook", handlers.UnregisterWebhook(d.Webhooks)).Methods("DELETE")

	// Local event hooks
	s.HandleFunc("/events/push", handlers.PushEvents(d.Sync)).Methods("POST")
	s.HandleFunc("/events/unlink", handlers.UnlinkEvents(d.Sync)).Methods("POST")

	return r
}
