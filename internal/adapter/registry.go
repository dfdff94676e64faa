// Package adapter dispatches provider types to their implementations.
package adapter

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/wmax/calsync/internal/adapter/google"
	"github.com/wmax/calsync/internal/adapter/outlook"
	"github.com/wmax/calsync/internal/core"

	"golang.org/x/oauth2"
)

// Factory returns a fresh, uninitialized provider. Providers hold
// per-config state, so every sync run gets its own instance.
type Factory func() core.Provider

// Registry maps provider types to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[core.ProviderType]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[core.ProviderType]Factory)}
}

// Register adds or replaces the factory for t.
func (r *Registry) Register(t core.ProviderType, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[t] = f
}

// New returns a provider for t, or ErrConfiguration when t is unknown.
func (r *Registry) New(t core.ProviderType) (core.Provider, error) {
	r.mu.RLock()
	f, ok := r.factories[t]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no adapter registered for provider type %q", core.ErrConfiguration, t)
	}
	return f(), nil
}

// DecodeWebhook decodes an inbound webhook request with a fresh adapter of
// type t.
func (r *Registry) DecodeWebhook(t core.ProviderType, payload core.WebhookPayload) ([]core.Notification, error) {
	p, err := r.New(t)
	if err != nil {
		return nil, err
	}
	wp, ok := p.(core.WebhookProvider)
	if !ok {
		return nil, fmt.Errorf("%s: %w", t, core.ErrWebhooksUnsupported)
	}
	notes, err := wp.ProcessWebhookPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("decode %s webhook: %w", t, err)
	}
	return notes, nil
}

// Types lists the registered provider types in sorted order.
func (r *Registry) Types() []core.ProviderType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]core.ProviderType, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// Options carries what the built-in adapters need to refresh tokens.
type Options struct {
	GoogleOAuth    *oauth2.Config
	MicrosoftOAuth *oauth2.Config
	Logger         *slog.Logger
}

// Default returns a registry with the Google and Microsoft adapters.
func Default(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := NewRegistry()
	r.Register(core.ProviderGoogle, func() core.Provider {
		return google.NewAdapter(opts.GoogleOAuth, google.WithLogger(logger.With("provider", core.ProviderGoogle)))
	})
	r.Register(core.ProviderMicrosoft, func() core.Provider {
		return outlook.NewAdapter(opts.MicrosoftOAuth, outlook.WithLogger(logger.With("provider", core.ProviderMicrosoft)))
	})
	return r
}
