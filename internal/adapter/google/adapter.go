package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/wmax/calsync/internal/core"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

// Scopes requested when authorizing calendar access.
var Scopes = []string{calendar.CalendarScope}

const defaultCalendarID = "primary"

// Adapter implements core.WebhookProvider on the Google Calendar API.
type Adapter struct {
	oauth      *oauth2.Config
	clientOpts []option.ClientOption
	now        func() time.Time
	logger     *slog.Logger

	configID   string
	calendarID string
	tokens     oauth2.TokenSource
	service    *calendar.Service
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithClientOptions appends API client options, e.g. option.WithEndpoint.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(a *Adapter) { a.clientOpts = append(a.clientOpts, opts...) }
}

// WithClock overrides the time source used for sync windows.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

// WithLogger sets the adapter's logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// NewAdapter returns an uninitialized adapter. oauthCfg is used to refresh
// expired access tokens; when nil the stored token is used as-is.
func NewAdapter(oauthCfg *oauth2.Config, opts ...Option) *Adapter {
	a := &Adapter{
		oauth:  oauthCfg,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// OAuthConfigFromJSON parses a Google OAuth client file.
func OAuthConfigFromJSON(b []byte) (*oauth2.Config, error) {
	cfg, err := google.ConfigFromJSON(b, Scopes...)
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	return cfg, nil
}

// Initialize builds the Calendar service from the config's stored tokens.
func (a *Adapter) Initialize(ctx context.Context, cfg *core.SyncConfig) error {
	if !cfg.Credentials.Usable(a.now()) {
		return fmt.Errorf("google calendar %s: missing or expired credentials: %w", cfg.ID, core.ErrCredential)
	}

	tok := &oauth2.Token{
		AccessToken:  cfg.Credentials.AccessToken,
		RefreshToken: cfg.Credentials.RefreshToken,
		Expiry:       cfg.Credentials.ExpiresAt,
		TokenType:    "Bearer",
	}
	if a.oauth != nil {
		a.tokens = oauth2.ReuseTokenSource(tok, a.oauth.TokenSource(ctx, tok))
	} else {
		a.tokens = oauth2.StaticTokenSource(tok)
	}

	opts := append([]option.ClientOption{option.WithHTTPClient(oauth2.NewClient(ctx, a.tokens))}, a.clientOpts...)
	service, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create calendar service: %w", err)
	}

	a.service = service
	a.configID = cfg.ID
	a.calendarID = cfg.Settings.CalendarID()
	if a.calendarID == "" {
		a.calendarID = defaultCalendarID
	}
	return nil
}

// ValidateConnection fetches the target calendar's metadata.
func (a *Adapter) ValidateConnection(ctx context.Context) (bool, error) {
	if _, err := a.service.Calendars.Get(a.calendarID).Context(ctx).Do(); err != nil {
		return false, classify("get calendar", err)
	}
	return true, nil
}

// Credentials reports the current token, which may have been refreshed.
func (a *Adapter) Credentials() (*core.Credentials, error) {
	if a.tokens == nil {
		return nil, fmt.Errorf("adapter not initialized")
	}
	tok, err := a.tokens.Token()
	if err != nil {
		return nil, classify("token", err)
	}
	return &core.Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}, nil
}

// PullEvents lists changes since cursor. An expired cursor triggers one
// full sync within the same call.
func (a *Adapter) PullEvents(ctx context.Context, cursor string) ([]core.ExternalEvent, string, error) {
	if cursor != "" {
		events, next, err := a.listEvents(ctx, cursor)
		if !errors.Is(err, core.ErrCursorInvalid) {
			return events, next, err
		}
		a.logger.Info("sync token expired, performing full sync",
			"config_id", a.configID, "calendar_id", a.calendarID)
	}
	return a.listEvents(ctx, "")
}

func (a *Adapter) listEvents(ctx context.Context, syncToken string) ([]core.ExternalEvent, string, error) {
	var (
		results   []core.ExternalEvent
		pageToken string
	)
	start, end := core.FullSyncWindow(a.now())

	for {
		req := a.service.Events.List(a.calendarID).
			SingleEvents(true).
			MaxResults(250).
			Context(ctx)

		// Google rejects time bounds together with a sync token.
		if syncToken != "" {
			req = req.SyncToken(syncToken).ShowDeleted(true)
		} else {
			req = req.TimeMin(start.Format(time.RFC3339)).
				TimeMax(end.Format(time.RFC3339)).
				ShowDeleted(false)
		}
		if pageToken != "" {
			req = req.PageToken(pageToken)
		}

		res, err := req.Do()
		if err != nil {
			return nil, "", classify(fmt.Sprintf("list events for calendar %s", a.calendarID), err)
		}

		for _, item := range res.Items {
			if item.Status == "cancelled" {
				if syncToken != "" {
					results = append(results, core.ExternalEvent{ExternalID: item.Id, Deleted: true})
				}
				continue
			}
			results = append(results, parseEvent(item))
		}

		pageToken = res.NextPageToken
		if pageToken == "" {
			return results, res.NextSyncToken, nil
		}
	}
}

// PushEvent inserts ev into the target calendar.
func (a *Adapter) PushEvent(ctx context.Context, ev core.ExternalEvent) (string, string, error) {
	created, err := a.service.Events.Insert(a.calendarID, toGoogleEvent(ev)).Context(ctx).Do()
	if err != nil {
		return "", "", classify("insert event", err)
	}
	return created.Id, created.Etag, nil
}

// UpdateEvent replaces the remote event.
func (a *Adapter) UpdateEvent(ctx context.Context, externalID string, ev core.ExternalEvent) (string, error) {
	updated, err := a.service.Events.Update(a.calendarID, externalID, toGoogleEvent(ev)).Context(ctx).Do()
	if err != nil {
		return "", classify(fmt.Sprintf("update event %s", externalID), err)
	}
	return updated.Etag, nil
}

// DeleteEvent removes the remote event. Missing events are ignored.
func (a *Adapter) DeleteEvent(ctx context.Context, externalID string) error {
	err := a.service.Events.Delete(a.calendarID, externalID).Context(ctx).Do()
	if err == nil || isStatus(err, http.StatusNotFound, http.StatusGone) {
		return nil
	}
	return classify(fmt.Sprintf("delete event %s", externalID), err)
}
