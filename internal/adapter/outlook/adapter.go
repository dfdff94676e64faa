package outlook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	abstractions "github.com/microsoft/kiota-abstractions-go"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/wmax/calsync/internal/core"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
)

// Scopes requested when authorizing calendar access.
var Scopes = []string{
	"https://graph.microsoft.com/Calendars.ReadWrite",
	"https://graph.microsoft.com/User.Read",
	"offline_access",
}

const graphDefaultScope = "https://graph.microsoft.com/.default"

// OAuthConfig returns the Microsoft identity platform OAuth2 configuration.
func OAuthConfig(clientID, clientSecret, tenantID string) *oauth2.Config {
	if tenantID == "" {
		tenantID = "common"
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     microsoft.AzureADEndpoint(tenantID),
		Scopes:       Scopes,
	}
}

// Adapter implements core.WebhookProvider on Microsoft Graph.
type Adapter struct {
	oauth          *oauth2.Config
	requestAdapter abstractions.RequestAdapter
	now            func() time.Time
	logger         *slog.Logger

	configID   string
	calendarID string
	tokens     oauth2.TokenSource
	client     *msgraphsdk.GraphServiceClient
	ra         abstractions.RequestAdapter
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithRequestAdapter replaces the credential-based Graph client with one
// built on ra. Used to point the adapter at a test server.
func WithRequestAdapter(ra abstractions.RequestAdapter) Option {
	return func(a *Adapter) { a.requestAdapter = ra }
}

// WithClock overrides the time source used for sync windows.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

// WithLogger sets the adapter's logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// NewAdapter returns an uninitialized adapter. oauthCfg refreshes expired
// access tokens; when nil the stored token is used as-is.
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

// Initialize builds the Graph client from the config's stored tokens.
func (a *Adapter) Initialize(ctx context.Context, cfg *core.SyncConfig) error {
	if !cfg.Credentials.Usable(a.now()) {
		return fmt.Errorf("microsoft calendar %s: missing or expired credentials: %w", cfg.ID, core.ErrCredential)
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

	if a.requestAdapter != nil {
		a.client = msgraphsdk.NewGraphServiceClient(a.requestAdapter)
		a.ra = a.requestAdapter
	} else {
		client, err := msgraphsdk.NewGraphServiceClientWithCredentials(&tokenCredential{src: a.tokens}, []string{graphDefaultScope})
		if err != nil {
			return fmt.Errorf("create graph client: %w", err)
		}
		a.client = client
		a.ra = client.GetAdapter()
	}

	a.configID = cfg.ID
	a.calendarID = cfg.Settings.CalendarID()
	return nil
}

// ValidateConnection fetches the target calendar's metadata.
func (a *Adapter) ValidateConnection(ctx context.Context) (bool, error) {
	var err error
	if a.calendarID == "" {
		_, err = a.client.Me().Calendar().Get(ctx, nil)
	} else {
		_, err = a.client.Me().Calendars().ByCalendarId(a.calendarID).Get(ctx, nil)
	}
	if err != nil {
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

// PullEvents walks the calendar view delta. The cursor is the delta link
// returned by the previous round; an expired one triggers one full sync.
func (a *Adapter) PullEvents(ctx context.Context, cursor string) ([]core.ExternalEvent, string, error) {
	if cursor != "" {
		events, next, err := a.walkDelta(ctx, cursor, true)
		if !errors.Is(err, core.ErrCursorInvalid) {
			return events, next, err
		}
		a.logger.Info("delta link expired, performing full sync",
			"config_id", a.configID, "calendar_id", a.calendarID)
	}
	return a.walkDelta(ctx, a.initialDeltaURL(), false)
}

func (a *Adapter) initialDeltaURL() string {
	start, end := core.FullSyncWindow(a.now())
	q := url.Values{}
	q.Set("startDateTime", start.UTC().Format(time.RFC3339))
	q.Set("endDateTime", end.UTC().Format(time.RFC3339))

	path := "/me/calendarView/delta"
	if a.calendarID != "" {
		path = "/me/calendars/" + url.PathEscape(a.calendarID) + "/calendarView/delta"
	}
	return a.ra.GetBaseUrl() + path + "?" + q.Encode()
}

func (a *Adapter) walkDelta(ctx context.Context, link string, incremental bool) ([]core.ExternalEvent, string, error) {
	headers := abstractions.NewRequestHeaders()
	headers.Add("Prefer", `outlook.timezone="UTC"`)
	headers.Add("Prefer", "odata.maxpagesize=100")
	config := &users.ItemCalendarViewDeltaRequestBuilderGetRequestConfiguration{Headers: headers}

	var results []core.ExternalEvent
	for {
		page, err := users.NewItemCalendarViewDeltaRequestBuilder(link, a.ra).
			GetAsDeltaGetResponse(ctx, config)
		if err != nil {
			return nil, "", classify("calendar view delta", err)
		}

		for _, item := range page.GetValue() {
			if isRemoved(item) || derefBool(item.GetIsCancelled()) {
				if incremental {
					results = append(results, core.ExternalEvent{ExternalID: derefStr(item.GetId()), Deleted: true})
				}
				continue
			}
			results = append(results, parseGraphEvent(item))
		}

		if next := derefStr(page.GetOdataNextLink()); next != "" {
			link = next
			continue
		}
		return results, derefStr(page.GetOdataDeltaLink()), nil
	}
}
