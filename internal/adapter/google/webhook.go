package google

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/wmax/calsync/internal/core"

	"google.golang.org/api/calendar/v3"
)

// Push notification headers, see developers.google.com/calendar/api/guides/push.
const (
	HeaderChannelID     = "X-Goog-Channel-ID"
	HeaderResourceID    = "X-Goog-Resource-ID"
	HeaderResourceState = "X-Goog-Resource-State"
	HeaderChannelToken  = "X-Goog-Channel-Token"
)

// Google caps channels at roughly a week when no expiration is requested.
const defaultChannelTTL = 7 * 24 * time.Hour

// notificationFromHeader extracts the routing fields of a push notification.
func notificationFromHeader(h http.Header) core.Notification {
	return core.Notification{
		ChannelID:  h.Get(HeaderChannelID),
		ResourceID: h.Get(HeaderResourceID),
		State:      core.ChangeKind(h.Get(HeaderResourceState)),
		Token:      h.Get(HeaderChannelToken),
	}
}

// SetupWebhook opens a watch channel on the events collection. The channel
// token carries the config id so notifications can be routed back.
func (a *Adapter) SetupWebhook(ctx context.Context, callbackURL string) (*core.WebhookSubscription, error) {
	ch := &calendar.Channel{
		Id:      uuid.NewString(),
		Type:    "web_hook",
		Address: callbackURL,
		Token:   a.configID,
	}
	res, err := a.service.Events.Watch(a.calendarID, ch).Context(ctx).Do()
	if err != nil {
		return nil, classify("watch events", err)
	}

	expires := a.now().Add(defaultChannelTTL)
	if res.Expiration > 0 {
		expires = time.UnixMilli(res.Expiration).UTC()
	}
	channelID := res.Id
	if channelID == "" {
		channelID = ch.Id
	}
	return &core.WebhookSubscription{
		SyncConfigID: a.configID,
		ResourceID:   res.ResourceId,
		ChannelID:    channelID,
		ExpiresAt:    expires,
	}, nil
}

// RenewWebhook opens a new channel and then stops sub. Google channels
// cannot be extended in place.
func (a *Adapter) RenewWebhook(ctx context.Context, sub *core.WebhookSubscription, callbackURL string) (*core.WebhookSubscription, error) {
	next, err := a.SetupWebhook(ctx, callbackURL)
	if err != nil {
		return nil, err
	}
	if err := a.CancelWebhook(ctx, sub); err != nil {
		a.logger.Warn("failed to stop previous channel",
			"config_id", a.configID, "channel_id", sub.ChannelID, "error", err)
	}
	return next, nil
}

// CancelWebhook stops a channel. Unknown channels are ignored.
func (a *Adapter) CancelWebhook(ctx context.Context, sub *core.WebhookSubscription) error {
	err := a.service.Channels.Stop(&calendar.Channel{
		Id:         sub.ChannelID,
		ResourceId: sub.ResourceID,
	}).Context(ctx).Do()
	if err == nil || isStatus(err, http.StatusNotFound) {
		return nil
	}
	return classify(fmt.Sprintf("stop channel %s", sub.ChannelID), err)
}

// ProcessWebhookPayload reads the X-Goog-* headers. Google notifications
// never carry event data, so ExternalID stays empty. A notification without
// a token is returned as is for the caller to reject.
func (a *Adapter) ProcessWebhookPayload(payload core.WebhookPayload) ([]core.Notification, error) {
	n := notificationFromHeader(payload.Header)
	switch n.State {
	case core.ChangeSync, core.ChangeExists, core.ChangeRemoved:
	default:
		if n.Token != "" {
			return nil, fmt.Errorf("unknown resource state %q", n.State)
		}
	}
	return []core.Notification{n}, nil
}
