package outlook

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"time"

	jsonserialization "github.com/microsoft/kiota-serialization-json-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"

	"github.com/wmax/calsync/internal/core"
)

// Graph rejects event subscriptions further out than this.
const maxSubscriptionTTL = 4230 * time.Minute

func (a *Adapter) subscriptionResource() string {
	if a.calendarID == "" {
		return "me/events"
	}
	return "me/calendars/" + a.calendarID + "/events"
}

// SetupWebhook creates a change subscription on the calendar's events.
// The client state carries the config id.
func (a *Adapter) SetupWebhook(ctx context.Context, callbackURL string) (*core.WebhookSubscription, error) {
	resource := a.subscriptionResource()
	body := models.NewSubscription()
	body.SetChangeType(ptr("created,updated,deleted"))
	body.SetNotificationUrl(ptr(callbackURL))
	body.SetResource(ptr(resource))
	body.SetExpirationDateTime(ptr(a.now().Add(maxSubscriptionTTL).UTC()))
	body.SetClientState(ptr(a.configID))

	created, err := a.client.Subscriptions().Post(ctx, body, nil)
	if err != nil {
		return nil, classify("create subscription", err)
	}

	expires := a.now().Add(maxSubscriptionTTL).UTC()
	if t := created.GetExpirationDateTime(); t != nil {
		expires = t.UTC()
	}
	return &core.WebhookSubscription{
		SyncConfigID: a.configID,
		ResourceID:   resource,
		ChannelID:    derefStr(created.GetId()),
		ExpiresAt:    expires,
	}, nil
}

// RenewWebhook creates a replacement subscription and then deletes sub.
func (a *Adapter) RenewWebhook(ctx context.Context, sub *core.WebhookSubscription, callbackURL string) (*core.WebhookSubscription, error) {
	next, err := a.SetupWebhook(ctx, callbackURL)
	if err != nil {
		return nil, err
	}
	if err := a.CancelWebhook(ctx, sub); err != nil {
		a.logger.Warn("failed to delete previous subscription",
			"config_id", a.configID, "subscription_id", sub.ChannelID, "error", err)
	}
	return next, nil
}

// CancelWebhook deletes the subscription. Unknown subscriptions are ignored.
func (a *Adapter) CancelWebhook(ctx context.Context, sub *core.WebhookSubscription) error {
	err := a.client.Subscriptions().BySubscriptionId(sub.ChannelID).Delete(ctx, nil)
	if err == nil || statusCode(err) == http.StatusNotFound {
		return nil
	}
	return classify(fmt.Sprintf("delete subscription %s", sub.ChannelID), err)
}

// ProcessWebhookPayload decodes a Graph change notification collection.
// The client state becomes the token and the resource's last path segment
// the changed event.
func (a *Adapter) ProcessWebhookPayload(payload core.WebhookPayload) ([]core.Notification, error) {
	items, err := decodeNotifications(payload.Body)
	if err != nil {
		return nil, err
	}
	out := make([]core.Notification, 0, len(items))
	for _, n := range items {
		state := core.ChangeExists
		if ct := n.GetChangeType(); ct != nil && *ct == models.DELETED_CHANGETYPE {
			state = core.ChangeRemoved
		}
		var channelID string
		if id := n.GetSubscriptionId(); id != nil {
			channelID = id.String()
		}
		resource := derefStr(n.GetResource())
		out = append(out, core.Notification{
			ChannelID:  channelID,
			ResourceID: resource,
			State:      state,
			Token:      derefStr(n.GetClientState()),
			ExternalID: path.Base(resource),
		})
	}
	return out, nil
}

func decodeNotifications(body []byte) ([]models.ChangeNotificationable, error) {
	node, err := jsonserialization.NewJsonParseNode(body)
	if err != nil {
		return nil, fmt.Errorf("parse notification: %w", err)
	}
	v, err := node.GetObjectValue(models.CreateChangeNotificationCollectionResponseFromDiscriminatorValue)
	if err != nil {
		return nil, fmt.Errorf("decode notification: %w", err)
	}
	coll, ok := v.(models.ChangeNotificationCollectionResponseable)
	if !ok || coll == nil {
		return nil, fmt.Errorf("decode notification: unexpected type %T", v)
	}
	return coll.GetValue(), nil
}
