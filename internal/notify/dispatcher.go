// Package notify turns comment mentions into durable notifications and live
// push events.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"skyportal/api/internal/metrics"
	"skyportal/api/internal/push"
	"skyportal/api/internal/store"
	"skyportal/api/internal/util"
)

const DefaultURLPrefix = "/source/"

// NotificationWriter persists notifications in the caller's transaction.
type NotificationWriter interface {
	InsertNotifications(ctx context.Context, notifications []store.UserNotification) error
}

type Dispatcher struct {
	publisher push.Publisher
	urlPrefix string
	logger    *slog.Logger
}

func NewDispatcher(publisher push.Publisher, urlPrefix string, logger *slog.Logger) *Dispatcher {
	if publisher == nil {
		publisher = push.Nop{}
	}
	if urlPrefix == "" {
		urlPrefix = DefaultURLPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{publisher: publisher, urlPrefix: urlPrefix, logger: logger}
}

// Record writes one notification per mentioned user, the actor included when
// they mention themselves. It must run inside the transaction that stores the
// comment.
func (d *Dispatcher) Record(ctx context.Context, w NotificationWriter, actor store.User, obj store.Obj, mentioned []store.User) ([]store.UserNotification, error) {
	if len(mentioned) == 0 {
		return nil, nil
	}
	notifications := make([]store.UserNotification, 0, len(mentioned))
	for _, user := range mentioned {
		notifications = append(notifications, store.UserNotification{
			ID:     util.NewID("ntf"),
			UserID: user.ID,
			Text:   fmt.Sprintf("*@%s* mentioned you in a comment on *%s*", actor.Username, obj.ID),
			URL:    d.urlPrefix + obj.ID,
		})
	}
	if err := w.InsertNotifications(ctx, notifications); err != nil {
		return nil, fmt.Errorf("record notifications: %w", err)
	}
	return notifications, nil
}

// Announce emits the live events for a committed comment: a notification
// refresh for every recipient, then a refresh of the object's comment view.
func (d *Dispatcher) Announce(ctx context.Context, obj store.Obj, notified []store.UserNotification) {
	if len(notified) > 0 {
		metrics.NotificationsCreated.Add(float64(len(notified)))
	}
	for _, item := range notified {
		err := d.publisher.PushToUser(ctx, item.UserID, push.EventFetchNotifications, struct{}{})
		metrics.ObservePush("user", err)
		if err != nil {
			d.logger.WarnContext(ctx, "notification push failed",
				"user_id", item.UserID,
				"obj_id", obj.ID,
				"error", err,
			)
		}
	}
	d.Refresh(ctx, obj)
}

// Refresh tells every viewer of obj to reload its comments.
func (d *Dispatcher) Refresh(ctx context.Context, obj store.Obj) {
	err := d.publisher.PushBroadcast(ctx, push.EventRefreshSource, map[string]string{"obj_key": obj.InternalKey})
	metrics.ObservePush("broadcast", err)
	if err != nil {
		d.logger.WarnContext(ctx, "refresh push failed", "obj_id", obj.ID, "error", err)
	}
}
