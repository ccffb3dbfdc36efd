package notify

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skyportal/api/internal/push"
	"skyportal/api/internal/store"
)

type recordedPush struct {
	userID  string
	event   string
	payload any
}

type fakePublisher struct {
	userPushes []recordedPush
	broadcasts []recordedPush
	err        error
}

func (f *fakePublisher) PushToUser(_ context.Context, userID, event string, payload any) error {
	f.userPushes = append(f.userPushes, recordedPush{userID: userID, event: event, payload: payload})
	return f.err
}

func (f *fakePublisher) PushBroadcast(_ context.Context, event string, payload any) error {
	f.broadcasts = append(f.broadcasts, recordedPush{event: event, payload: payload})
	return f.err
}

type fakeWriter struct {
	written []store.UserNotification
	err     error
}

func (f *fakeWriter) InsertNotifications(_ context.Context, notifications []store.UserNotification) error {
	if f.err != nil {
		return f.err
	}
	f.written = append(f.written, notifications...)
	return nil
}

var (
	actor = store.User{ID: "u0", Username: "carol"}
	obj   = store.Obj{ID: "ZTF21abcdef", InternalKey: "key-42"}
)

func TestRecordBuildsNotificationPerMention(t *testing.T) {
	d := NewDispatcher(&fakePublisher{}, "", nil)
	w := &fakeWriter{}
	mentioned := []store.User{{ID: "u1", Username: "alice"}, {ID: "u2", Username: "bob"}}

	notified, err := d.Record(context.Background(), w, actor, obj, mentioned)
	require.NoError(t, err)
	require.Len(t, notified, 2)
	assert.Equal(t, notified, w.written)

	for i, item := range notified {
		assert.Equal(t, mentioned[i].ID, item.UserID)
		assert.Equal(t, "*@carol* mentioned you in a comment on *ZTF21abcdef*", item.Text)
		assert.Equal(t, "/source/ZTF21abcdef", item.URL)
		assert.NotEmpty(t, item.ID)
	}
}

func TestRecordIncludesSelfMention(t *testing.T) {
	d := NewDispatcher(nil, "/app/source/", nil)
	w := &fakeWriter{}

	notified, err := d.Record(context.Background(), w, actor, obj, []store.User{actor})
	require.NoError(t, err)
	require.Len(t, notified, 1)
	assert.Equal(t, actor.ID, notified[0].UserID)
	assert.Equal(t, "/app/source/ZTF21abcdef", notified[0].URL)
}

func TestRecordWithoutMentionsWritesNothing(t *testing.T) {
	d := NewDispatcher(nil, "", nil)
	w := &fakeWriter{err: errors.New("must not be called")}

	notified, err := d.Record(context.Background(), w, actor, obj, nil)
	require.NoError(t, err)
	assert.Empty(t, notified)
}

func TestRecordPropagatesWriteError(t *testing.T) {
	d := NewDispatcher(nil, "", nil)
	w := &fakeWriter{err: errors.New("insert failed")}

	_, err := d.Record(context.Background(), w, actor, obj, []store.User{{ID: "u1"}})
	assert.Error(t, err)
}

func TestAnnouncePushesPerUserAndOneBroadcast(t *testing.T) {
	publisher := &fakePublisher{}
	d := NewDispatcher(publisher, "", nil)

	d.Announce(context.Background(), obj, []store.UserNotification{{UserID: "u1"}, {UserID: "u2"}})

	require.Len(t, publisher.userPushes, 2)
	assert.Equal(t, "u1", publisher.userPushes[0].userID)
	assert.Equal(t, "u2", publisher.userPushes[1].userID)
	for _, p := range publisher.userPushes {
		assert.Equal(t, push.EventFetchNotifications, p.event)
	}
	require.Len(t, publisher.broadcasts, 1)
	assert.Equal(t, push.EventRefreshSource, publisher.broadcasts[0].event)
	assert.Equal(t, map[string]string{"obj_key": "key-42"}, publisher.broadcasts[0].payload)
}

func TestAnnounceSwallowsPushErrors(t *testing.T) {
	var logs bytes.Buffer
	publisher := &fakePublisher{err: errors.New("redis down")}
	d := NewDispatcher(publisher, "", slog.New(slog.NewTextHandler(&logs, nil)))

	d.Announce(context.Background(), obj, []store.UserNotification{{UserID: "u1"}})

	assert.Len(t, publisher.userPushes, 1)
	assert.Len(t, publisher.broadcasts, 1)
	assert.Contains(t, logs.String(), "notification push failed")
	assert.Contains(t, logs.String(), "refresh push failed")
}

func TestRefreshBroadcastsOnly(t *testing.T) {
	publisher := &fakePublisher{}
	d := NewDispatcher(publisher, "", nil)

	d.Refresh(context.Background(), obj)

	assert.Empty(t, publisher.userPushes)
	assert.Len(t, publisher.broadcasts, 1)
}
