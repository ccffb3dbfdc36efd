package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"time"

	"skyportal/api/internal/attachment"
	"skyportal/api/internal/config"
	"skyportal/api/internal/notify"
	"skyportal/api/internal/rbac"
	"skyportal/api/internal/store"
)

const testSecret = "test-secret"

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// memDB is a copy-on-transaction dataset. WithTx works on a clone and only
// swaps it in when the callback succeeds.
type memDB struct {
	users         map[string]store.User
	groups        map[string]store.Group
	members       map[string]map[string]bool
	objs          map[string]store.Obj
	comments      map[string]store.Comment
	notifications []store.UserNotification
}

func newMemDB() *memDB {
	return &memDB{
		users:    map[string]store.User{},
		groups:   map[string]store.Group{},
		members:  map[string]map[string]bool{},
		objs:     map[string]store.Obj{},
		comments: map[string]store.Comment{},
	}
}

func (m *memDB) clone() *memDB {
	next := newMemDB()
	for k, v := range m.users {
		next.users[k] = v
	}
	for k, v := range m.groups {
		next.groups[k] = v
	}
	for userID, groups := range m.members {
		next.members[userID] = map[string]bool{}
		for groupID := range groups {
			next.members[userID][groupID] = true
		}
	}
	for k, v := range m.objs {
		next.objs[k] = v
	}
	for k, v := range m.comments {
		v.Groups = append([]store.Group(nil), v.Groups...)
		next.comments[k] = v
	}
	next.notifications = append(next.notifications, m.notifications...)
	return next
}

func (m *memDB) addUser(user store.User, groupIDs ...string) store.User {
	m.users[user.ID] = user
	for _, groupID := range groupIDs {
		if _, ok := m.groups[groupID]; !ok {
			m.groups[groupID] = store.Group{ID: groupID, Name: groupID}
		}
		if m.members[user.ID] == nil {
			m.members[user.ID] = map[string]bool{}
		}
		m.members[user.ID][groupID] = true
	}
	return user
}

type fakeStore struct {
	db            *memDB
	getUserByIDFn func(context.Context, string) (store.User, error)
	pingFn        func(context.Context) error
	failOn        map[string]error
	commits       int
	rollbacks     int
}

func newFakeStore() *fakeStore {
	return &fakeStore{db: newMemDB(), failOn: map[string]error{}}
}

func (f *fakeStore) WithTx(_ context.Context, fn func(store.Tx) error) error {
	work := f.db.clone()
	if err := fn(&fakeTx{db: work, failOn: f.failOn}); err != nil {
		f.rollbacks++
		return err
	}
	f.db = work
	f.commits++
	return nil
}

func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, userID)
	}
	user, ok := f.db.users[userID]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return user, nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

type fakeTx struct {
	db     *memDB
	failOn map[string]error
}

func (t *fakeTx) fail(op string) error {
	return t.failOn[op]
}

func (t *fakeTx) isAdmin(user store.User) bool {
	return rbac.Can(rbac.Normalize(user.Role), rbac.ActionAdmin)
}

func (t *fakeTx) canRead(comment store.Comment, user store.User) bool {
	if t.isAdmin(user) {
		return true
	}
	for _, group := range comment.Groups {
		if t.db.members[user.ID][group.ID] {
			return true
		}
	}
	return false
}

func (t *fakeTx) GetObj(_ context.Context, objID string) (store.Obj, error) {
	obj, ok := t.db.objs[objID]
	if !ok {
		return store.Obj{}, store.ErrNotFound
	}
	return obj, nil
}

func (t *fakeTx) GetCommentIfAccessible(_ context.Context, commentID string, user store.User, mode rbac.Mode) (store.Comment, error) {
	comment, ok := t.db.comments[commentID]
	if !ok || !t.canRead(comment, user) {
		return store.Comment{}, store.ErrNotFound
	}
	if mode.Mutates() && !t.isAdmin(user) && comment.AuthorID != user.ID {
		return store.Comment{}, store.ErrNotFound
	}
	comment.AuthorUsername = t.db.users[comment.AuthorID].Username
	return comment, nil
}

func (t *fakeTx) ListCommentsForObj(_ context.Context, objID string, user store.User) ([]store.Comment, error) {
	var out []store.Comment
	for _, comment := range t.db.comments {
		if comment.ObjID == objID && t.canRead(comment, user) {
			out = append(out, comment)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t *fakeTx) AccessibleGroups(_ context.Context, user store.User) ([]store.Group, error) {
	var out []store.Group
	for _, group := range t.db.groups {
		if t.isAdmin(user) || t.db.members[user.ID][group.ID] {
			out = append(out, group)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *fakeTx) GroupsIfAccessible(_ context.Context, groupIDs []string, user store.User) ([]store.Group, error) {
	var out []store.Group
	for _, id := range groupIDs {
		group, ok := t.db.groups[id]
		if ok && (t.isAdmin(user) || t.db.members[user.ID][id]) {
			out = append(out, group)
		}
	}
	return out, nil
}

func (t *fakeTx) UsersByUsernames(_ context.Context, usernames []string) ([]store.User, error) {
	wanted := map[string]bool{}
	for _, name := range usernames {
		wanted[name] = true
	}
	var out []store.User
	for _, user := range t.db.users {
		if wanted[user.Username] {
			out = append(out, user)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (t *fakeTx) InsertComment(_ context.Context, comment store.Comment) error {
	if err := t.fail("InsertComment"); err != nil {
		return err
	}
	if _, ok := t.db.objs[comment.ObjID]; !ok {
		return store.ErrNotFound
	}
	comment.CreatedAt = time.Now()
	comment.Modified = comment.CreatedAt
	t.db.comments[comment.ID] = comment
	return nil
}

func (t *fakeTx) UpdateComment(_ context.Context, comment store.Comment) error {
	if err := t.fail("UpdateComment"); err != nil {
		return err
	}
	current, ok := t.db.comments[comment.ID]
	if !ok {
		return store.ErrNotFound
	}
	current.Text = comment.Text
	current.AttachmentName = comment.AttachmentName
	current.AttachmentBytes = comment.AttachmentBytes
	current.AttachmentKey = comment.AttachmentKey
	current.Modified = time.Now()
	t.db.comments[comment.ID] = current
	return nil
}

func (t *fakeTx) SetCommentGroups(_ context.Context, commentID string, groupIDs []string) error {
	if err := t.fail("SetCommentGroups"); err != nil {
		return err
	}
	comment, ok := t.db.comments[commentID]
	if !ok {
		return store.ErrNotFound
	}
	comment.Groups = nil
	for _, id := range groupIDs {
		comment.Groups = append(comment.Groups, t.db.groups[id])
	}
	t.db.comments[commentID] = comment
	return nil
}

func (t *fakeTx) DeleteComment(_ context.Context, commentID string) error {
	if err := t.fail("DeleteComment"); err != nil {
		return err
	}
	if _, ok := t.db.comments[commentID]; !ok {
		return store.ErrNotFound
	}
	delete(t.db.comments, commentID)
	return nil
}

func (t *fakeTx) InsertNotifications(_ context.Context, notifications []store.UserNotification) error {
	if err := t.fail("InsertNotifications"); err != nil {
		return err
	}
	t.db.notifications = append(t.db.notifications, notifications...)
	return nil
}

type recordedPush struct {
	userID string
	event  string
}

type fakePublisher struct {
	userPushes []recordedPush
	broadcasts []recordedPush
	err        error
}

func (f *fakePublisher) PushToUser(_ context.Context, userID, event string, _ any) error {
	f.userPushes = append(f.userPushes, recordedPush{userID: userID, event: event})
	return f.err
}

func (f *fakePublisher) PushBroadcast(_ context.Context, event string, _ any) error {
	f.broadcasts = append(f.broadcasts, recordedPush{event: event})
	return f.err
}

type fakeBlobs struct {
	objects map[string][]byte
	deleted []string
	putErr  error
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{objects: map[string][]byte{}}
}

func (f *fakeBlobs) Put(_ context.Context, key string, payload []byte) error {
	if f.putErr != nil {
		return f.putErr
	}
	f.objects[key] = append([]byte(nil), payload...)
	return nil
}

func (f *fakeBlobs) Get(_ context.Context, key string) ([]byte, error) {
	payload, ok := f.objects[key]
	if !ok {
		return nil, attachment.ErrBlobNotFound
	}
	return payload, nil
}

func (f *fakeBlobs) Delete(_ context.Context, key string) error {
	f.deleted = append(f.deleted, key)
	delete(f.objects, key)
	return nil
}

var errInjected = errors.New("injected failure")

func newTestService(fs *fakeStore, pub *fakePublisher, blobs attachment.BlobStore) *Service {
	return &Service{
		cfg: config.Config{
			JWTSecret:          testSecret,
			MaxAttachmentBytes: 1 << 20,
		},
		store:    fs,
		blobs:    blobs,
		notifier: notify.NewDispatcher(pub, "", discardLogger),
		logger:   discardLogger,
	}
}
