package mention

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skyportal/api/internal/store"
)

type fakeDirectory struct {
	users   []store.User
	err     error
	calls   int
	queried []string
}

func (f *fakeDirectory) UsersByUsernames(_ context.Context, usernames []string) ([]store.User, error) {
	f.calls++
	f.queried = usernames
	if f.err != nil {
		return nil, f.err
	}
	wanted := map[string]bool{}
	for _, name := range usernames {
		wanted[name] = true
	}
	var out []store.User
	for _, user := range f.users {
		if wanted[user.Username] {
			out = append(out, user)
		}
	}
	return out, nil
}

func TestUsernames(t *testing.T) {
	cases := []struct {
		name string
		text string
		want []string
	}{
		{name: "comma separated", text: "hello @alice, @bob and @nobody", want: []string{"alice", "bob", "nobody"}},
		{name: "hyphen kept", text: "cc @jane-doe", want: []string{"jane-doe"}},
		{name: "surrounding punctuation", text: "thanks @alice! (@bob)", want: []string{"alice", "bob"}},
		{name: "comma without space", text: "@alice,@bob", want: []string{"alice", "bob"}},
		{name: "duplicate", text: "@alice @alice. @alice?", want: []string{"alice"}},
		{name: "inner at removed", text: "@al@ice", want: []string{"alice"}},
		{name: "email is not a mention", text: "mail alice@example.org", want: []string{}},
		{name: "bare at", text: "look @ this", want: []string{}},
		{name: "newlines and tabs", text: "@alice\n\t@bob", want: []string{"alice", "bob"}},
		{name: "empty", text: "", want: []string{}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Usernames(tc.text))
		})
	}
}

func TestUsernamesIdempotent(t *testing.T) {
	text := "ping @bob, @alice; @carol-x and @bob"
	first := Usernames(text)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, Usernames(text))
	}
}

func TestResolveDropsUnknownUsers(t *testing.T) {
	dir := &fakeDirectory{users: []store.User{
		{ID: "u1", Username: "alice"},
		{ID: "u2", Username: "bob"},
	}}

	users, err := Resolve(context.Background(), dir, "hello @alice, @bob and @nobody")
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.ElementsMatch(t, []string{"u1", "u2"}, []string{users[0].ID, users[1].ID})
	assert.Equal(t, []string{"alice", "bob", "nobody"}, dir.queried)
}

func TestResolveHyphenatedUsername(t *testing.T) {
	dir := &fakeDirectory{users: []store.User{{ID: "u3", Username: "jane-doe"}}}

	users, err := Resolve(context.Background(), dir, "cc @jane-doe")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "jane-doe", users[0].Username)
}

func TestResolveSkipsDirectoryWithoutCandidates(t *testing.T) {
	dir := &fakeDirectory{}

	users, err := Resolve(context.Background(), dir, "no mentions here")
	require.NoError(t, err)
	assert.Empty(t, users)
	assert.Zero(t, dir.calls)
}

func TestResolvePropagatesDirectoryError(t *testing.T) {
	dir := &fakeDirectory{err: errors.New("db down")}

	_, err := Resolve(context.Background(), dir, "@alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resolve mentions")
}
