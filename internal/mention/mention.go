// Package mention extracts @username references from comment text.
package mention

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"skyportal/api/internal/store"
)

// strippable is ASCII punctuation without '-' and '@'.
const strippable = "!\"#$%&'()*+,./:;<=>?[\\]^_`{|}~"

// Directory resolves usernames to existing users.
type Directory interface {
	UsersByUsernames(ctx context.Context, usernames []string) ([]store.User, error)
}

// Usernames returns the distinct candidate usernames referenced in text,
// sorted. Commas separate tokens like whitespace. Each token is trimmed of
// surrounding ASCII punctuation other than '-' and '@'; a token starting with
// '@' names a user, with every '@' removed.
func Usernames(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})

	seen := make(map[string]struct{})
	for _, field := range fields {
		token := strings.Trim(field, strippable)
		if !strings.HasPrefix(token, "@") {
			continue
		}
		name := strings.ReplaceAll(token, "@", "")
		if name == "" {
			continue
		}
		seen[name] = struct{}{}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the users mentioned in text. Candidates with no matching
// user are dropped.
func Resolve(ctx context.Context, dir Directory, text string) ([]store.User, error) {
	names := Usernames(text)
	if len(names) == 0 {
		return nil, nil
	}
	users, err := dir.UsersByUsernames(ctx, names)
	if err != nil {
		return nil, fmt.Errorf("resolve mentions: %w", err)
	}

	wanted := make(map[string]struct{}, len(names))
	for _, name := range names {
		wanted[name] = struct{}{}
	}
	resolved := make([]store.User, 0, len(users))
	seen := make(map[string]struct{}, len(users))
	for _, user := range users {
		if _, ok := wanted[user.Username]; !ok {
			continue
		}
		if _, dup := seen[user.ID]; dup {
			continue
		}
		seen[user.ID] = struct{}{}
		resolved = append(resolved, user)
	}
	return resolved, nil
}
