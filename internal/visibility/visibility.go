// Package visibility resolves the groups a comment is shared with.
package visibility

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"skyportal/api/internal/store"
)

var (
	ErrAccessDenied = errors.New("group access denied")
	ErrNoGroups     = errors.New("no accessible groups")
)

// GroupDirectory answers group access questions for a user.
type GroupDirectory interface {
	AccessibleGroups(ctx context.Context, user store.User) ([]store.Group, error)
	GroupsIfAccessible(ctx context.Context, groupIDs []string, user store.User) ([]store.Group, error)
}

// Resolve returns the visibility set for a comment written by requester. An
// empty groupIDs selects every group the requester can access. Otherwise each
// id must be accessible; one inaccessible id rejects the whole request.
func Resolve(ctx context.Context, dir GroupDirectory, groupIDs []string, requester store.User) ([]store.Group, error) {
	ids := normalize(groupIDs)
	if len(ids) == 0 {
		groups, err := dir.AccessibleGroups(ctx, requester)
		if err != nil {
			return nil, fmt.Errorf("load accessible groups: %w", err)
		}
		if len(groups) == 0 {
			return nil, ErrNoGroups
		}
		return groups, nil
	}

	groups, err := dir.GroupsIfAccessible(ctx, ids, requester)
	if err != nil {
		return nil, fmt.Errorf("load requested groups: %w", err)
	}
	granted := make(map[string]struct{}, len(groups))
	for _, group := range groups {
		granted[group.ID] = struct{}{}
	}
	var denied []string
	for _, id := range ids {
		if _, ok := granted[id]; !ok {
			denied = append(denied, id)
		}
	}
	if len(denied) > 0 {
		return nil, &DeniedError{GroupIDs: denied}
	}
	return groups, nil
}

// DeniedError lists requested group ids the requester cannot grant.
type DeniedError struct {
	GroupIDs []string
}

func (e *DeniedError) Error() string {
	return "cannot share with groups " + strings.Join(e.GroupIDs, ", ")
}

func (e *DeniedError) Unwrap() error {
	return ErrAccessDenied
}

func normalize(groupIDs []string) []string {
	seen := make(map[string]struct{}, len(groupIDs))
	ids := make([]string, 0, len(groupIDs))
	for _, id := range groupIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}
