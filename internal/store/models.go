package store

import "time"

type User struct {
	ID       string
	Username string
	Role     string
}

type Group struct {
	ID   string
	Name string
}

// Obj is an annotated source. InternalKey addresses the live view of the
// object on connected clients.
type Obj struct {
	ID          string
	InternalKey string
}

type Comment struct {
	ID             string
	Text           string
	ObjID          string
	AuthorID       string
	AuthorUsername string
	// AttachmentName and the payload (AttachmentBytes or AttachmentKey) are
	// either both set or both empty.
	AttachmentName  *string
	AttachmentBytes []byte
	AttachmentKey   *string
	Groups          []Group
	CreatedAt       time.Time
	Modified        time.Time
}

// HasAttachmentPayload reports whether the comment carries stored attachment
// data, inline or offloaded.
func (c Comment) HasAttachmentPayload() bool {
	return c.AttachmentBytes != nil || c.AttachmentKey != nil
}

func (c Comment) GroupIDs() []string {
	ids := make([]string, 0, len(c.Groups))
	for _, group := range c.Groups {
		ids = append(ids, group.ID)
	}
	return ids
}

type UserNotification struct {
	ID        string
	UserID    string
	Text      string
	URL       string
	Viewed    bool
	CreatedAt time.Time
}
