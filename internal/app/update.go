package app

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"skyportal/api/internal/attachment"
	"skyportal/api/internal/store"
)

var errBlobStoreDisabled = errors.New("attachment is offloaded but no blob store is configured")

// Optional distinguishes an absent JSON field from an explicit null.
type Optional[T any] struct {
	Set   bool
	Null  bool
	Value T
}

func (o *Optional[T]) UnmarshalJSON(data []byte) error {
	o.Set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		o.Null = true
		return nil
	}
	return json.Unmarshal(data, &o.Value)
}

// payloadChange describes a replaced attachment payload. A set change with a
// nil payload removes it.
type payloadChange struct {
	set     bool
	payload []byte
}

// applyUpdate returns current with the fields of input applied. Attachment
// fields given individually take precedence over the attachment object.
func applyUpdate(current store.Comment, input UpdateCommentInput, limit int) (store.Comment, payloadChange, error) {
	next := current
	var change payloadChange

	if input.Text.Set {
		if input.Text.Null {
			return store.Comment{}, payloadChange{}, missingField(errors.New("text must not be null"))
		}
		next.Text = input.Text.Value
	}

	if raw := bytes.TrimSpace(input.Attachment); len(raw) > 0 {
		if bytes.Equal(raw, []byte("null")) {
			next.AttachmentName = nil
			change = payloadChange{set: true}
		} else {
			decoded, err := attachment.Decode(raw, limit)
			if err != nil {
				return store.Comment{}, payloadChange{}, err
			}
			name := decoded.Name
			next.AttachmentName = &name
			change = payloadChange{set: true, payload: decoded.Payload}
		}
	}

	if input.AttachmentName.Set {
		if input.AttachmentName.Null {
			next.AttachmentName = nil
		} else {
			name := input.AttachmentName.Value
			next.AttachmentName = &name
		}
	}

	if input.AttachmentBytes.Set {
		if input.AttachmentBytes.Null {
			change = payloadChange{set: true}
		} else {
			payload := attachment.StripDataURL(input.AttachmentBytes.Value)
			if limit > 0 && len(payload) > limit {
				return store.Comment{}, payloadChange{}, fmt.Errorf("%w: %d bytes exceeds %d", attachment.ErrTooLarge, len(payload), limit)
			}
			change = payloadChange{set: true, payload: payload}
		}
	}

	if change.set {
		next.AttachmentBytes = change.payload
		next.AttachmentKey = nil
	}
	return next, change, nil
}
