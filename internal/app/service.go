package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"skyportal/api/internal/attachment"
	"skyportal/api/internal/config"
	"skyportal/api/internal/mention"
	"skyportal/api/internal/metrics"
	"skyportal/api/internal/notify"
	"skyportal/api/internal/rbac"
	"skyportal/api/internal/store"
	"skyportal/api/internal/util"
	"skyportal/api/internal/visibility"
)

type CreateCommentInput struct {
	ObjID      string          `json:"obj_id"`
	Text       *string         `json:"text"`
	GroupIDs   []string        `json:"group_ids"`
	Attachment json.RawMessage `json:"attachment"`
}

func (in CreateCommentInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.ObjID, validation.Required.Error("obj_id is required")),
		validation.Field(&in.Text, validation.NotNil.Error("text is required")),
	)
}

// UpdateCommentInput is a partial update. Absent fields keep their current
// value; null clears the attachment fields.
type UpdateCommentInput struct {
	Text            Optional[string]   `json:"text"`
	AttachmentName  Optional[string]   `json:"attachment_name"`
	AttachmentBytes Optional[string]   `json:"attachment_bytes"`
	Attachment      json.RawMessage    `json:"attachment"`
	GroupIDs        Optional[[]string] `json:"group_ids"`
}

// AttachmentFile is a decoded attachment ready to be served.
type AttachmentFile struct {
	CommentID string
	Name      string
	Data      []byte
}

type dataStore interface {
	WithTx(ctx context.Context, fn func(store.Tx) error) error
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	Ping(ctx context.Context) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	blobs    attachment.BlobStore
	notifier *notify.Dispatcher
	logger   *slog.Logger
}

// New wires the comment service. blobs may be nil, in which case attachment
// payloads are stored inline in PostgreSQL.
func New(cfg config.Config, dataStore *store.PostgresStore, blobs attachment.BlobStore, notifier *notify.Dispatcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		blobs:    blobs,
		notifier: notifier,
		logger:   logger,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// CurrentUser loads the user a verified token refers to.
func (s *Service) CurrentUser(ctx context.Context, userID string) (store.User, error) {
	return s.store.GetUserByID(ctx, userID)
}

// CreateComment stores a new comment on an obj together with the mention
// notifications it produces, then announces it to live sessions.
func (s *Service) CreateComment(ctx context.Context, requester store.User, input CreateCommentInput) (commentID string, err error) {
	defer func() { metrics.ObserveMutation("create", err) }()

	if err := input.Validate(); err != nil {
		return "", missingField(err)
	}
	decoded, err := attachment.Decode(input.Attachment, s.cfg.MaxAttachmentBytes)
	if err != nil {
		return "", classify(err)
	}

	commentID = util.NewID("cmt")
	var (
		obj      store.Obj
		notified []store.UserNotification
		uploaded string
	)
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		obj, err = tx.GetObj(ctx, input.ObjID)
		if err != nil {
			return err
		}
		groups, err := visibility.Resolve(ctx, tx, input.GroupIDs, requester)
		if err != nil {
			return err
		}
		mentioned, err := mention.Resolve(ctx, tx, *input.Text)
		if err != nil {
			return err
		}

		comment := store.Comment{
			ID:       commentID,
			Text:     *input.Text,
			ObjID:    obj.ID,
			AuthorID: requester.ID,
			Groups:   groups,
		}
		if decoded != nil {
			name := decoded.Name
			comment.AttachmentName = &name
			if uploaded, err = s.placePayload(ctx, &comment, decoded.Payload); err != nil {
				return err
			}
		}
		if err := tx.InsertComment(ctx, comment); err != nil {
			return err
		}
		notified, err = s.notifier.Record(ctx, tx, requester, obj, mentioned)
		return err
	})
	if err != nil {
		s.discardBlob(ctx, uploaded)
		return "", s.fail(ctx, "create comment", err)
	}

	s.notifier.Announce(ctx, obj, notified)
	return commentID, nil
}

func (s *Service) GetComment(ctx context.Context, requester store.User, commentID string) (store.Comment, error) {
	var comment store.Comment
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		comment, err = tx.GetCommentIfAccessible(ctx, commentID, requester, rbac.ModeRead)
		return err
	})
	if err != nil {
		return store.Comment{}, s.fail(ctx, "get comment", err)
	}
	return comment, nil
}

// ListComments returns the comments on an obj the requester can read, oldest
// first.
func (s *Service) ListComments(ctx context.Context, requester store.User, objID string) ([]store.Comment, error) {
	var comments []store.Comment
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetObj(ctx, objID); err != nil {
			return err
		}
		var err error
		comments, err = tx.ListCommentsForObj(ctx, objID, requester)
		return err
	})
	if err != nil {
		return nil, s.fail(ctx, "list comments", err)
	}
	if comments == nil {
		comments = []store.Comment{}
	}
	return comments, nil
}

// UpdateComment applies a partial update. The attachment pairing and the
// visibility set are validated against the resulting comment before anything
// is written.
func (s *Service) UpdateComment(ctx context.Context, requester store.User, commentID string, input UpdateCommentInput) (err error) {
	defer func() { metrics.ObserveMutation("update", err) }()

	var (
		obj      store.Obj
		uploaded string
		replaced string
	)
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		current, err := tx.GetCommentIfAccessible(ctx, commentID, requester, rbac.ModeUpdate)
		if err != nil {
			return err
		}
		next, change, err := applyUpdate(current, input, s.cfg.MaxAttachmentBytes)
		if err != nil {
			return err
		}
		if err := attachment.CheckConsistency(next.AttachmentName, next.HasAttachmentPayload()); err != nil {
			return err
		}

		var groupIDs []string
		if input.GroupIDs.Set {
			groups, err := visibility.Resolve(ctx, tx, input.GroupIDs.Value, requester)
			if err != nil {
				return err
			}
			next.Groups = groups
			groupIDs = next.GroupIDs()
		}

		obj, err = tx.GetObj(ctx, current.ObjID)
		if err != nil {
			return err
		}

		if change.set {
			if current.AttachmentKey != nil {
				replaced = *current.AttachmentKey
			}
			if change.payload != nil {
				if uploaded, err = s.placePayload(ctx, &next, change.payload); err != nil {
					return err
				}
			}
		}

		if err := tx.UpdateComment(ctx, next); err != nil {
			return err
		}
		if groupIDs != nil {
			return tx.SetCommentGroups(ctx, next.ID, groupIDs)
		}
		return nil
	})
	if err != nil {
		s.discardBlob(ctx, uploaded)
		return s.fail(ctx, "update comment", err)
	}

	s.discardBlob(ctx, replaced)
	s.notifier.Refresh(ctx, obj)
	return nil
}

// DeleteComment removes a comment permanently. Notifications already created
// for its mentions are kept.
func (s *Service) DeleteComment(ctx context.Context, requester store.User, commentID string) (err error) {
	defer func() { metrics.ObserveMutation("delete", err) }()

	var (
		obj     store.Obj
		blobKey string
	)
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		comment, err := tx.GetCommentIfAccessible(ctx, commentID, requester, rbac.ModeDelete)
		if err != nil {
			return err
		}
		obj, err = tx.GetObj(ctx, comment.ObjID)
		if err != nil {
			return err
		}
		if comment.AttachmentKey != nil {
			blobKey = *comment.AttachmentKey
		}
		return tx.DeleteComment(ctx, comment.ID)
	})
	if err != nil {
		return s.fail(ctx, "delete comment", err)
	}

	s.discardBlob(ctx, blobKey)
	s.notifier.Refresh(ctx, obj)
	return nil
}

// GetAttachment returns the decoded attachment of a readable comment.
func (s *Service) GetAttachment(ctx context.Context, requester store.User, commentID string) (AttachmentFile, error) {
	comment, err := s.GetComment(ctx, requester, commentID)
	if err != nil {
		return AttachmentFile{}, err
	}
	if comment.AttachmentName == nil || !comment.HasAttachmentPayload() {
		return AttachmentFile{}, domainError(http.StatusNotFound, CodeNoAttachment, "Comment has no attachment", nil)
	}

	stored := comment.AttachmentBytes
	if comment.AttachmentKey != nil {
		if s.blobs == nil {
			return AttachmentFile{}, s.fail(ctx, "get attachment", errBlobStoreDisabled)
		}
		stored, err = s.blobs.Get(ctx, *comment.AttachmentKey)
		if err != nil {
			return AttachmentFile{}, s.fail(ctx, "get attachment", err)
		}
	}

	data, err := attachment.DecodePayload(stored)
	if err != nil {
		return AttachmentFile{}, s.fail(ctx, "decode attachment", err)
	}
	return AttachmentFile{CommentID: comment.ID, Name: *comment.AttachmentName, Data: data}, nil
}

// placePayload stores payload on comment, in the blob store when one is
// configured. It returns the uploaded key, if any.
func (s *Service) placePayload(ctx context.Context, comment *store.Comment, payload []byte) (string, error) {
	if s.blobs == nil {
		comment.AttachmentBytes = payload
		return "", nil
	}
	key := attachment.ObjectKey(comment.ID)
	if err := s.blobs.Put(ctx, key, payload); err != nil {
		return "", err
	}
	comment.AttachmentKey = &key
	comment.AttachmentBytes = nil
	return key, nil
}

func (s *Service) discardBlob(ctx context.Context, key string) {
	if key == "" || s.blobs == nil {
		return
	}
	if err := s.blobs.Delete(context.WithoutCancel(ctx), key); err != nil {
		s.logger.WarnContext(ctx, "attachment blob cleanup failed", "key", key, "error", err)
	}
}

// fail classifies err and logs failures that are not the caller's fault.
func (s *Service) fail(ctx context.Context, op string, err error) error {
	domainErr := classify(err)
	if domainErr.Status >= http.StatusInternalServerError {
		s.logger.ErrorContext(ctx, op+" failed", "error", err)
	}
	return domainErr
}
