package app

import (
	"errors"
	"fmt"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"skyportal/api/internal/attachment"
	"skyportal/api/internal/store"
	"skyportal/api/internal/visibility"
)

const (
	CodeMissingField          = "MISSING_FIELD"
	CodeMalformedAttachment   = "MALFORMED_ATTACHMENT"
	CodeAttachmentConsistency = "ATTACHMENT_CONSISTENCY"
	CodeAccessDenied          = "ACCESS_DENIED"
	CodeNotFoundOrForbidden   = "NOT_FOUND_OR_FORBIDDEN"
	CodeStoreError            = "STORE_ERROR"
	CodeNoAttachment          = "NO_ATTACHMENT"
	CodeAttachmentNotText     = "ATTACHMENT_NOT_TEXT"
)

const inconsistentAttachmentMessage = "This update leaves one of attachment name or attachment bytes null. " +
	"Both fields must be filled, or both must be null."

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
	cause   error
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.cause
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func missingField(err error) *DomainError {
	var details any
	var fieldErrs validation.Errors
	if errors.As(err, &fieldErrs) {
		fields := make(map[string]string, len(fieldErrs))
		for field, fieldErr := range fieldErrs {
			fields[field] = fieldErr.Error()
		}
		details = fields
	}
	return &DomainError{
		Status:  http.StatusUnprocessableEntity,
		Code:    CodeMissingField,
		Message: "Missing required field",
		Details: details,
		cause:   err,
	}
}

func notFoundOrForbidden() *DomainError {
	return domainError(http.StatusNotFound, CodeNotFoundOrForbidden, "Not found or not accessible", nil)
}

// classify converts errors from the store, codec and resolver packages into
// the API error taxonomy. Unknown errors become store failures without
// exposing their text.
func classify(err error) *DomainError {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}

	var denied *visibility.DeniedError
	switch {
	case errors.Is(err, store.ErrNotFound):
		return notFoundOrForbidden()
	case errors.As(err, &denied):
		return &DomainError{
			Status:  http.StatusForbidden,
			Code:    CodeAccessDenied,
			Message: "Insufficient permissions for requested groups",
			Details: map[string]any{"group_ids": denied.GroupIDs},
			cause:   err,
		}
	case errors.Is(err, visibility.ErrNoGroups):
		return &DomainError{Status: http.StatusForbidden, Code: CodeAccessDenied, Message: "No accessible groups to share with", cause: err}
	case errors.Is(err, attachment.ErrTooLarge):
		return &DomainError{Status: http.StatusBadRequest, Code: CodeMalformedAttachment, Message: "Comment attachment too large", cause: err}
	case errors.Is(err, attachment.ErrMalformed):
		return &DomainError{Status: http.StatusBadRequest, Code: CodeMalformedAttachment, Message: "Malformed comment attachment", cause: err}
	case errors.Is(err, attachment.ErrInconsistent):
		return &DomainError{Status: http.StatusBadRequest, Code: CodeAttachmentConsistency, Message: inconsistentAttachmentMessage, cause: err}
	case errors.Is(err, attachment.ErrNotText):
		return &DomainError{Status: http.StatusUnprocessableEntity, Code: CodeAttachmentNotText, Message: "Attachment is not UTF-8 text; download it instead", cause: err}
	default:
		return &DomainError{Status: http.StatusInternalServerError, Code: CodeStoreError, Message: "Store error", cause: err}
	}
}
