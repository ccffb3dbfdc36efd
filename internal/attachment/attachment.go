// Package attachment validates attachment payloads sent with comments and
// decodes stored payloads for download.
//
// Payloads are kept as their base64 text on write; decoding to raw bytes
// happens only on read.
package attachment

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"strings"
	"unicode/utf8"
)

const dataURLMarker = "base64,"

var (
	ErrMalformed    = errors.New("malformed comment attachment")
	ErrTooLarge     = errors.New("comment attachment too large")
	ErrInconsistent = errors.New("attachment name and bytes must both be set or both be null")
	ErrNotText      = errors.New("attachment is not valid UTF-8 text")
)

// Attachment is a decoded client payload. Payload holds base64 text.
type Attachment struct {
	Name    string
	Payload []byte
}

// Decode parses the attachment field of a comment request. An absent or null
// field yields a nil attachment. Anything else must be an object with string
// body and name members. limit caps the stored payload size; zero disables
// the check.
func Decode(raw json.RawMessage, limit int) (*Attachment, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil || fields == nil {
		return nil, ErrMalformed
	}
	var body, name string
	if err := decodeString(fields, "body", &body); err != nil {
		return nil, err
	}
	if err := decodeString(fields, "name", &name); err != nil {
		return nil, err
	}

	payload := StripDataURL(body)
	if limit > 0 && len(payload) > limit {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, len(payload), limit)
	}
	return &Attachment{Name: name, Payload: payload}, nil
}

func decodeString(fields map[string]json.RawMessage, key string, target *string) error {
	value, ok := fields[key]
	if !ok {
		return ErrMalformed
	}
	if err := json.Unmarshal(value, target); err != nil {
		return ErrMalformed
	}
	if bytes.Equal(bytes.TrimSpace(value), []byte("null")) {
		return ErrMalformed
	}
	return nil
}

// StripDataURL drops a data URL header such as "data:text/plain;base64,",
// keeping what follows the last "base64," marker.
func StripDataURL(body string) []byte {
	if idx := strings.LastIndex(body, dataURLMarker); idx >= 0 {
		body = body[idx+len(dataURLMarker):]
	}
	return []byte(body)
}

// CheckConsistency enforces that an attachment name and its payload are
// either both present or both absent.
func CheckConsistency(name *string, hasPayload bool) error {
	if (name != nil) != hasPayload {
		return ErrInconsistent
	}
	return nil
}

// DecodePayload turns stored base64 text into the original bytes.
func DecodePayload(stored []byte) ([]byte, error) {
	raw := make([]byte, base64.StdEncoding.DecodedLen(len(stored)))
	n, err := base64.StdEncoding.Decode(raw, stored)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return raw[:n], nil
}

// Inline returns raw as text for embedding in a JSON response.
func Inline(raw []byte) (string, error) {
	if !utf8.Valid(raw) {
		return "", ErrNotText
	}
	return string(raw), nil
}

// ContentDisposition builds the download header for a file name.
func ContentDisposition(name string) string {
	if header := mime.FormatMediaType("attachment", map[string]string{"filename": name}); header != "" {
		return header
	}
	return "attachment"
}
