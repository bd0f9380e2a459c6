package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// MaxDocumentIDLength bounds caller-supplied document identifiers.
const MaxDocumentIDLength = 256

var (
	// ErrInvalidRequest reports a missing or malformed document id or payload.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNotFound is returned by DocumentStore.Load when no record exists.
	ErrNotFound = errors.New("document not found")
	// ErrStorageUnavailable wraps any backend read/write failure.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// DefaultContent is the content a document is created with on first access.
var DefaultContent = Content(`{"ops":[{"insert":"\n"}]}`)

type (
	// Content is an opaque JSON blob: a full document snapshot or a delta.
	Content []byte

	// Record is the persisted shape of a document.
	Record struct {
		ID      string          `json:"id"`
		Content json.RawMessage `json:"content"`
	}

	DocumentStore interface {
		// Load returns the persisted content for id or ErrNotFound.
		Load(ctx context.Context, id string) (Content, error)
		// CreateDefault creates id with DefaultContent unless it exists. It
		// returns the stored content and whether this call created it.
		CreateDefault(ctx context.Context, id string) (Content, bool, error)
		// Save replaces the whole content of id.
		Save(ctx context.Context, id string, content Content) error
		Close() error
	}

	// DocumentLister is implemented by stores that can enumerate documents.
	DocumentLister interface {
		List(ctx context.Context) ([]string, error)
	}
)

// ParseContent validates that raw is a present, well-formed JSON value.
func ParseContent(raw []byte) (Content, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, fmt.Errorf("%w: content is required", ErrInvalidRequest)
	}
	if !json.Valid([]byte(trimmed)) {
		return nil, fmt.Errorf("%w: content is not valid JSON", ErrInvalidRequest)
	}
	return Content(trimmed), nil
}

// ContentFromValue encodes a decoded transport payload (maps, slices, ...).
func ContentFromValue(v any) (Content, error) {
	if v == nil {
		return nil, fmt.Errorf("%w: content is required", ErrInvalidRequest)
	}
	if s, ok := v.(string); ok {
		return ParseContent([]byte(s))
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return ParseContent(data)
}

// Value decodes c into generic Go values for transports that re-encode.
func (c Content) Value() (any, error) {
	var v any
	if err := json.Unmarshal(c, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func (c Content) Clone() Content {
	if c == nil {
		return nil
	}
	out := make(Content, len(c))
	copy(out, c)
	return out
}

// ValidateDocumentID rejects ids that are empty or unsafe as storage keys.
func ValidateDocumentID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: Document ID is required", ErrInvalidRequest)
	case len(id) > MaxDocumentIDLength:
		return fmt.Errorf("%w: document id exceeds %d bytes", ErrInvalidRequest, MaxDocumentIDLength)
	case id == "." || id == "..":
		return fmt.Errorf("%w: invalid document id %q", ErrInvalidRequest, id)
	case strings.ContainsAny(id, "/\\\x00"):
		return fmt.Errorf("%w: invalid document id %q", ErrInvalidRequest, id)
	}
	return nil
}

// Unavailable wraps a backend error so callers can match ErrStorageUnavailable.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}

// EncodeRecord produces the persisted JSON shape for stores that keep whole
// records as values.
func EncodeRecord(id string, content Content) ([]byte, error) {
	return json.Marshal(Record{ID: id, Content: json.RawMessage(content)})
}

func DecodeRecord(data []byte) (Content, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return Content(rec.Content), nil
}
