package models

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// MaxTextLength is the longest accepted text body, counted in characters.
const MaxTextLength = 1000

// ProvisionalIDPrefix marks client-local IDs of messages not yet confirmed by the log.
const ProvisionalIDPrefix = "local-"

// Status is the read state of a message.
type Status string

const (
	// StatusSent is the initial state of every committed message.
	StatusSent Status = "sent"
	// StatusRead is set by the recipient once the message was displayed.
	StatusRead Status = "read"
)

// Valid reports whether the status is a known value.
func (s Status) Valid() bool {
	return s == StatusSent || s == StatusRead
}

// CanAdvanceTo reports whether moving from s to next is allowed.
// Status only moves forward; staying in place is allowed.
func (s Status) CanAdvanceTo(next Status) bool {
	switch s {
	case StatusSent:
		return next == StatusSent || next == StatusRead
	case StatusRead:
		return next == StatusRead
	default:
		return false
	}
}

// KindTag names the variant of a message kind.
type KindTag string

const (
	KindText  KindTag = "text"
	KindMedia KindTag = "file"
	KindVoice KindTag = "voice"
)

// Kind is the content of a message: Text, Media or Voice. Each variant
// carries only its own required fields.
type Kind interface {
	Tag() KindTag
	Validate() error
}

// Text is a plain text message body.
type Text struct {
	Body string
}

// Tag implements Kind.
func (Text) Tag() KindTag { return KindText }

// Validate implements Kind.
func (t Text) Validate() error {
	return ValidateTextBody(t.Body)
}

// ValidateTextBody checks a text body after trimming surrounding whitespace.
func ValidateTextBody(body string) error {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return fmt.Errorf("%w: message text is empty", ErrValidation)
	}
	if n := len([]rune(trimmed)); n > MaxTextLength {
		return fmt.Errorf("%w: message text has %d characters, limit is %d", ErrValidation, n, MaxTextLength)
	}
	return nil
}

// Message is one unit of the shared log. Everything except Status is
// fixed once the message is created.
type Message struct {
	ID          string
	Sender      Identity
	Kind        Kind
	CreatedAt   time.Time
	Status      Status
	Provisional bool
}

// Validate checks the fields every committed message must carry.
func (m Message) Validate() error {
	if !m.Sender.Valid() {
		return fmt.Errorf("%w: invalid sender %q", ErrValidation, m.Sender)
	}
	if m.Kind == nil {
		return fmt.Errorf("%w: message kind is required", ErrValidation)
	}
	if !m.Status.Valid() {
		return fmt.Errorf("%w: invalid status %q", ErrValidation, m.Status)
	}
	return m.Kind.Validate()
}

// IsFrom reports whether the message was authored by id.
func (m Message) IsFrom(id Identity) bool {
	return m.Sender == id
}

// Less orders messages by (CreatedAt, ID).
func Less(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// SortMessages sorts in place by (CreatedAt, ID), ascending.
func SortMessages(messages []Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		return Less(messages[i], messages[j])
	})
}

// IsProvisionalID reports whether id was assigned locally before commit.
func IsProvisionalID(id string) bool {
	return strings.HasPrefix(id, ProvisionalIDPrefix)
}

// ErrInvalidKind is returned when a stored kind tag cannot be decoded.
var ErrInvalidKind = errors.New("invalid message kind")
