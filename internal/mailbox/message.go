// Package mailbox defines the canonical captured-message record shared by the
// normalizer, the storage drivers and the capture service.
package mailbox

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Version is the schema tag written into every stored record.
const Version = 1

// ErrInvalidID is returned before any storage I/O when a message id contains
// characters that could escape the storage namespace.
var ErrInvalidID = errors.New("invalid message id")

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Address is a single mailbox participant. Name is omitted when empty.
type Address struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// AttachmentMeta is the attachment descriptor embedded in a message record.
// Size and Content are only populated when attachments are stored inline with
// the message instead of in the separate attachment store.
type AttachmentMeta struct {
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Disposition string `json:"disposition,omitempty"`
	ContentID   string `json:"contentId,omitempty"`
	Inline      bool   `json:"inline"`
	Size        int64  `json:"size,omitempty"`
	Content     string `json:"content,omitempty"`
}

// Message is the canonical record for one captured email.
//
// Timestamp is the capture clock in UNIX seconds and the sole sort key.
// SeenAt stays null until the message is acknowledged and is never cleared.
type Message struct {
	ID        string  `json:"id,omitempty"`
	Timestamp int64   `json:"timestamp,omitempty"`
	SeenAt    *string `json:"seen_at"`
	Version   int     `json:"version"`
	SavedAt   string  `json:"saved_at,omitempty"`

	MessageID *string `json:"message_id"`
	Subject   *string `json:"subject"`
	Date      *string `json:"date"`

	From    []Address `json:"from"`
	Sender  *Address  `json:"sender"`
	To      []Address `json:"to"`
	Cc      []Address `json:"cc"`
	Bcc     []Address `json:"bcc"`
	ReplyTo []Address `json:"reply_to"`

	Text *string `json:"text"`
	HTML *string `json:"html"`

	Headers     map[string][]string `json:"headers,omitempty"`
	Attachments []AttachmentMeta    `json:"attachments,omitempty"`

	Raw *string `json:"raw,omitempty"`
}

// AttachmentData is a decoded attachment blob handed from the normalizer to
// the attachment store. Content is base64 of the decoded part body.
type AttachmentData struct {
	Filename string
	MimeType string
	Size     int64
	Content  string
	CID      string
	Inline   bool
}

// ValidID reports whether id is safe to use as a storage key. The charset is
// restricted so an id can never contain path separators, traversal sequences
// or null bytes.
func ValidID(id string) bool {
	return id != "" && idPattern.MatchString(id)
}

// NewID derives an opaque, filesystem-safe message id from the payload
// content, the capture timestamp and a random salt. The same scheme is used
// by every storage driver.
func NewID(msg Message, timestamp int64) string {
	encoded, _ := json.Marshal(msg)
	sum := sha1.Sum(fmt.Appendf(encoded, "%d%s", timestamp, uuid.NewString()))
	return fmt.Sprintf("email_%d_%s", timestamp, hex.EncodeToString(sum[:])[:32])
}

// Merge applies partial changes on top of an existing record and returns the
// result. Changes use the record's JSON field names and overwrite fields
// shallowly; fields absent from changes keep their current value.
func Merge(msg Message, changes map[string]any) (Message, error) {
	encoded, err := json.Marshal(msg)
	if err != nil {
		return Message{}, fmt.Errorf("encode message: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(encoded, &fields); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	for key, value := range changes {
		fields[key] = value
	}
	merged, err := json.Marshal(fields)
	if err != nil {
		return Message{}, fmt.Errorf("encode merged message: %w", err)
	}
	var out Message
	if err := json.Unmarshal(merged, &out); err != nil {
		return Message{}, fmt.Errorf("decode merged message: %w", err)
	}
	return out, nil
}

// ISOTime formats t the way seen_at and saved_at are stored.
func ISOTime(t time.Time) string {
	return t.Format(time.RFC3339)
}
