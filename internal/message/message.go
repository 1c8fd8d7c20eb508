package message

// This file provides the common data objects used by the rest of the
// program.

import (
	"strings"
	"time"
)

// Account names one of the two owner mailboxes served by this program.
type Account string

const (
	AccountMe      Account = "me"
	AccountNoreply Account = "noreply"
)

// Valid reports whether a is one of the known accounts.
func (a Account) Valid() bool {
	return a == AccountMe || a == AccountNoreply
}

// Direction records whether a message was received or sent by the owner.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Well known GMail system label identifiers.
const (
	LabelInbox = "INBOX"
	LabelSent  = "SENT"
	LabelDraft = "DRAFT"
)

// ID defines the properties that uniquely identify a message.
type ID struct {
	// The permanent and unique ID of a message in a storage
	// system.
	PermID string

	// The permanent and unique ID of a thread associated with the
	// message.
	ThreadID string
}

// Page is one page of message identifiers returned by a list call.
type Page struct {
	IDs []ID

	// Continuation token for the next page.  Empty when the listing
	// is exhausted.
	NextPageToken string
}

// Header is a single message header.  Names compare case-insensitively
// and may repeat.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered list of message headers.
type Headers []Header

// Get returns the value of the first header named name.
func (h Headers) Get(name string) (string, bool) {
	for _, hdr := range h {
		if strings.EqualFold(hdr.Name, name) {
			return hdr.Value, true
		}
	}
	return "", false
}

// Value is like Get but returns "" when the header is absent.
func (h Headers) Value(name string) string {
	v, _ := h.Get(name)
	return v
}

// Part is a node of a message's MIME tree.  A container has Parts; a
// leaf carries either inline Data or a provider AttachmentID.
type Part struct {
	MimeType string
	Filename string
	Headers  Headers

	// Base64url encoded content, as delivered by the GMail API.
	Data         string
	AttachmentID string
	Size         int64

	Parts []*Part
}

// IsContainer reports whether p holds child parts.
func (p *Part) IsContainer() bool {
	return len(p.Parts) > 0
}

// Remote is a message as known by the mailbox provider.  It is never
// modified by this program.
type Remote struct {
	ID

	// The current set of label identifiers associated with the
	// message.  These identifiers are not the user visible label
	// names!
	LabelIDs []string

	// Milliseconds since the epoch at which the provider received
	// the message.
	InternalDateMs int64

	Headers Headers
	Payload *Part
	Snippet string
}

// HasLabel reports whether the message carries the given label id.
func (m *Remote) HasLabel(label string) bool {
	for _, l := range m.LabelIDs {
		if l == label {
			return true
		}
	}
	return false
}

// InternalDate returns the provider receive time, or the zero time if
// unknown.
func (m *Remote) InternalDate() time.Time {
	if m.InternalDateMs <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(m.InternalDateMs).UTC()
}

// Attachment describes one attachment of a stored message.  Synced mail
// references provider content by AttachmentID; locally composed mail
// keeps its base64 content inline under a LocalID.
type Attachment struct {
	Filename      string `json:"filename"`
	MimeType      string `json:"mimeType"`
	Size          int64  `json:"size"`
	AttachmentID  string `json:"attachmentId,omitempty"`
	ContentBase64 string `json:"contentBase64,omitempty"`
	LocalID       string `json:"localId,omitempty"`
}

// Flags holds the owner-controlled message state.
type Flags struct {
	IsDraft    bool
	IsRead     bool
	IsStarred  bool
	IsTrashed  bool
	IsArchived bool
}

// Record is the locally persisted projection of a message.
type Record struct {
	// Local primary key, assigned by the store.
	ID int64

	// Unique key.  The provider message id, or a synthesized
	// "rfc822:<message-id>" for ingested mail.
	GmailMessageID string
	GmailThreadID  string

	Account   Account
	Direction Direction

	From string
	To   []string
	Cc   []string
	Bcc  []string

	Subject  string
	Snippet  string
	BodyText *string
	BodyHTML *string

	LabelIDs     []string
	InternalDate time.Time

	Flags
	Attachments []Attachment
}

// Cursor status values.
const (
	CursorPartial  = "partial"
	CursorComplete = "complete"
)

// Cursor records synchronization progress within one partition.
type Cursor struct {
	// Partition key, e.g. "me_inbox".
	Partition string

	// Opaque provider continuation token.  Empty means "start of
	// partition"; Status tells a finished listing apart from one
	// that was cut short.
	NextPageToken string
	Status        string
	UpdatedAt     time.Time
}
