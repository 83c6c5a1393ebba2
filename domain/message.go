package domain

import (
	"time"

	"github.com/google/uuid"
)

// Attachment is the blob store descriptor carried alongside a message.
// The raw bytes never flow through the hub; only this reference does.
type Attachment struct {
	URL  string `json:"url"`
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

// Envelope is the AEAD output stored in place of private plaintext.
// Opaque to every component except the envelope codec.
type Envelope struct {
	IV   string `json:"iv"`
	Tag  string `json:"tag"`
	Data string `json:"data"`
}

// Message is a persisted chat event. Public messages carry plaintext
// content; private messages carry only the encrypted envelope.
type Message struct {
	ID         uuid.UUID
	RoomID     string
	Kind       RoomKind
	Sender     string // display name at posting time
	SenderID   string // empty for guests
	Guest      bool
	Content    string
	Attachment *Attachment
	Encrypted  *Envelope
	ReadBy     []string // private rooms only, grows monotonically
	CreatedAt  time.Time
}

// HasRead reports whether userID is already in the readBy set.
func (m Message) HasRead(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}
