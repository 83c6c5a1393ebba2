// Package event defines the JSON envelopes exchanged over the socket.
// The set of event types is closed: unknown tags are rejected at decode
// time instead of falling through silently.
package event

import (
	"encoding/json"
	"fmt"

	"chat-hub/domain"
)

type Type string

const (
	TypeAuth           Type = "auth"
	TypeJoinPublic     Type = "join_public"
	TypeJoinPrivate    Type = "join_private"
	TypePublicMessage  Type = "public_message"
	TypePrivateMessage Type = "private_message"
	TypeRead           Type = "read"
	TypeTyping         Type = "typing"
	TypeCallOffer      Type = "video_call_offer"
	TypeCallAnswer     Type = "video_call_answer"
	TypeCallIce        Type = "video_call_ice"
	TypeCallEnd        Type = "video_call_end"
	TypeCallDecline    Type = "video_call_decline"

	TypeAuthOK       Type = "auth_ok"
	TypeAuthError    Type = "auth_error"
	TypeCaptchaError Type = "captcha_error"
	TypeReadReceipt  Type = "read_receipt"
)

var inboundTypes = map[Type]struct{}{
	TypeAuth:           {},
	TypeJoinPublic:     {},
	TypeJoinPrivate:    {},
	TypePublicMessage:  {},
	TypePrivateMessage: {},
	TypeRead:           {},
	TypeTyping:         {},
	TypeCallOffer:      {},
	TypeCallAnswer:     {},
	TypeCallIce:        {},
	TypeCallEnd:        {},
	TypeCallDecline:    {},
}

// Inbound is the client-to-hub event envelope. One flat struct carries
// the union of fields; the handler for each type reads only its own.
type Inbound struct {
	Type        Type               `json:"type"`
	Token       string             `json:"token,omitempty"`
	RoomID      string             `json:"roomId,omitempty"`
	Content     string             `json:"content,omitempty"`
	Attachment  *domain.Attachment `json:"attachment,omitempty"`
	CaptchaID   string             `json:"captchaId,omitempty"`
	CaptchaCode string             `json:"captchaCode,omitempty"`
	GuestName   string             `json:"guestName,omitempty"`
	Scope       string             `json:"scope,omitempty"`
	IsTyping    bool               `json:"isTyping,omitempty"`
	Signal      json.RawMessage    `json:"signal,omitempty"`
}

// Decode parses a raw socket frame. A frame that is not JSON, or whose
// tag is outside the closed inbound set, is rejected.
func Decode(raw []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return Inbound{}, fmt.Errorf("malformed frame: %w", err)
	}
	if _, known := inboundTypes[in.Type]; !known {
		return Inbound{}, fmt.Errorf("unknown event type %q", in.Type)
	}
	return in, nil
}

// MessageView is the decrypted, client-facing shape of a stored message.
// Private envelopes never leave the hub; members receive this view.
type MessageView struct {
	ID         string             `json:"id"`
	Username   string             `json:"username"`
	Content    string             `json:"content"`
	Attachment *domain.Attachment `json:"attachment,omitempty"`
	Guest      bool               `json:"guest,omitempty"`
	CreatedAt  string             `json:"createdAt"`
	Status     string             `json:"status,omitempty"`
}

// Outbound is the hub-to-client event envelope.
type Outbound struct {
	Type     Type             `json:"type"`
	User     *domain.Identity `json:"user,omitempty"`
	Message  *MessageView     `json:"message,omitempty"`
	RoomID   string           `json:"roomId,omitempty"`
	ReaderID string           `json:"readerId,omitempty"`
	Scope    string           `json:"scope,omitempty"`
	Username string           `json:"username,omitempty"`
	IsTyping bool             `json:"isTyping,omitempty"`
	FromID   string           `json:"fromId,omitempty"`
	Signal   json.RawMessage  `json:"signal,omitempty"`
	Error    string           `json:"error,omitempty"`
}

func AuthOK(user domain.Identity) Outbound {
	return Outbound{Type: TypeAuthOK, User: &user}
}

func AuthError() Outbound {
	return Outbound{Type: TypeAuthError}
}

func CaptchaError(msg string) Outbound {
	return Outbound{Type: TypeCaptchaError, Error: msg}
}

func PublicMessage(view MessageView) Outbound {
	return Outbound{Type: TypePublicMessage, Message: &view}
}

func PrivateMessage(roomID string, view MessageView) Outbound {
	return Outbound{Type: TypePrivateMessage, RoomID: roomID, Message: &view}
}

func ReadReceipt(roomID, readerID string) Outbound {
	return Outbound{Type: TypeReadReceipt, RoomID: roomID, ReaderID: readerID}
}

func Typing(scope, roomID, username string, isTyping bool) Outbound {
	return Outbound{Type: TypeTyping, Scope: scope, RoomID: roomID, Username: username, IsTyping: isTyping}
}

// CallSignal maps a relayed signal back onto its wire tag.
func CallSignal(kind domain.CallSignalKind, roomID, fromID string, body json.RawMessage) Outbound {
	var t Type
	switch kind {
	case domain.CallOffer:
		t = TypeCallOffer
	case domain.CallAnswer:
		t = TypeCallAnswer
	case domain.CallIce:
		t = TypeCallIce
	case domain.CallDecline:
		t = TypeCallDecline
	case domain.CallEnd:
		t = TypeCallEnd
	}
	return Outbound{Type: t, RoomID: roomID, FromID: fromID, Signal: body}
}
