// Package services orchestrates the persist-then-broadcast pipeline.
// Every inbound event walks the same ladder: authorize, gate, encrypt
// when private, persist, and only then fan out. A failed step aborts the
// pipeline without any partial broadcast.
package services

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chat-hub/captcha"
	"chat-hub/domain"
	"chat-hub/domain/event"
	"chat-hub/envelope"
	"chat-hub/errors"
	"chat-hub/moderation"
	"chat-hub/repositories"
	"chat-hub/runtime"
)

const maxGuestNameLen = 30

// RelayMetrics counts relayed messages. Implementations must be safe
// for concurrent use.
type RelayMetrics interface {
	IncrPublicMessages()
	IncrPrivateMessages()
}

type IRelay interface {
	Bind(conn *runtime.Connection, token string) (domain.Identity, error)
	JoinPublic(conn *runtime.Connection) error
	JoinPrivate(conn *runtime.Connection, roomID string) error
	PublicPost(conn *runtime.Connection, in event.Inbound) error
	PrivatePost(conn *runtime.Connection, in event.Inbound) error
	Read(conn *runtime.Connection, roomID string) error
	Typing(conn *runtime.Connection, in event.Inbound) error
}

type Relay struct {
	log       *slog.Logger
	rooms     repositories.IRoomRepository
	messages  repositories.IMessageRepository
	captcha   *captcha.Store
	codec     *envelope.Codec
	moderator *moderation.Moderator
	registry  *runtime.Registry
	verifier  CredentialVerifier
	metrics   RelayMetrics
}

// CredentialVerifier is the identity provider boundary: it turns an
// opaque bearer credential into a verified identity or fails.
type CredentialVerifier interface {
	Verify(token string) (domain.Identity, error)
}

func NewRelay(
	log *slog.Logger,
	rooms repositories.IRoomRepository,
	messages repositories.IMessageRepository,
	captchaStore *captcha.Store,
	codec *envelope.Codec,
	moderator *moderation.Moderator,
	registry *runtime.Registry,
	verifier CredentialVerifier,
	metrics RelayMetrics,
) *Relay {
	return &Relay{
		log:       log,
		rooms:     rooms,
		messages:  messages,
		captcha:   captchaStore,
		codec:     codec,
		moderator: moderator,
		registry:  registry,
		verifier:  verifier,
		metrics:   metrics,
	}
}

// Bind verifies the credential and attaches the identity to the socket.
// Verification failure leaves the connection open but unbound.
func (r *Relay) Bind(conn *runtime.Connection, token string) (domain.Identity, error) {
	identity, err := r.verifier.Verify(token)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", errors.ErrUnauthorized, err)
	}
	r.registry.Bind(conn, identity)
	return identity, nil
}

// JoinPublic subscribes the socket to the public room. No authorization
// is needed: the public room admits everyone.
func (r *Relay) JoinPublic(conn *runtime.Connection) error {
	room, err := r.rooms.GetOrCreatePublic()
	if err != nil {
		return err
	}
	conn.Subscribe(room.ID)
	return nil
}

// JoinPrivate subscribes the socket to a private room after checking the
// bound identity is a member.
func (r *Relay) JoinPrivate(conn *runtime.Connection, roomID string) error {
	room, _, err := r.memberRoom(conn, roomID)
	if err != nil {
		return err
	}
	conn.Subscribe(room.ID)
	return nil
}

// PublicPost runs the captcha-gated anonymous posting path: validate the
// single-use captcha pair, persist plaintext, then broadcast to every
// open socket.
func (r *Relay) PublicPost(conn *runtime.Connection, in event.Inbound) error {
	sender, guest := r.senderFor(conn, in.GuestName)
	message, err := r.AppendPublic(conn.Identity(), sender, guest, in)
	if err != nil {
		return err
	}
	r.registry.FanoutAll(event.PublicMessage(PublicView(message)))
	return nil
}

// AppendPublic is the persist half of the public pipeline, shared with
// the REST posting path (which does not broadcast; pollers pick the
// message up on the next catch-up call).
func (r *Relay) AppendPublic(identity *domain.Identity, sender string, guest bool, in event.Inbound) (domain.Message, error) {
	if !r.captcha.Validate(in.CaptchaID, in.CaptchaCode) {
		return domain.Message{}, errors.ErrCaptchaRejected
	}

	content := strings.TrimSpace(in.Content)
	if content == "" && in.Attachment == nil {
		return domain.Message{}, errors.ErrEmptyMessage
	}
	if r.moderator != nil {
		content = r.moderator.Censor(content)
	}

	room, err := r.rooms.GetOrCreatePublic()
	if err != nil {
		return domain.Message{}, err
	}

	message := domain.Message{
		RoomID:     room.ID,
		Kind:       domain.RoomPublic,
		Sender:     sender,
		Guest:      guest,
		Content:    content,
		Attachment: in.Attachment,
		CreatedAt:  time.Now().UTC(),
	}
	if identity != nil {
		message.SenderID = identity.ID
	}

	id, err := r.messages.Append(message)
	if err != nil {
		return domain.Message{}, fmt.Errorf("%w: %v", errors.ErrStoreUnavailable, err)
	}
	message.ID = id

	if r.metrics != nil {
		r.metrics.IncrPublicMessages()
	}
	return message, nil
}

// PrivatePost seals the payload before it touches the log, persists the
// envelope, then fans the decrypted view out to both members' sockets.
// The envelope itself never goes over the wire.
func (r *Relay) PrivatePost(conn *runtime.Connection, in event.Inbound) error {
	content := strings.TrimSpace(in.Content)
	if content == "" && in.Attachment == nil {
		return errors.ErrEmptyMessage
	}

	room, identity, err := r.memberRoom(conn, in.RoomID)
	if err != nil {
		return err
	}

	sealed, err := r.codec.Seal(envelope.Payload{Content: content, Attachment: in.Attachment})
	if err != nil {
		return err
	}

	message := domain.Message{
		RoomID:    room.ID,
		Kind:      domain.RoomPrivate,
		Sender:    identity.Display(),
		SenderID:  identity.ID,
		Encrypted: &sealed,
		ReadBy:    []string{identity.ID}, // the sender has read their own message
		CreatedAt: time.Now().UTC(),
	}

	id, err := r.messages.Append(message)
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrStoreUnavailable, err)
	}
	message.ID = id

	if r.metrics != nil {
		r.metrics.IncrPrivateMessages()
	}
	view := event.MessageView{
		ID:         message.ID.String(),
		Username:   message.Sender,
		Content:    content,
		Attachment: in.Attachment,
		CreatedAt:  message.CreatedAt.Format(time.RFC3339Nano),
	}
	r.registry.FanoutIdentities(room.MemberIDs(), event.PrivateMessage(room.ID, view))
	return nil
}

// Read marks every private message in the room as read by the caller and
// notifies the other member only. Repeating it is a harmless no-op.
func (r *Relay) Read(conn *runtime.Connection, roomID string) error {
	room, identity, err := r.memberRoom(conn, roomID)
	if err != nil {
		return err
	}
	if err = r.messages.MarkRead(room.ID, identity.ID); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrStoreUnavailable, err)
	}
	r.registry.FanoutIdentities(room.OtherMemberIDs(identity.ID),
		event.ReadReceipt(room.ID, identity.ID))
	return nil
}

// Typing is ephemeral: no persistence, immediate fanout. Receivers
// expire the indicator client-side; the relay sets no timer.
func (r *Relay) Typing(conn *runtime.Connection, in event.Inbound) error {
	username := conn.DisplayName()
	switch in.Scope {
	case "public":
		r.registry.FanoutAll(event.Typing("public", "", username, in.IsTyping))
		return nil
	case "private":
		room, _, err := r.memberRoom(conn, in.RoomID)
		if err != nil {
			return err
		}
		r.registry.FanoutIdentities(room.MemberIDs(),
			event.Typing("private", room.ID, username, in.IsTyping))
		return nil
	default:
		return fmt.Errorf("unknown typing scope %q", in.Scope)
	}
}

// memberRoom resolves a private room and authorizes the socket's bound
// identity against its member list.
func (r *Relay) memberRoom(conn *runtime.Connection, roomID string) (domain.Room, domain.Identity, error) {
	identity := conn.Identity()
	if identity == nil {
		return domain.Room{}, domain.Identity{}, errors.ErrUnauthorized
	}
	room, err := r.rooms.Get(roomID)
	if err != nil {
		return domain.Room{}, domain.Identity{}, err
	}
	if room.Kind != domain.RoomPrivate {
		return domain.Room{}, domain.Identity{}, fmt.Errorf("%w: %s", errors.ErrRoomNotFound, roomID)
	}
	if !room.IsMember(identity.ID) {
		return domain.Room{}, domain.Identity{}, errors.ErrForbidden
	}
	return room, *identity, nil
}

// senderFor picks the display name for a public post: the bound
// identity's display name, or a bounded guest name defaulting to Guest.
func (r *Relay) senderFor(conn *runtime.Connection, guestName string) (name string, guest bool) {
	if identity := conn.Identity(); identity != nil {
		return identity.Display(), false
	}
	if strings.TrimSpace(guestName) == "" {
		guestName = conn.GuestName()
	}
	name = GuestName(guestName)
	conn.SetGuestName(name)
	return name, true
}

// GuestName trims and bounds a client-supplied guest display name,
// defaulting to "Guest".
func GuestName(raw string) string {
	name := strings.TrimSpace(raw)
	if runes := []rune(name); len(runes) > maxGuestNameLen {
		name = string(runes[:maxGuestNameLen])
	}
	if name == "" {
		return "Guest"
	}
	return name
}

// PublicView is the client-facing shape of a plaintext public message.
func PublicView(message domain.Message) event.MessageView {
	return event.MessageView{
		ID:         message.ID.String(),
		Username:   message.Sender,
		Content:    message.Content,
		Attachment: message.Attachment,
		Guest:      message.Guest,
		CreatedAt:  message.CreatedAt.Format(time.RFC3339Nano),
	}
}
