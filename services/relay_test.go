package services

import (
	"log/slog"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"

	"chat-hub/auth"
	"chat-hub/captcha"
	"chat-hub/domain"
	"chat-hub/domain/event"
	"chat-hub/envelope"
	"chat-hub/errors"
	"chat-hub/moderation"
	"chat-hub/repositories"
	"chat-hub/runtime"
)

type relayFixture struct {
	relay    *Relay
	rooms    repositories.RoomRepository
	messages repositories.MessageRepository
	captcha  *captcha.Store
	codec    *envelope.Codec
	registry *runtime.Registry
	verifier auth.Verifier
}

func newRelayFixture(t *testing.T, moderator *moderation.Moderator) relayFixture {
	t.Helper()
	req := require.New(t)

	opts := badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR)
	db, err := badger.Open(opts)
	req.NoError(err)
	t.Cleanup(func() { _ = db.Close() })

	log := slog.Default()
	codec, err := envelope.NewCodec("relay test secret")
	req.NoError(err)

	f := relayFixture{
		rooms:    repositories.NewRoomRepository(db, log),
		messages: repositories.NewMessageRepository(db, log),
		captcha:  captcha.NewStore(log, captcha.DefaultTTL),
		codec:    codec,
		registry: runtime.NewRegistry(log, nil),
		verifier: auth.NewVerifier("token test secret"),
	}
	f.relay = NewRelay(log, f.rooms, f.messages, f.captcha, codec, moderator,
		f.registry, f.verifier, nil)
	return f
}

// openSocket registers a connection and optionally binds an identity
// through a real credential.
func (f relayFixture) openSocket(t *testing.T, identity *domain.Identity) *runtime.Connection {
	t.Helper()
	conn := runtime.NewConnection(slog.Default(), 16)
	f.registry.OnOpen(conn)
	if identity != nil {
		token, err := f.verifier.Issue(*identity, time.Hour)
		require.NoError(t, err)
		_, err = f.relay.Bind(conn, token)
		require.NoError(t, err)
	}
	return conn
}

func drain(conn *runtime.Connection) []event.Outbound {
	var events []event.Outbound
	for {
		select {
		case e := <-conn.Outbound():
			events = append(events, e)
		default:
			return events
		}
	}
}

func (f relayFixture) issueCaptcha(t *testing.T) (string, string) {
	t.Helper()
	id, code, err := f.captcha.Issue()
	require.NoError(t, err)
	return id, code
}

var alice = domain.Identity{ID: "u1", Username: "alice", DisplayName: "Alice"}
var bob = domain.Identity{ID: "u2", Username: "bob", DisplayName: "Bob"}

func memberOf(identity domain.Identity) domain.RoomMember {
	return domain.RoomMember{UserID: identity.ID, Username: identity.Username, DisplayName: identity.DisplayName}
}

func TestRelay_Bind_Rejects_Bad_Credential(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture(t, nil)
	conn := f.openSocket(t, nil)

	_, err := f.relay.Bind(conn, "not-a-token")
	req.ErrorIs(err, errors.ErrUnauthorized)
	req.Nil(conn.Identity())
}

func TestRelay_PublicPost_Persists_Then_Broadcasts(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture(t, nil)
	sender := f.openSocket(t, nil)
	watcher := f.openSocket(t, nil)
	id, code := f.issueCaptcha(t)

	// When a guest posts with a valid captcha
	err := f.relay.PublicPost(sender, event.Inbound{
		Type:        event.TypePublicMessage,
		Content:     "  hello everyone  ",
		CaptchaID:   id,
		CaptchaCode: code,
		GuestName:   "wanderer",
	})
	req.NoError(err)

	// Then the message is durable
	room, err := f.rooms.GetOrCreatePublic()
	req.NoError(err)
	stored, err := f.messages.List(room.ID, domain.RoomPublic, nil, 0)
	req.NoError(err)
	req.Len(stored, 1)
	req.Equal("hello everyone", stored[0].Content)
	req.Equal("wanderer", stored[0].Sender)
	req.True(stored[0].Guest)

	// And every open socket got it, the sender included
	for _, conn := range []*runtime.Connection{sender, watcher} {
		events := drain(conn)
		req.Len(events, 1)
		req.Equal(event.TypePublicMessage, events[0].Type)
		req.Equal("hello everyone", events[0].Message.Content)
	}
}

func TestRelay_PublicPost_Rejects_Invalid_Captcha(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture(t, nil)
	sender := f.openSocket(t, nil)
	id, _ := f.issueCaptcha(t)

	err := f.relay.PublicPost(sender, event.Inbound{
		Type:        event.TypePublicMessage,
		Content:     "hello",
		CaptchaID:   id,
		CaptchaCode: "00000",
	})
	req.ErrorIs(err, errors.ErrCaptchaRejected)

	// Nothing was persisted and nothing was broadcast
	room, err := f.rooms.GetOrCreatePublic()
	req.NoError(err)
	stored, err := f.messages.List(room.ID, domain.RoomPublic, nil, 0)
	req.NoError(err)
	req.Empty(stored)
	req.Empty(drain(sender))
}

func TestRelay_PublicPost_Captcha_Is_Single_Use(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture(t, nil)
	sender := f.openSocket(t, nil)
	id, code := f.issueCaptcha(t)

	post := event.Inbound{
		Type:        event.TypePublicMessage,
		Content:     "hello",
		CaptchaID:   id,
		CaptchaCode: code,
	}
	req.NoError(f.relay.PublicPost(sender, post))

	// Replaying the same captcha pair must fail
	err := f.relay.PublicPost(sender, post)
	req.ErrorIs(err, errors.ErrCaptchaRejected)
}

func TestRelay_PublicPost_Rejects_Empty_Content(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture(t, nil)
	sender := f.openSocket(t, nil)
	id, code := f.issueCaptcha(t)

	err := f.relay.PublicPost(sender, event.Inbound{
		Type:        event.TypePublicMessage,
		Content:     "   ",
		CaptchaID:   id,
		CaptchaCode: code,
	})
	req.ErrorIs(err, errors.ErrEmptyMessage)
}

func TestRelay_PublicPost_Censors_Content(t *testing.T) {
	req := require.New(t)
	moderator, err := moderation.NewModerator([]string{"badword"}, '*')
	req.NoError(err)
	f := newRelayFixture(t, &moderator)
	sender := f.openSocket(t, nil)
	id, code := f.issueCaptcha(t)

	req.NoError(f.relay.PublicPost(sender, event.Inbound{
		Type:        event.TypePublicMessage,
		Content:     "such a badword here",
		CaptchaID:   id,
		CaptchaCode: code,
	}))

	room, err := f.rooms.GetOrCreatePublic()
	req.NoError(err)
	stored, err := f.messages.List(room.ID, domain.RoomPublic, nil, 0)
	req.NoError(err)
	req.Len(stored, 1)
	req.Equal("such a ******* here", stored[0].Content)
}

func TestRelay_PublicPost_Authenticated_Sender_Keeps_Identity(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture(t, nil)
	sender := f.openSocket(t, &alice)
	id, code := f.issueCaptcha(t)

	req.NoError(f.relay.PublicPost(sender, event.Inbound{
		Type:        event.TypePublicMessage,
		Content:     "hello",
		CaptchaID:   id,
		CaptchaCode: code,
		GuestName:   "ignored",
	}))

	room, err := f.rooms.GetOrCreatePublic()
	req.NoError(err)
	stored, err := f.messages.List(room.ID, domain.RoomPublic, nil, 0)
	req.NoError(err)
	req.Len(stored, 1)
	req.Equal("Alice", stored[0].Sender)
	req.Equal("u1", stored[0].SenderID)
	req.False(stored[0].Guest)
}

func TestRelay_PrivatePost_Encrypts_At_Rest_And_Fans_Out(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture(t, nil)
	room, err := f.rooms.GetOrCreatePrivate(memberOf(alice), memberOf(bob))
	req.NoError(err)

	aliceConn := f.openSocket(t, &alice)
	bobPhone := f.openSocket(t, &bob)
	bobLaptop := f.openSocket(t, &bob)
	stranger := f.openSocket(t, nil)

	// When Alice posts into the private room
	err = f.relay.PrivatePost(aliceConn, event.Inbound{
		Type:    event.TypePrivateMessage,
		RoomID:  room.ID,
		Content: "our secret",
	})
	req.NoError(err)

	// Then the stored record holds only the envelope
	stored, err := f.messages.List(room.ID, domain.RoomPrivate, nil, 0)
	req.NoError(err)
	req.Len(stored, 1)
	req.Empty(stored[0].Content)
	req.NotNil(stored[0].Encrypted)
	req.Equal([]string{"u1"}, stored[0].ReadBy)

	opened, err := f.codec.Open(*stored[0].Encrypted)
	req.NoError(err)
	req.Equal("our secret", opened.Content)

	// And both members' devices got the decrypted view, the stranger none
	for _, conn := range []*runtime.Connection{aliceConn, bobPhone, bobLaptop} {
		events := drain(conn)
		req.Len(events, 1)
		req.Equal(event.TypePrivateMessage, events[0].Type)
		req.Equal(room.ID, events[0].RoomID)
		req.Equal("our secret", events[0].Message.Content)
	}
	req.Empty(drain(stranger))
}

func TestRelay_PrivatePost_Requires_Membership(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture(t, nil)
	room, err := f.rooms.GetOrCreatePrivate(memberOf(alice), memberOf(bob))
	req.NoError(err)

	clara := domain.Identity{ID: "u3", Username: "clara"}
	claraConn := f.openSocket(t, &clara)

	err = f.relay.PrivatePost(claraConn, event.Inbound{
		Type:    event.TypePrivateMessage,
		RoomID:  room.ID,
		Content: "let me in",
	})
	req.ErrorIs(err, errors.ErrForbidden)

	stored, err := f.messages.List(room.ID, domain.RoomPrivate, nil, 0)
	req.NoError(err)
	req.Empty(stored)
}

func TestRelay_PrivatePost_Requires_Bound_Identity(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture(t, nil)
	room, err := f.rooms.GetOrCreatePrivate(memberOf(alice), memberOf(bob))
	req.NoError(err)

	anon := f.openSocket(t, nil)
	err = f.relay.PrivatePost(anon, event.Inbound{
		Type:    event.TypePrivateMessage,
		RoomID:  room.ID,
		Content: "anonymous",
	})
	req.ErrorIs(err, errors.ErrUnauthorized)
}

func TestRelay_Read_Notifies_Other_Member_Only(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture(t, nil)
	room, err := f.rooms.GetOrCreatePrivate(memberOf(alice), memberOf(bob))
	req.NoError(err)

	aliceConn := f.openSocket(t, &alice)
	bobConn := f.openSocket(t, &bob)

	// Given an unread message from Alice
	req.NoError(f.relay.PrivatePost(aliceConn, event.Inbound{
		Type: event.TypePrivateMessage, RoomID: room.ID, Content: "ping",
	}))
	drain(aliceConn)
	drain(bobConn)

	// When Bob reads the room
	req.NoError(f.relay.Read(bobConn, room.ID))

	// Then Alice gets the receipt and Bob does not
	aliceEvents := drain(aliceConn)
	req.Len(aliceEvents, 1)
	req.Equal(event.TypeReadReceipt, aliceEvents[0].Type)
	req.Equal(room.ID, aliceEvents[0].RoomID)
	req.Equal("u2", aliceEvents[0].ReaderID)
	req.Empty(drain(bobConn))

	// And the unread count dropped to zero
	unread, err := f.messages.CountUnread(room.ID, "u2")
	req.NoError(err)
	req.Equal(0, unread)
}

func TestRelay_Typing_Private_Stays_In_Room(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture(t, nil)
	room, err := f.rooms.GetOrCreatePrivate(memberOf(alice), memberOf(bob))
	req.NoError(err)

	aliceConn := f.openSocket(t, &alice)
	bobConn := f.openSocket(t, &bob)
	stranger := f.openSocket(t, nil)

	req.NoError(f.relay.Typing(aliceConn, event.Inbound{
		Type: event.TypeTyping, Scope: "private", RoomID: room.ID, IsTyping: true,
	}))

	for _, conn := range []*runtime.Connection{aliceConn, bobConn} {
		events := drain(conn)
		req.Len(events, 1)
		req.Equal(event.TypeTyping, events[0].Type)
		req.Equal("Alice", events[0].Username)
		req.True(events[0].IsTyping)
	}
	req.Empty(drain(stranger))
}

func TestRelay_Typing_Public_Reaches_Everyone(t *testing.T) {
	req := require.New(t)
	f := newRelayFixture(t, nil)
	typist := f.openSocket(t, nil)
	typist.SetGuestName("wanderer")
	watcher := f.openSocket(t, nil)

	req.NoError(f.relay.Typing(typist, event.Inbound{
		Type: event.TypeTyping, Scope: "public", IsTyping: true,
	}))

	events := drain(watcher)
	req.Len(events, 1)
	req.Equal("wanderer", events[0].Username)
	req.Equal("public", events[0].Scope)
}

func TestGuestName_Bounds_And_Defaults(t *testing.T) {
	req := require.New(t)

	req.Equal("Guest", GuestName(""))
	req.Equal("Guest", GuestName("   "))
	req.Equal("wanderer", GuestName("  wanderer  "))

	long := make([]rune, 0, 40)
	for i := 0; i < 40; i++ {
		long = append(long, 'x')
	}
	req.Len([]rune(GuestName(string(long))), 30)
}
