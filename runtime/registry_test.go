package runtime

import (
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"chat-hub/domain"
	"chat-hub/domain/event"
)

type countingMetrics struct {
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

func (m *countingMetrics) IncrDelivered() { m.delivered.Add(1) }
func (m *countingMetrics) IncrDropped()   { m.dropped.Add(1) }

func drain(conn *Connection) []event.Outbound {
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

func TestRegistry_FanoutAll_Reaches_Every_Socket(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry(slog.Default(), nil)
	conn1 := NewConnection(slog.Default(), 8)
	conn2 := NewConnection(slog.Default(), 8)
	registry.OnOpen(conn1)
	registry.OnOpen(conn2)

	// When broadcasting, bound or not does not matter
	registry.FanoutAll(event.Typing("public", "", "alice", true))

	req.Len(drain(conn1), 1)
	req.Len(drain(conn2), 1)
}

func TestRegistry_FanoutIdentities_Multi_Device(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry(slog.Default(), nil)
	alice := domain.Identity{ID: "u1", Username: "alice"}
	bob := domain.Identity{ID: "u2", Username: "bob"}

	phone := NewConnection(slog.Default(), 8)
	laptop := NewConnection(slog.Default(), 8)
	bobConn := NewConnection(slog.Default(), 8)
	anon := NewConnection(slog.Default(), 8)
	for _, c := range []*Connection{phone, laptop, bobConn, anon} {
		registry.OnOpen(c)
	}

	// Given Alice bound on two devices
	registry.Bind(phone, alice)
	registry.Bind(laptop, alice)
	registry.Bind(bobConn, bob)
	req.Equal(4, registry.ConnCount())
	req.Equal(2, registry.IdentityCount())

	// When fanning out to Alice only
	registry.FanoutIdentities([]string{"u1"}, event.ReadReceipt("room-1", "u2"))

	// Then both of her sockets got it, nobody else did
	req.Len(drain(phone), 1)
	req.Len(drain(laptop), 1)
	req.Empty(drain(bobConn))
	req.Empty(drain(anon))
}

func TestRegistry_FanoutRoom_Only_Subscribed(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry(slog.Default(), nil)
	in := NewConnection(slog.Default(), 8)
	out := NewConnection(slog.Default(), 8)
	registry.OnOpen(in)
	registry.OnOpen(out)
	in.Subscribe("room-1")

	registry.FanoutRoom("room-1", event.Typing("private", "room-1", "alice", true))

	req.Len(drain(in), 1)
	req.Empty(drain(out))
}

func TestRegistry_OnClose_Last_Socket_Drops_Identity(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry(slog.Default(), nil)
	alice := domain.Identity{ID: "u1", Username: "alice"}
	phone := NewConnection(slog.Default(), 8)
	laptop := NewConnection(slog.Default(), 8)
	registry.OnOpen(phone)
	registry.OnOpen(laptop)
	registry.Bind(phone, alice)
	registry.Bind(laptop, alice)

	// When one device disconnects, the identity stays live
	registry.OnClose(phone)
	req.Equal(1, registry.ConnCount())
	req.Equal(1, registry.IdentityCount())

	registry.FanoutIdentities([]string{"u1"}, event.ReadReceipt("room-1", "u2"))
	req.Len(drain(laptop), 1)

	// When the last device disconnects, the identity leaves the index
	registry.OnClose(laptop)
	req.Equal(0, registry.ConnCount())
	req.Equal(0, registry.IdentityCount())
}

func TestRegistry_Closed_Socket_Counts_As_Dropped(t *testing.T) {
	req := require.New(t)
	metrics := &countingMetrics{}
	registry := NewRegistry(slog.Default(), metrics)
	live := NewConnection(slog.Default(), 8)
	dead := NewConnection(slog.Default(), 8)
	registry.OnOpen(live)
	registry.OnOpen(dead)
	dead.close()

	registry.FanoutAll(event.Typing("public", "", "alice", true))

	req.Equal(uint64(1), metrics.delivered.Load())
	req.Equal(uint64(1), metrics.dropped.Load())
}
