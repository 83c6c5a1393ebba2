// Package runtime tracks live connections and fans events out to them.
// It contains no business rules; the relay decides who gets what.
package runtime

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"chat-hub/domain"
	"chat-hub/domain/event"
)

// Connection is the in-memory session behind one socket. Each connection
// owns a bounded outbound queue drained by a single writer goroutine; a
// slow or dead receiver loses events instead of blocking the publisher.
type Connection struct {
	ID  string
	log *slog.Logger

	mu        sync.Mutex
	identity  *domain.Identity
	guestName string
	rooms     map[string]struct{}

	outbound chan event.Outbound
	closed   chan struct{}
	once     sync.Once
}

func NewConnection(log *slog.Logger, bufferSize int) *Connection {
	return &Connection{
		ID:       uuid.NewString(),
		log:      log,
		rooms:    make(map[string]struct{}),
		outbound: make(chan event.Outbound, bufferSize),
		closed:   make(chan struct{}),
	}
}

// Identity returns the bound identity, if any.
func (c *Connection) Identity() *domain.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

func (c *Connection) setIdentity(identity domain.Identity) {
	c.mu.Lock()
	c.identity = &identity
	c.mu.Unlock()
}

// GuestName returns the last guest display name used on this socket.
func (c *Connection) GuestName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.guestName
}

func (c *Connection) SetGuestName(name string) {
	c.mu.Lock()
	c.guestName = name
	c.mu.Unlock()
}

// DisplayName resolves the name attached to ephemeral events.
func (c *Connection) DisplayName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity != nil {
		return c.identity.Display()
	}
	if c.guestName != "" {
		return c.guestName
	}
	return "Guest"
}

// Subscribe adds a room to this connection's subscription set. Callers
// must have checked membership first.
func (c *Connection) Subscribe(roomID string) {
	c.mu.Lock()
	c.rooms[roomID] = struct{}{}
	c.mu.Unlock()
}

func (c *Connection) subscribed(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[roomID]
	return ok
}

// Send queues an event for delivery, best effort. It reports false when
// the event was dropped because the connection is closed or its buffer
// is full.
func (c *Connection) Send(e event.Outbound) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.outbound <- e:
		return true
	default:
		c.log.Warn("Outbound buffer full, dropping event", "connId", c.ID, "type", e.Type)
		return false
	}
}

// Outbound is drained by the socket writer goroutine.
func (c *Connection) Outbound() <-chan event.Outbound {
	return c.outbound
}

// Closed is closed when the connection is torn down.
func (c *Connection) Closed() <-chan struct{} {
	return c.closed
}

func (c *Connection) close() {
	c.once.Do(func() { close(c.closed) })
}
