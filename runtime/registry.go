package runtime

import (
	"log/slog"

	"sync"

	"chat-hub/domain"
	"chat-hub/domain/event"
)

type Set map[*Connection]struct{}

// FanoutMetrics receives best-effort delivery counters. Implementations
// must be safe for concurrent use.
type FanoutMetrics interface {
	IncrDelivered()
	IncrDropped()
}

// Registry tracks every live socket and which identity each one is bound
// to. Multiple sockets may bind the same identity (multi-device); the
// identity stays in the live index until its last socket closes.
//
// All indices are guarded by one RWMutex. Fanout snapshots the recipient
// set before sending so a concurrent close never invalidates iteration.
type Registry struct {
	mu      sync.RWMutex
	log     *slog.Logger
	conns   Set
	byUser  map[string]Set
	metrics FanoutMetrics
}

func NewRegistry(log *slog.Logger, metrics FanoutMetrics) *Registry {
	return &Registry{
		log:     log,
		conns:   make(Set),
		byUser:  make(map[string]Set),
		metrics: metrics,
	}
}

// OnOpen registers a freshly opened socket with an empty session.
func (r *Registry) OnOpen(conn *Connection) {
	r.mu.Lock()
	r.conns[conn] = struct{}{}
	r.mu.Unlock()
}

// Bind attaches a verified identity to the socket and indexes it for
// identity-scoped fanout.
func (r *Registry) Bind(conn *Connection, identity domain.Identity) {
	conn.setIdentity(identity)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byUser[identity.ID]; !ok {
		r.byUser[identity.ID] = make(Set)
	}
	r.byUser[identity.ID][conn] = struct{}{}
}

// OnClose removes the socket from every index, synchronously. If it was
// the last socket bound to its identity, the identity leaves the live
// index (storage is untouched).
func (r *Registry) OnClose(conn *Connection) {
	conn.close()

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, conn)
	if identity := conn.Identity(); identity != nil {
		if sockets, ok := r.byUser[identity.ID]; ok {
			delete(sockets, conn)
			if len(sockets) == 0 {
				delete(r.byUser, identity.ID)
			}
		}
	}
}

// FanoutAll delivers an event to every open socket. The public room is
// a process-wide broadcast: every connected socket is an implicit member.
func (r *Registry) FanoutAll(e event.Outbound) {
	r.deliver(r.snapshotAll(), e)
}

// FanoutRoom delivers a room-scoped event to every socket subscribed to
// the room.
func (r *Registry) FanoutRoom(roomID string, e event.Outbound) {
	r.deliver(r.snapshotRoom(roomID), e)
}

// FanoutIdentities delivers an identity-scoped event to every socket
// currently bound to any of the target identities. Offline identities
// get nothing; catch-up happens through the message log.
func (r *Registry) FanoutIdentities(ids []string, e event.Outbound) {
	r.deliver(r.snapshotIdentities(ids), e)
}

func (r *Registry) deliver(targets []*Connection, e event.Outbound) {
	for _, conn := range targets {
		if conn.Send(e) {
			if r.metrics != nil {
				r.metrics.IncrDelivered()
			}
		} else if r.metrics != nil {
			r.metrics.IncrDropped()
		}
	}
}

func (r *Registry) snapshotAll() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	targets := make([]*Connection, 0, len(r.conns))
	for conn := range r.conns {
		targets = append(targets, conn)
	}
	return targets
}

func (r *Registry) snapshotRoom(roomID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var targets []*Connection
	for conn := range r.conns {
		if conn.subscribed(roomID) {
			targets = append(targets, conn)
		}
	}
	return targets
}

func (r *Registry) snapshotIdentities(ids []string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var targets []*Connection
	for _, id := range ids {
		for conn := range r.byUser[id] {
			targets = append(targets, conn)
		}
	}
	return targets
}

// ConnCount reports the number of open sockets.
func (r *Registry) ConnCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// IdentityCount reports the number of identities with at least one
// live socket.
func (r *Registry) IdentityCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}
