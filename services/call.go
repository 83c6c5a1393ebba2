package services

import (
	"fmt"
	"log/slog"

	"chat-hub/domain"
	"chat-hub/domain/event"
	"chat-hub/errors"
	"chat-hub/repositories"
	"chat-hub/runtime"
)

type ICallRelay interface {
	Signal(conn *runtime.Connection, kind domain.CallSignalKind, roomID string, body []byte) error
}

// CallRelay forwards call negotiation events between the two members of
// a private room. It keeps no call state, persists nothing, and never
// parses the signal body; media flows peer-to-peer outside the hub.
type CallRelay struct {
	log      *slog.Logger
	rooms    repositories.IRoomRepository
	registry *runtime.Registry
}

func NewCallRelay(log *slog.Logger, rooms repositories.IRoomRepository, registry *runtime.Registry) *CallRelay {
	return &CallRelay{log: log, rooms: rooms, registry: registry}
}

// Signal relays one event to the other member's live sockets only. The
// sender's own sockets never see their own signal, so an Offer cannot
// ring back at its origin. Decline and End are always forwarded; with no
// server-side call state there is nothing to check them against.
func (c *CallRelay) Signal(conn *runtime.Connection, kind domain.CallSignalKind, roomID string, body []byte) error {
	identity := conn.Identity()
	if identity == nil {
		return errors.ErrUnauthorized
	}
	room, err := c.rooms.Get(roomID)
	if err != nil {
		return err
	}
	if room.Kind != domain.RoomPrivate {
		return fmt.Errorf("%w: %s", errors.ErrRoomNotFound, roomID)
	}
	if !room.IsMember(identity.ID) {
		return errors.ErrForbidden
	}

	others := room.OtherMemberIDs(identity.ID)
	c.log.Debug("Relaying call signal", "kind", kind, "roomId", room.ID)
	c.registry.FanoutIdentities(others, event.CallSignal(kind, room.ID, identity.ID, body))
	return nil
}
