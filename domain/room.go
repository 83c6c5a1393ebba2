package domain

import (
	"time"
)

type RoomKind string

const (
	RoomPublic  RoomKind = "public"
	RoomPrivate RoomKind = "private"
)

type RoomMember struct {
	UserID      string `json:"userId"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
}

// Room is either the process-wide public room (no member list, everyone
// admitted) or a private pairwise room with exactly two members.
type Room struct {
	ID        string       `json:"id"`
	Kind      RoomKind     `json:"kind"`
	Name      string       `json:"name"`
	Members   []RoomMember `json:"members,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
}

// PairKey normalizes an unordered member pair so that (A,B) and (B,A)
// resolve to the same private room.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// IsMember reports whether userID may read and post in the room.
// The public room admits everyone, including anonymous guests.
func (r Room) IsMember(userID string) bool {
	if r.Kind == RoomPublic {
		return true
	}
	for _, m := range r.Members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

// OtherMemberIDs returns every member except userID. For a pairwise room
// this is the single peer.
func (r Room) OtherMemberIDs(userID string) []string {
	var others []string
	for _, m := range r.Members {
		if m.UserID != userID {
			others = append(others, m.UserID)
		}
	}
	return others
}

// MemberIDs returns all member ids in declaration order.
func (r Room) MemberIDs() []string {
	ids := make([]string, 0, len(r.Members))
	for _, m := range r.Members {
		ids = append(ids, m.UserID)
	}
	return ids
}
