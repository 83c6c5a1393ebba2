package domain

import "encoding/json"

// CallSignalKind is the closed set of call negotiation events the hub
// relays between the two members of a private room. The hub never stores
// them and never inspects the body.
type CallSignalKind string

const (
	CallOffer   CallSignalKind = "offer"
	CallAnswer  CallSignalKind = "answer"
	CallIce     CallSignalKind = "ice"
	CallDecline CallSignalKind = "decline"
	CallEnd     CallSignalKind = "end"
)

// CallSignal is a pure pass-through event, scoped to one private room.
type CallSignal struct {
	RoomID string
	From   Identity
	Kind   CallSignalKind
	Body   json.RawMessage
}
