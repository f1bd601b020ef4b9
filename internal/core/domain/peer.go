package domain

import "fmt"

type RoomID string
type UserID string
type ConnID string

// AnchorTarget is the sentinel target of the connection a user holds to the
// room itself. Every other target denotes a direct peer-to-peer leg.
const AnchorTarget UserID = "0"

// PeerKey uniquely identifies one peer-connection state machine. It is a
// structured key: no field may bleed into another even when an ID contains
// arbitrary characters.
type PeerKey struct {
	Room   RoomID
	User   UserID
	Target UserID
	Conn   ConnID
}

// IsAnchor reports whether the key denotes the user's anchor leg.
func (k PeerKey) IsAnchor() bool {
	return k.Target == AnchorTarget
}

// Touches reports whether the key involves the user as either side.
func (k PeerKey) Touches(id UserID) bool {
	return k.User == id || k.Target == id
}

// String is for logs only; the delimiter form is never parsed back.
func (k PeerKey) String() string {
	return fmt.Sprintf("%s_%s_%s_%s", k.Room, k.User, k.Target, k.Conn)
}

// ConnectionState mirrors the lifecycle of one negotiation state machine.
type ConnectionState string

const (
	StateCreated      ConnectionState = "created"
	StateNegotiating  ConnectionState = "negotiating"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateFailed       ConnectionState = "failed"
	StateClosed       ConnectionState = "closed"
)

// Terminal reports whether the state triggers teardown of the leg.
func (s ConnectionState) Terminal() bool {
	return s == StateDisconnected || s == StateFailed || s == StateClosed
}
