package domain

// MembershipSnapshot is the point-in-time view of a room broadcast to all of
// its members. Consumers diff it against their local stream store to decide
// which peers to connect or disconnect.
type MembershipSnapshot struct {
	Room   RoomID
	Users  []UserID
	Muteds []UserID
}

// Contains reports whether the snapshot lists the given user.
func (s MembershipSnapshot) Contains(id UserID) bool {
	for _, u := range s.Users {
		if u == id {
			return true
		}
	}
	return false
}
