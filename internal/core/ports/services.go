package ports

import (
	"context"

	"meshroom/internal/core/domain"
	"meshroom/internal/protocol"
)

// Sender delivers an envelope to one user's signaling socket. Implemented by
// the websocket server; the peer manager uses it to relay answers,
// candidates, errors and membership broadcasts.
type Sender interface {
	SendToUser(user domain.UserID, env protocol.Envelope) error
}

// RoomRegistry maps rooms to their admitted members and mute roster.
type RoomRegistry interface {
	AddUser(room domain.RoomID, user domain.UserID) bool
	RemoveUser(room domain.RoomID, user domain.UserID) bool
	Snapshot(room domain.RoomID) (domain.MembershipSnapshot, bool)
	SetMuted(room domain.RoomID, user domain.UserID, muted bool)
	Subscribe(fn func(domain.MembershipSnapshot)) (unsubscribe func())
	Rooms() []domain.RoomID
}

// PeerManager owns the authoritative negotiation state machine per PeerKey.
type PeerManager interface {
	CreateConnection(key domain.PeerKey) error
	HandleOffer(env protocol.Envelope) error
	HandleAnswer(env protocol.Envelope) error
	HandleCandidate(env protocol.Envelope) error
	ClosePeer(room domain.RoomID, user domain.UserID, target domain.UserID)
	CloseAll(room domain.RoomID, user domain.UserID)
	LiveKeys() []domain.PeerKey
}

// ChatService persists and fans out room chat. The signaling core treats
// chat kinds as pass-through; storage lives behind ChatRepository.
type ChatService interface {
	Post(ctx context.Context, room domain.RoomID, msg protocol.ChatMessage) error
	History(ctx context.Context, room domain.RoomID, skip, take int) ([]protocol.ChatMessage, error)
}

// ChatRepository is the storage collaborator for chat history.
type ChatRepository interface {
	Append(ctx context.Context, room domain.RoomID, msg protocol.ChatMessage) error
	History(ctx context.Context, room domain.RoomID, skip, take int) ([]protocol.ChatMessage, error)
	Drop(ctx context.Context, room domain.RoomID) error
}
