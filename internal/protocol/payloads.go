package protocol

import (
	"encoding/json"
	"errors"
)

var (
	ErrUnknownKind     = errors.New("unknown message kind")
	ErrPayloadMismatch = errors.New("payload does not match message kind")
)

// Change-unit event names carried by SetChangeUnitData. "add" originates on
// the server when a member joins, "added" is the symmetric reply sent by the
// receiving client so the responder does not re-offer, "delete" removes a
// member.
const (
	UnitEventAdd    = "add"
	UnitEventAdded  = "added"
	UnitEventDelete = "delete"
)

type GetUserIDData struct {
	IsRoom bool `json:"isRoom,omitempty"`
}

type GetRoomData struct {
	UserID   string `json:"userId"`
	MimeType string `json:"mimeType,omitempty"`
}

type GetRoomGuestsData struct {
	RoomID string `json:"roomId"`
}

type SetRoomGuestsData struct {
	RoomUsers []string `json:"roomUsers"`
	Muteds    []string `json:"muteds"`
}

type SetChangeUnitData struct {
	Target     string   `json:"target"`
	EventName  string   `json:"eventName"`
	RoomLength int      `json:"roomLength"`
	Muteds     []string `json:"muteds"`
}

// OfferData doubles for ANSWER; the SDP body is produced and consumed by the
// media engine and only transported here.
type OfferData struct {
	SDP    json.RawMessage `json:"sdp"`
	UserID string          `json:"userId"`
	Target string          `json:"target"`
}

type CandidateData struct {
	Candidate json.RawMessage `json:"candidate"`
	UserID    string          `json:"userId"`
	Target    string          `json:"target"`
}

type GetMuteData struct {
	Muted  bool   `json:"muted"`
	RoomID string `json:"roomId"`
}

type SetMuteData struct {
	Muteds []string `json:"muteds"`
}

type ClosePeerConnectionData struct {
	RoomID string `json:"roomId"`
	Target string `json:"target"`
}

type GetNeedReconnectData struct {
	UserID string `json:"userId"`
}

type SetErrorData struct {
	Message string `json:"message"`
}

type RoomMessageData struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
	Text   string `json:"text"`
}

type GetChatMessagesData struct {
	RoomID string `json:"roomId"`
	Skip   int    `json:"skip,omitempty"`
	Take   int    `json:"take,omitempty"`
}

type ChatMessage struct {
	UserID    string `json:"userId"`
	Text      string `json:"text"`
	CreatedAt int64  `json:"createdAt"`
}

type SetChatMessagesData struct {
	Messages []ChatMessage `json:"messages"`
}

type ChatUnitData struct {
	RoomID  string      `json:"roomId"`
	Message ChatMessage `json:"message"`
}
