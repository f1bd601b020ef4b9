package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageKind enumerates every envelope type exchanged between a client and
// the signaling server. GET_* kinds travel client-to-server, SET_* kinds
// server-to-client, except SET_CHANGE_UNIT which a client may also address to
// another client and the server relays verbatim.
type MessageKind string

const (
	GetUserID MessageKind = "GET_USER_ID"
	SetUserID MessageKind = "SET_USER_ID"

	GetRoom       MessageKind = "GET_ROOM"
	SetRoom       MessageKind = "SET_ROOM"
	GetRoomGuests MessageKind = "GET_ROOM_GUESTS"
	SetRoomGuests MessageKind = "SET_ROOM_GUESTS"
	SetChangeUnit MessageKind = "SET_CHANGE_UNIT"

	Offer     MessageKind = "OFFER"
	Answer    MessageKind = "ANSWER"
	Candidate MessageKind = "CANDIDATE"

	GetMute MessageKind = "GET_MUTE"
	SetMute MessageKind = "SET_MUTE"

	GetClosePeerConnection MessageKind = "GET_CLOSE_PEER_CONNECTION"
	SetClosePeerConnection MessageKind = "SET_CLOSE_PEER_CONNECTION"
	GetNeedReconnect       MessageKind = "GET_NEED_RECONNECT"

	SetError MessageKind = "SET_ERROR"

	GetRoomMessage  MessageKind = "GET_ROOM_MESSAGE"
	SetRoomMessage  MessageKind = "SET_ROOM_MESSAGE"
	GetChatMessages MessageKind = "GET_CHAT_MESSAGES"
	SetChatMessages MessageKind = "SET_CHAT_MESSAGES"
	GetChatUnit     MessageKind = "GET_CHAT_UNIT"
	SetChatUnit     MessageKind = "SET_CHAT_UNIT"
)

var knownKinds = map[MessageKind]struct{}{
	GetUserID: {}, SetUserID: {},
	GetRoom: {}, SetRoom: {},
	GetRoomGuests: {}, SetRoomGuests: {}, SetChangeUnit: {},
	Offer: {}, Answer: {}, Candidate: {},
	GetMute: {}, SetMute: {},
	GetClosePeerConnection: {}, SetClosePeerConnection: {}, GetNeedReconnect: {},
	SetError: {},
	GetRoomMessage: {}, SetRoomMessage: {},
	GetChatMessages: {}, SetChatMessages: {},
	GetChatUnit: {}, SetChatUnit: {},
}

// Valid reports whether k belongs to the closed enumeration.
func (k MessageKind) Valid() bool {
	_, ok := knownKinds[k]
	return ok
}

// Envelope is the wire format for every signaling message. ID addresses a
// room or a user depending on the kind; ConnID is the connection instance
// token minted by the server once per signaling session. Data carries the
// kind-specific payload and stays opaque until narrowed with Decode.
type Envelope struct {
	Type   MessageKind     `json:"type"`
	ID     string          `json:"id"`
	ConnID string          `json:"connId"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Parse decodes one raw frame into an envelope. A frame that is not valid
// JSON or claims an unknown kind yields an error; callers are expected to
// drop it silently rather than tear down the channel.
func Parse(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("unparsable envelope: %w", err)
	}
	if !env.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}
	return &env, nil
}

// Marshal encodes an envelope for the wire.
func Marshal(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// NewEnvelope builds an envelope around a typed payload. Payloads that cannot
// marshal are a programming error and reported as such.
func NewEnvelope(kind MessageKind, id, connID string, payload any) (Envelope, error) {
	env := Envelope{Type: kind, ID: id, ConnID: connID}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	env.Data = data
	return env, nil
}

// Decode narrows an envelope to the payload shape expected for the given
// kind. A disagreement between the claimed kind and the actual payload is a
// contract violation on the sender's side, reported as ErrPayloadMismatch.
func Decode[T any](kind MessageKind, env Envelope) (T, error) {
	var payload T
	if env.Type != kind {
		return payload, fmt.Errorf("%w: want %s, envelope says %s", ErrPayloadMismatch, kind, env.Type)
	}
	if len(env.Data) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return payload, fmt.Errorf("%w: %s payload: %v", ErrPayloadMismatch, kind, err)
	}
	return payload, nil
}
