package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_RoundTrip(t *testing.T) {
	env, err := NewEnvelope(GetRoom, "room-1", "conn-1", GetRoomData{UserID: "alice", MimeType: "video/webm"})
	require.NoError(t, err)

	raw, err := Marshal(env)
	require.NoError(t, err)

	parsed, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, GetRoom, parsed.Type)
	assert.Equal(t, "room-1", parsed.ID)
	assert.Equal(t, "conn-1", parsed.ConnID)

	data, err := Decode[GetRoomData](GetRoom, *parsed)
	require.NoError(t, err)
	assert.Equal(t, "alice", data.UserID)
	assert.Equal(t, "video/webm", data.MimeType)
}

func TestParse_InvalidJSON(t *testing.T) {
	_, err := Parse([]byte("{not json"))
	assert.Error(t, err)
}

func TestParse_UnknownKind(t *testing.T) {
	_, err := Parse([]byte(`{"type":"BOGUS_KIND","id":"x","connId":"y"}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownKind))
}

func TestDecode_KindMismatch(t *testing.T) {
	env, err := NewEnvelope(Offer, "room-1", "conn-1", OfferData{SDP: json.RawMessage(`{}`), UserID: "alice", Target: "0"})
	require.NoError(t, err)

	_, err = Decode[CandidateData](Candidate, env)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPayloadMismatch))
}

func TestDecode_MalformedPayload(t *testing.T) {
	env := Envelope{Type: SetRoomGuests, ID: "alice", Data: json.RawMessage(`"not an object"`)}
	_, err := Decode[SetRoomGuestsData](SetRoomGuests, env)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPayloadMismatch))
}

func TestDecode_EmptyPayload(t *testing.T) {
	env := Envelope{Type: GetUserID, ID: "alice"}
	data, err := Decode[GetUserIDData](GetUserID, env)
	require.NoError(t, err)
	assert.False(t, data.IsRoom)
}

func TestNewEnvelope_NilPayload(t *testing.T) {
	env, err := NewEnvelope(GetRoomGuests, "alice", "conn-1", nil)
	require.NoError(t, err)
	assert.Nil(t, env.Data)

	raw, err := Marshal(env)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"data"`)
}

func TestKindValid(t *testing.T) {
	assert.True(t, Offer.Valid())
	assert.True(t, SetChatUnit.Valid())
	assert.False(t, MessageKind("").Valid())
	assert.False(t, MessageKind("offer").Valid())
}

func TestOfferData_SDPStaysOpaque(t *testing.T) {
	sdp := json.RawMessage(`{"type":"offer","sdp":"v=0\r\n"}`)
	env, err := NewEnvelope(Offer, "room-1", "conn-1", OfferData{SDP: sdp, UserID: "alice", Target: "bob"})
	require.NoError(t, err)

	data, err := Decode[OfferData](Offer, env)
	require.NoError(t, err)
	assert.JSONEq(t, string(sdp), string(data.SDP))
}
