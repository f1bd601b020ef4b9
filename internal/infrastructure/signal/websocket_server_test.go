package signal

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/services"
	"meshroom/internal/infrastructure/repositories/memory"
	"meshroom/internal/protocol"
	"meshroom/pkg/logger"
	"meshroom/tests/testutils"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type serverFixture struct {
	server   *WebSocketServer
	registry *services.Registry
	peers    *services.PeerManager
	engine   *testutils.FakeEngine
	ts       *httptest.Server
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	f := &serverFixture{
		registry: services.NewRegistry(logger.NewNop()),
		engine:   testutils.NewFakeEngine(),
	}
	f.peers = services.NewPeerManager(f.engine, f.registry, logger.NewNop())
	chat := services.NewChat(memory.NewMemoryChatRepository(), 0, logger.NewNop())
	f.server = NewWebSocketServer(f.registry, f.peers, chat, DefaultOptions(), logger.NewNop())
	f.peers.SetSender(f.server)

	f.ts = httptest.NewServer(http.HandlerFunc(f.server.HandleWebSocket))
	t.Cleanup(f.ts.Close)
	return f
}

func (f *serverFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, kind protocol.MessageKind, id, connID string, payload any) {
	t.Helper()
	env, err := protocol.NewEnvelope(kind, id, connID, payload)
	require.NoError(t, err)
	raw, err := protocol.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

// waitFor reads envelopes until one of the wanted kind arrives, skipping
// anything else the server interleaves.
func waitFor(t *testing.T, conn *websocket.Conn, kind protocol.MessageKind) protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", kind)
		env, err := protocol.Parse(raw)
		require.NoError(t, err)
		if env.Type == kind {
			return *env
		}
	}
}

// join runs the handshake and room admission for one user, returning the
// connection instance token the server minted.
func (f *serverFixture) join(t *testing.T, conn *websocket.Conn, room, user string) string {
	t.Helper()
	sendEnvelope(t, conn, protocol.GetUserID, user, "", nil)
	hello := waitFor(t, conn, protocol.SetUserID)
	require.NotEmpty(t, hello.ConnID)

	sendEnvelope(t, conn, protocol.GetRoom, room, hello.ConnID, protocol.GetRoomData{UserID: user})
	waitFor(t, conn, protocol.SetRoom)
	return hello.ConnID
}

func TestWebSocketServer_Handshake(t *testing.T) {
	f := newServerFixture(t)
	conn := f.dial(t)

	sendEnvelope(t, conn, protocol.GetUserID, "alice", "", nil)
	env := waitFor(t, conn, protocol.SetUserID)

	assert.Equal(t, "alice", env.ID)
	assert.NotEmpty(t, env.ConnID)
	assert.Eventually(t, func() bool {
		return len(f.server.ConnectedUsers()) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestWebSocketServer_JoinCreatesAnchorLeg(t *testing.T) {
	f := newServerFixture(t)
	conn := f.dial(t)

	connID := f.join(t, conn, "room-1", "alice")

	snap, ok := f.registry.Snapshot("room-1")
	require.True(t, ok)
	assert.Equal(t, []domain.UserID{"alice"}, snap.Users)

	keys := f.peers.LiveKeys()
	require.Len(t, keys, 1)
	assert.Equal(t, domain.PeerKey{Room: "room-1", User: "alice", Target: domain.AnchorTarget, Conn: domain.ConnID(connID)}, keys[0])
}

func TestWebSocketServer_JoinRejectsBadRoomID(t *testing.T) {
	f := newServerFixture(t)
	conn := f.dial(t)

	sendEnvelope(t, conn, protocol.GetUserID, "alice", "", nil)
	hello := waitFor(t, conn, protocol.SetUserID)

	sendEnvelope(t, conn, protocol.GetRoom, "room 1!", hello.ConnID, protocol.GetRoomData{UserID: "alice"})

	// The invalid join is dropped; the registry stays empty and the socket
	// keeps working.
	sendEnvelope(t, conn, protocol.GetRoom, "room-1", hello.ConnID, protocol.GetRoomData{UserID: "alice"})
	waitFor(t, conn, protocol.SetRoom)
	assert.Equal(t, []domain.RoomID{"room-1"}, f.registry.Rooms())
}

func TestWebSocketServer_JoinNotifiesMembers(t *testing.T) {
	f := newServerFixture(t)
	alice := f.dial(t)
	bob := f.dial(t)

	f.join(t, alice, "room-1", "alice")
	f.join(t, bob, "room-1", "bob")

	env := waitFor(t, alice, protocol.SetChangeUnit)
	data, err := protocol.Decode[protocol.SetChangeUnitData](protocol.SetChangeUnit, env)
	require.NoError(t, err)
	assert.Equal(t, "bob", data.Target)
	assert.Equal(t, protocol.UnitEventAdd, data.EventName)
	assert.Equal(t, 2, data.RoomLength)
}

func TestWebSocketServer_ChangeUnitRelay(t *testing.T) {
	f := newServerFixture(t)
	alice := f.dial(t)
	bob := f.dial(t)

	f.join(t, alice, "room-1", "alice")
	connID := f.join(t, bob, "room-1", "bob")

	// Bob acknowledges alice's join with the 'added' leg of the symmetric
	// connect; the server relays it verbatim.
	sendEnvelope(t, bob, protocol.SetChangeUnit, "alice", connID, protocol.SetChangeUnitData{
		Target:    "bob",
		EventName: protocol.UnitEventAdded,
	})

	env := waitFor(t, alice, protocol.SetChangeUnit)
	data, err := protocol.Decode[protocol.SetChangeUnitData](protocol.SetChangeUnit, env)
	require.NoError(t, err)
	for data.EventName != protocol.UnitEventAdded {
		env = waitFor(t, alice, protocol.SetChangeUnit)
		data, err = protocol.Decode[protocol.SetChangeUnitData](protocol.SetChangeUnit, env)
		require.NoError(t, err)
	}
	assert.Equal(t, "bob", data.Target)
}

func TestWebSocketServer_RoomGuests(t *testing.T) {
	f := newServerFixture(t)
	alice := f.dial(t)
	bob := f.dial(t)

	f.join(t, alice, "room-1", "alice")
	connID := f.join(t, bob, "room-1", "bob")

	sendEnvelope(t, bob, protocol.GetRoomGuests, "bob", connID, protocol.GetRoomGuestsData{RoomID: "room-1"})
	env := waitFor(t, bob, protocol.SetRoomGuests)
	data, err := protocol.Decode[protocol.SetRoomGuestsData](protocol.SetRoomGuests, env)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, data.RoomUsers)
	assert.Empty(t, data.Muteds)
}

func TestWebSocketServer_MuteBroadcast(t *testing.T) {
	f := newServerFixture(t)
	alice := f.dial(t)
	bob := f.dial(t)

	f.join(t, alice, "room-1", "alice")
	connID := f.join(t, bob, "room-1", "bob")

	sendEnvelope(t, bob, protocol.GetMute, "bob", connID, protocol.GetMuteData{Muted: true, RoomID: "room-1"})

	for _, conn := range []*websocket.Conn{alice, bob} {
		env := waitFor(t, conn, protocol.SetMute)
		data, err := protocol.Decode[protocol.SetMuteData](protocol.SetMute, env)
		require.NoError(t, err)
		assert.Equal(t, []string{"bob"}, data.Muteds)
	}

	snap, _ := f.registry.Snapshot("room-1")
	assert.Equal(t, []domain.UserID{"bob"}, snap.Muteds)
}

func TestWebSocketServer_ChatRoundTrip(t *testing.T) {
	f := newServerFixture(t)
	alice := f.dial(t)
	bob := f.dial(t)

	f.join(t, alice, "room-1", "alice")
	connID := f.join(t, bob, "room-1", "bob")

	sendEnvelope(t, bob, protocol.GetRoomMessage, "bob", connID, protocol.RoomMessageData{
		RoomID: "room-1",
		UserID: "bob",
		Text:   "hello room",
	})

	// The author gets the ack, everyone else the chat unit.
	ack := waitFor(t, bob, protocol.SetRoomMessage)
	ackData, err := protocol.Decode[protocol.ChatUnitData](protocol.SetRoomMessage, ack)
	require.NoError(t, err)
	assert.Equal(t, "hello room", ackData.Message.Text)
	assert.NotZero(t, ackData.Message.CreatedAt)

	unit := waitFor(t, alice, protocol.SetChatUnit)
	unitData, err := protocol.Decode[protocol.ChatUnitData](protocol.SetChatUnit, unit)
	require.NoError(t, err)
	assert.Equal(t, "bob", unitData.Message.UserID)

	// History replays it.
	sendEnvelope(t, alice, protocol.GetChatMessages, "alice", "", protocol.GetChatMessagesData{RoomID: "room-1"})
	hist := waitFor(t, alice, protocol.SetChatMessages)
	histData, err := protocol.Decode[protocol.SetChatMessagesData](protocol.SetChatMessages, hist)
	require.NoError(t, err)
	require.Len(t, histData.Messages, 1)
	assert.Equal(t, "hello room", histData.Messages[0].Text)
}

func TestWebSocketServer_DisconnectCascades(t *testing.T) {
	f := newServerFixture(t)
	alice := f.dial(t)
	bob := f.dial(t)

	f.join(t, alice, "room-1", "alice")
	f.join(t, bob, "room-1", "bob")

	bob.Close()

	env := waitFor(t, alice, protocol.SetChangeUnit)
	data, err := protocol.Decode[protocol.SetChangeUnitData](protocol.SetChangeUnit, env)
	require.NoError(t, err)
	for data.EventName != protocol.UnitEventDelete {
		env = waitFor(t, alice, protocol.SetChangeUnit)
		data, err = protocol.Decode[protocol.SetChangeUnitData](protocol.SetChangeUnit, env)
		require.NoError(t, err)
	}
	assert.Equal(t, "bob", data.Target)

	assert.Eventually(t, func() bool {
		snap, ok := f.registry.Snapshot("room-1")
		if !ok {
			return false
		}
		return len(snap.Users) == 1 && snap.Users[0] == "alice"
	}, 2*time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		for _, k := range f.peers.LiveKeys() {
			if k.Touches("bob") {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketServer_MalformedFramesIgnored(t *testing.T) {
	f := newServerFixture(t)
	conn := f.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{broken")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"NO_SUCH_KIND","id":"x"}`)))

	sendEnvelope(t, conn, protocol.GetUserID, "alice", "", nil)
	env := waitFor(t, conn, protocol.SetUserID)
	assert.Equal(t, "alice", env.ID)
}

func TestWebSocketServer_ReconnectReplacesSocket(t *testing.T) {
	f := newServerFixture(t)
	first := f.dial(t)
	sendEnvelope(t, first, protocol.GetUserID, "alice", "", nil)
	waitFor(t, first, protocol.SetUserID)

	second := f.dial(t)
	sendEnvelope(t, second, protocol.GetUserID, "alice", "", nil)
	waitFor(t, second, protocol.SetUserID)

	// The first socket is closed by the server.
	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}
	assert.Len(t, f.server.ConnectedUsers(), 1)
}

func TestWebSocketServer_SendToUnknownUser(t *testing.T) {
	f := newServerFixture(t)
	env, err := protocol.NewEnvelope(protocol.SetError, "ghost", "", protocol.SetErrorData{Message: "x"})
	require.NoError(t, err)
	assert.ErrorIs(t, f.server.SendToUser("ghost", env), domain.ErrPeerNotFound)
}

func TestWebSocketServer_OfferRoutedToPeerManager(t *testing.T) {
	f := newServerFixture(t)
	conn := f.dial(t)
	connID := f.join(t, conn, "room-1", "alice")

	sendEnvelope(t, conn, protocol.Offer, "room-1", connID, protocol.OfferData{
		SDP:    json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
		UserID: "alice",
		Target: string(domain.AnchorTarget),
	})

	env := waitFor(t, conn, protocol.Answer)
	data, err := protocol.Decode[protocol.OfferData](protocol.Answer, env)
	require.NoError(t, err)
	assert.Equal(t, "room-1", data.UserID)
	assert.NotEmpty(t, data.SDP)
}

func TestWebSocketServer_StaleCleanupSkipsReconnectedUser(t *testing.T) {
	f := newServerFixture(t)
	conn := f.dial(t)
	connID := f.join(t, conn, "room-1", "alice")

	// Stands in for a socket this user replaced by reconnecting: its
	// cleanup runs after the live session re-joined and must not touch
	// the membership the live session owns.
	stale := &session{
		connID: "conn-stale",
		user:   "alice",
		room:   "room-1",
		joined: true,
	}
	f.server.cleanup(stale)

	snap, ok := f.registry.Snapshot("room-1")
	require.True(t, ok, "room torn down by stale session cleanup")
	assert.Equal(t, []domain.UserID{"alice"}, snap.Users)

	keys := f.peers.LiveKeys()
	require.Len(t, keys, 1)
	assert.Equal(t, domain.ConnID(connID), keys[0].Conn)

	assert.Len(t, f.server.ConnectedUsers(), 1)
}

func TestWebSocketServer_ReconnectRejoinKeepsMembership(t *testing.T) {
	f := newServerFixture(t)
	first := f.dial(t)
	f.join(t, first, "room-1", "alice")

	second := f.dial(t)
	newConnID := f.join(t, second, "room-1", "alice")

	// Wait out the first socket's close and the cleanup it triggers.
	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}
	time.Sleep(200 * time.Millisecond)

	snap, ok := f.registry.Snapshot("room-1")
	require.True(t, ok, "room torn down after reconnect")
	assert.Equal(t, []domain.UserID{"alice"}, snap.Users)

	found := false
	for _, k := range f.peers.LiveKeys() {
		if k.IsAnchor() && k.User == "alice" && k.Conn == domain.ConnID(newConnID) {
			found = true
		}
	}
	assert.True(t, found, "replacement anchor leg missing")
}

func TestWebSocketServer_FrameBurst(t *testing.T) {
	f := newServerFixture(t)
	conn := f.dial(t)
	connID := f.join(t, conn, "room-1", "alice")

	const burst = 30
	for i := 0; i < burst; i++ {
		sendEnvelope(t, conn, protocol.GetRoomMessage, "alice", connID, protocol.RoomMessageData{
			RoomID: "room-1",
			UserID: "alice",
			Text:   "m",
		})
	}

	sendEnvelope(t, conn, protocol.GetChatMessages, "alice", connID, protocol.GetChatMessagesData{RoomID: "room-1"})
	env := waitFor(t, conn, protocol.SetChatMessages)
	data, err := protocol.Decode[protocol.SetChatMessagesData](protocol.SetChatMessages, env)
	require.NoError(t, err)
	assert.Len(t, data.Messages, burst)
}
