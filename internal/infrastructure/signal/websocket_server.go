package signal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
	"meshroom/internal/protocol"
	"meshroom/pkg/validation"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Options tunes the websocket server timeouts and per-socket limits.
type Options struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	MessagesPerSecond float64
	MessageBurst      int
	MaxMessageSize    int64
}

func DefaultOptions() Options {
	return Options{
		PingInterval:      30 * time.Second,
		PongTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		MessagesPerSecond: 100,
		MessageBurst:      200,
		MaxMessageSize:    1 << 20,
	}
}

// WebSocketServer is the signaling relay. One session per socket: the server
// mints the connection instance token on upgrade, the client claims a user
// id with GET_USER_ID, joins a room with GET_ROOM, and all further kinds are
// routed to the peer manager, registry or chat service.
type WebSocketServer struct {
	registry ports.RoomRegistry
	peers    ports.PeerManager
	chat     ports.ChatService

	mu      sync.RWMutex
	clients map[domain.UserID]*session

	opts   Options
	logger *zap.SugaredLogger
}

// session is one live socket. Writes go through the session mutex: gorilla
// connections allow a single concurrent writer.
type session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	connID domain.ConnID
	user   domain.UserID
	room   domain.RoomID
	joined bool

	limiter *rate.Limiter
}

func NewWebSocketServer(registry ports.RoomRegistry, peers ports.PeerManager, chat ports.ChatService, opts Options, logger *zap.SugaredLogger) *WebSocketServer {
	return &WebSocketServer{
		registry: registry,
		peers:    peers,
		chat:     chat,
		clients:  make(map[domain.UserID]*session),
		opts:     opts,
		logger:   logger,
	}
}

var _ ports.Sender = (*WebSocketServer)(nil)

// HandleWebSocket upgrades one signaling session and pumps its messages
// until the socket closes, then cascades the disconnect cleanup.
func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sess := &session{
		conn:    conn,
		connID:  domain.ConnID(uuid.NewString()),
		limiter: rate.NewLimiter(rate.Limit(s.opts.MessagesPerSecond), s.opts.MessageBurst),
	}
	s.logger.Infow("signaling session opened", "connId", sess.connID, "remote", r.RemoteAddr)

	if s.opts.MaxMessageSize > 0 {
		conn.SetReadLimit(s.opts.MaxMessageSize)
	}
	conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
		return nil
	})

	// Pings run on their own goroutine; a ping failure closes the socket,
	// which unblocks the read loop below. The read loop is the only place
	// frames are handled, so nothing can block on a dropped session.
	stopPing := make(chan struct{})
	defer close(stopPing)

	go func() {
		ticker := time.NewTicker(s.opts.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopPing:
				return
			case <-ticker.C:
				sess.writeMu.Lock()
				conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
				err := conn.WriteMessage(websocket.PingMessage, nil)
				sess.writeMu.Unlock()
				if err != nil {
					s.logger.Infow("error sending ping", "connId", sess.connID, "error", err)
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading from session", "connId", sess.connID, "error", err)
			}
			s.cleanup(sess)
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))

		if !sess.limiter.Allow() {
			s.logger.Warnw("message rate limit exceeded", "connId", sess.connID, "user", sess.user)
			continue
		}
		s.handleFrame(sess, raw)
	}
}

// handleFrame parses and dispatches one frame. Malformed envelopes are
// protocol errors: dropped with a log line, never fatal to the socket.
func (s *WebSocketServer) handleFrame(sess *session, raw []byte) {
	env, err := protocol.Parse(raw)
	if err != nil {
		s.logger.Debugw("dropping malformed envelope", "connId", sess.connID, "error", err)
		return
	}
	// Every client-originated envelope carries the session's token from
	// SET_USER_ID on; fill it in for the first exchange.
	if env.ConnID == "" {
		env.ConnID = string(sess.connID)
	}

	switch env.Type {
	case protocol.GetUserID:
		s.handleGetUserID(sess, *env)
	case protocol.GetRoom:
		s.handleGetRoom(sess, *env)
	case protocol.Offer:
		if err := s.peers.HandleOffer(*env); err != nil {
			s.logger.Infow("offer not handled", "connId", sess.connID, "error", err)
		}
	case protocol.Answer:
		if err := s.peers.HandleAnswer(*env); err != nil {
			s.logger.Infow("answer not handled", "connId", sess.connID, "error", err)
		}
	case protocol.Candidate:
		if err := s.peers.HandleCandidate(*env); err != nil {
			s.logger.Infow("candidate not handled", "connId", sess.connID, "error", err)
		}
	case protocol.GetRoomGuests:
		s.handleGetRoomGuests(sess, *env)
	case protocol.GetMute:
		s.handleGetMute(sess, *env)
	case protocol.GetClosePeerConnection:
		s.handleClosePeerConnection(sess, *env)
	case protocol.SetChangeUnit:
		// Client-to-client 'added' leg of the symmetric connect; the
		// envelope is addressed to its recipient and relayed verbatim.
		if err := s.SendToUser(domain.UserID(env.ID), *env); err != nil {
			s.logger.Infow("change unit relay failed", "target", env.ID, "error", err)
		}
	case protocol.GetRoomMessage:
		s.handleRoomMessage(sess, *env)
	case protocol.GetChatMessages:
		s.handleChatMessages(sess, *env)
	default:
		s.logger.Debugw("dropping unexpected kind", "type", env.Type, "connId", sess.connID)
	}
}

func (s *WebSocketServer) handleGetUserID(sess *session, env protocol.Envelope) {
	user := domain.UserID(env.ID)

	s.mu.Lock()
	if old, ok := s.clients[user]; ok && old != sess {
		// A reconnecting user replaces its old socket.
		old.conn.Close()
		s.logger.Infow("closing old session for reconnecting user", "user", user)
	}
	sess.user = user
	s.clients[user] = sess
	s.mu.Unlock()

	reply, err := protocol.NewEnvelope(protocol.SetUserID, env.ID, string(sess.connID), nil)
	if err != nil {
		return
	}
	s.send(sess, reply)
}

func (s *WebSocketServer) handleGetRoom(sess *session, env protocol.Envelope) {
	data, err := protocol.Decode[protocol.GetRoomData](protocol.GetRoom, env)
	if err != nil {
		s.logger.Warnw("bad GET_ROOM payload", "connId", sess.connID, "error", err)
		return
	}
	if err := validation.ValidateRoomID(env.ID); err != nil {
		s.logger.Warnw("rejecting GET_ROOM", "connId", sess.connID, "error", err)
		return
	}
	if err := validation.ValidateUserID(data.UserID); err != nil {
		s.logger.Warnw("rejecting GET_ROOM", "connId", sess.connID, "error", err)
		return
	}
	room := domain.RoomID(env.ID)
	user := domain.UserID(data.UserID)

	s.registry.AddUser(room, user)
	sess.room = room
	sess.joined = true

	key := domain.PeerKey{Room: room, User: user, Target: domain.AnchorTarget, Conn: sess.connID}
	if err := s.peers.CreateConnection(key); err != nil {
		s.logger.Warnw("anchor connection not created", "key", key, "error", err)
	}

	reply, err := protocol.NewEnvelope(protocol.SetRoom, env.ID, string(sess.connID), nil)
	if err != nil {
		return
	}
	s.send(sess, reply)

	// Existing members learn about the join immediately; the full guest
	// list follows once the anchor leg reports connected.
	s.broadcastChangeUnit(room, user, protocol.UnitEventAdd, string(sess.connID))
}

func (s *WebSocketServer) handleGetRoomGuests(sess *session, env protocol.Envelope) {
	data, err := protocol.Decode[protocol.GetRoomGuestsData](protocol.GetRoomGuests, env)
	if err != nil {
		s.logger.Warnw("bad GET_ROOM_GUESTS payload", "connId", sess.connID, "error", err)
		return
	}
	snap, ok := s.registry.Snapshot(domain.RoomID(data.RoomID))
	if !ok {
		s.logger.Infow("guests requested for unknown room", "room", data.RoomID)
		return
	}
	reply, err := protocol.NewEnvelope(protocol.SetRoomGuests, env.ID, env.ConnID, protocol.SetRoomGuestsData{
		RoomUsers: userStrings(snap.Users),
		Muteds:    userStrings(snap.Muteds),
	})
	if err != nil {
		return
	}
	s.send(sess, reply)
}

func (s *WebSocketServer) handleGetMute(sess *session, env protocol.Envelope) {
	data, err := protocol.Decode[protocol.GetMuteData](protocol.GetMute, env)
	if err != nil {
		s.logger.Warnw("bad GET_MUTE payload", "connId", sess.connID, "error", err)
		return
	}
	room := domain.RoomID(data.RoomID)
	s.registry.SetMuted(room, domain.UserID(env.ID), data.Muted)

	snap, ok := s.registry.Snapshot(room)
	if !ok {
		return
	}
	for _, member := range snap.Users {
		out, err := protocol.NewEnvelope(protocol.SetMute, string(member), env.ConnID, protocol.SetMuteData{
			Muteds: userStrings(snap.Muteds),
		})
		if err != nil {
			return
		}
		if err := s.SendToUser(member, out); err != nil {
			s.logger.Debugw("mute broadcast skipped member", "member", member, "error", err)
		}
	}
}

func (s *WebSocketServer) handleClosePeerConnection(sess *session, env protocol.Envelope) {
	data, err := protocol.Decode[protocol.ClosePeerConnectionData](protocol.GetClosePeerConnection, env)
	if err != nil {
		s.logger.Warnw("bad GET_CLOSE_PEER_CONNECTION payload", "connId", sess.connID, "error", err)
		return
	}
	room := domain.RoomID(data.RoomID)
	user := domain.UserID(env.ID)
	target := domain.UserID(data.Target)

	// Both directions of the broken pair are forgotten so the next
	// membership snapshot renegotiates from scratch.
	s.peers.ClosePeer(room, user, target)
	s.peers.ClosePeer(room, target, user)

	reply, err := protocol.NewEnvelope(protocol.SetClosePeerConnection, env.ID, env.ConnID, data)
	if err != nil {
		return
	}
	s.send(sess, reply)
}

func (s *WebSocketServer) handleRoomMessage(sess *session, env protocol.Envelope) {
	data, err := protocol.Decode[protocol.RoomMessageData](protocol.GetRoomMessage, env)
	if err != nil {
		s.logger.Warnw("bad GET_ROOM_MESSAGE payload", "connId", sess.connID, "error", err)
		return
	}
	room := domain.RoomID(data.RoomID)
	msg := protocol.ChatMessage{
		UserID:    data.UserID,
		Text:      data.Text,
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := s.chat.Post(context.Background(), room, msg); err != nil {
		s.logger.Warnw("chat message not stored", "room", room, "error", err)
	}

	ack, err := protocol.NewEnvelope(protocol.SetRoomMessage, env.ID, env.ConnID, protocol.ChatUnitData{RoomID: data.RoomID, Message: msg})
	if err != nil {
		return
	}
	s.send(sess, ack)

	snap, ok := s.registry.Snapshot(room)
	if !ok {
		return
	}
	for _, member := range snap.Users {
		if member == sess.user {
			continue
		}
		out, err := protocol.NewEnvelope(protocol.SetChatUnit, string(member), env.ConnID, protocol.ChatUnitData{RoomID: data.RoomID, Message: msg})
		if err != nil {
			return
		}
		if err := s.SendToUser(member, out); err != nil {
			s.logger.Debugw("chat broadcast skipped member", "member", member, "error", err)
		}
	}
}

func (s *WebSocketServer) handleChatMessages(sess *session, env protocol.Envelope) {
	data, err := protocol.Decode[protocol.GetChatMessagesData](protocol.GetChatMessages, env)
	if err != nil {
		s.logger.Warnw("bad GET_CHAT_MESSAGES payload", "connId", sess.connID, "error", err)
		return
	}
	messages, err := s.chat.History(context.Background(), domain.RoomID(data.RoomID), data.Skip, data.Take)
	if err != nil {
		s.logger.Warnw("chat history read failed", "room", data.RoomID, "error", err)
		return
	}
	reply, err := protocol.NewEnvelope(protocol.SetChatMessages, env.ID, env.ConnID, protocol.SetChatMessagesData{Messages: messages})
	if err != nil {
		return
	}
	s.send(sess, reply)
}

// cleanup cascades a socket loss: every leg touching the user is torn down,
// the user leaves the room and remaining members get the delete event.
// A session that lost its clients slot to a reconnect must not cascade:
// the replacement owns the membership and legs now.
func (s *WebSocketServer) cleanup(sess *session) {
	s.mu.Lock()
	replaced := sess.user != "" && s.clients[sess.user] != sess
	if sess.user != "" && !replaced {
		delete(s.clients, sess.user)
	}
	s.mu.Unlock()

	if !sess.joined {
		s.logger.Infow("signaling session closed", "connId", sess.connID)
		return
	}
	if replaced {
		s.logger.Infow("stale session closed after reconnect", "connId", sess.connID, "user", sess.user)
		return
	}

	s.peers.CloseAll(sess.room, sess.user)
	s.registry.RemoveUser(sess.room, sess.user)
	s.broadcastChangeUnit(sess.room, sess.user, protocol.UnitEventDelete, string(sess.connID))
	s.logger.Infow("user disconnected", "user", sess.user, "room", sess.room)
}

// broadcastChangeUnit tells every other member that target joined or left.
func (s *WebSocketServer) broadcastChangeUnit(room domain.RoomID, target domain.UserID, eventName, connID string) {
	snap, ok := s.registry.Snapshot(room)
	if !ok {
		return
	}
	for _, member := range snap.Users {
		if member == target {
			continue
		}
		out, err := protocol.NewEnvelope(protocol.SetChangeUnit, string(member), connID, protocol.SetChangeUnitData{
			Target:     string(target),
			EventName:  eventName,
			RoomLength: len(snap.Users),
			Muteds:     userStrings(snap.Muteds),
		})
		if err != nil {
			return
		}
		if err := s.SendToUser(member, out); err != nil {
			s.logger.Debugw("change unit skipped member", "member", member, "error", err)
		}
	}
}

// SendToUser delivers an envelope to the user's live socket.
func (s *WebSocketServer) SendToUser(user domain.UserID, env protocol.Envelope) error {
	s.mu.RLock()
	sess, ok := s.clients[user]
	s.mu.RUnlock()
	if !ok {
		return domain.ErrPeerNotFound
	}
	return s.send(sess, env)
}

func (s *WebSocketServer) send(sess *session, env protocol.Envelope) error {
	raw, err := protocol.Marshal(env)
	if err != nil {
		return err
	}
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	sess.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	return sess.conn.WriteMessage(websocket.TextMessage, raw)
}

// ConnectedUsers lists users with a live signaling socket.
func (s *WebSocketServer) ConnectedUsers() []domain.UserID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]domain.UserID, 0, len(s.clients))
	for user := range s.clients {
		users = append(users, user)
	}
	return users
}

func userStrings(users []domain.UserID) []string {
	out := make([]string, len(users))
	for i, u := range users {
		out[i] = string(u)
	}
	return out
}
