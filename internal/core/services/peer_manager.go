package services

import (
	"encoding/json"
	"errors"
	"sync"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
	"meshroom/internal/protocol"

	"go.uber.org/zap"
)

// pendingCandidateLimit bounds the per-leg queue of candidates that arrive
// before the leg's remote description is set. Overflow drops the oldest.
const pendingCandidateLimit = 32

type leg struct {
	key       domain.PeerKey
	conn      ports.MediaConnection
	state     domain.ConnectionState
	remoteSet bool
	pending   []json.RawMessage
}

type stageKey struct {
	room domain.RoomID
	user domain.UserID
}

// NegotiationObserver receives counters from the peer manager. The
// prometheus collector implements it; a nil observer is valid.
type NegotiationObserver interface {
	LegOpened()
	LegClosed()
	NegotiationFailed()
	CandidateDropped()
}

// PeerManager owns one negotiation state machine per PeerKey and keeps the
// room registry in sync with ICE connectivity outcomes. The server side is
// always the answerer: clients offer, the manager applies and replies.
type PeerManager struct {
	mu     sync.Mutex
	legs   map[domain.PeerKey]*leg
	staged map[stageKey][]ports.Track

	engine   ports.MediaEngine
	registry ports.RoomRegistry
	sender   ports.Sender
	observer NegotiationObserver

	// onClosed composes with the default teardown; the websocket server
	// hooks cleanup cascades here.
	onClosed func(domain.PeerKey)

	logger *zap.SugaredLogger
}

func NewPeerManager(engine ports.MediaEngine, registry ports.RoomRegistry, logger *zap.SugaredLogger) *PeerManager {
	return &PeerManager{
		legs:     make(map[domain.PeerKey]*leg),
		staged:   make(map[stageKey][]ports.Track),
		engine:   engine,
		registry: registry,
		logger:   logger,
	}
}

var _ ports.PeerManager = (*PeerManager)(nil)

// SetSender wires the outbound signal path. The manager and the socket
// server reference each other, so the sender binds after construction.
// Must be called before traffic.
func (m *PeerManager) SetSender(s ports.Sender) { m.sender = s }

// SetObserver wires the metrics observer. Must be called before traffic.
func (m *PeerManager) SetObserver(o NegotiationObserver) { m.observer = o }

// OnClosed installs the close notification hook invoked after a leg has
// been torn down by an ICE terminal state. Default behavior is log only.
func (m *PeerManager) OnClosed(fn func(domain.PeerKey)) { m.onClosed = fn }

// CreateConnection allocates a peer connection for a free key. A key that is
// already live is an error: callers must close before recreating.
func (m *PeerManager) CreateConnection(key domain.PeerKey) error {
	m.mu.Lock()
	if _, ok := m.legs[key]; ok {
		m.mu.Unlock()
		m.logger.Warnw("peer connection exists, close before recreate", "key", key)
		return domain.ErrPeerExists
	}
	conn, err := m.engine.NewConnection()
	if err != nil {
		m.mu.Unlock()
		return err
	}
	l := &leg{key: key, conn: conn, state: domain.StateCreated}
	m.legs[key] = l
	m.mu.Unlock()

	m.wireLeg(l)
	if m.observer != nil {
		m.observer.LegOpened()
	}
	m.logger.Infow("peer connection created", "key", key)
	return nil
}

// HandleOffer applies a remote offer, stages previously received tracks onto
// peer-to-peer legs, and answers on the same connection instance. Engine
// rejection aborts this negotiation only and reports SET_ERROR to the
// offering user.
func (m *PeerManager) HandleOffer(env protocol.Envelope) error {
	data, err := protocol.Decode[protocol.OfferData](protocol.Offer, env)
	if err != nil {
		return err
	}
	if len(data.SDP) == 0 {
		m.logger.Warnw("offer without sdp", "user", data.UserID, "target", data.Target)
		return domain.ErrNoSDP
	}
	key := domain.PeerKey{
		Room:   domain.RoomID(env.ID),
		User:   domain.UserID(data.UserID),
		Target: domain.UserID(data.Target),
		Conn:   domain.ConnID(env.ConnID),
	}
	// Peer-to-peer case: the leg is created lazily on first offer.
	if !key.IsAnchor() {
		if err := m.CreateConnection(key); err != nil && !errors.Is(err, domain.ErrPeerExists) {
			return err
		}
	}

	m.mu.Lock()
	l, ok := m.legs[key]
	m.mu.Unlock()
	if !ok {
		m.logger.Warnw("offer for missing peer connection", "key", key)
		return domain.ErrPeerNotFound
	}

	if err := l.conn.SetRemoteDescription(data.SDP); err != nil {
		m.abortNegotiation(key, "set remote description error", err)
		return err
	}

	m.mu.Lock()
	l.remoteSet = true
	l.state = domain.StateNegotiating
	queued := l.pending
	l.pending = nil
	var tracks []ports.Track
	if !key.IsAnchor() {
		tracks = m.staged[stageKey{key.Room, key.Target}]
	}
	m.mu.Unlock()

	for _, cand := range queued {
		if err := l.conn.AddICECandidate(cand); err != nil {
			m.logger.Warnw("queued candidate rejected", "key", key, "error", err)
		}
	}
	// Staged retransmission: the target's tracks arrived on its anchor leg
	// before this leg existed.
	for _, t := range tracks {
		if err := l.conn.AddTrack(t); err != nil {
			m.logger.Warnw("failed to attach staged track", "key", key, "track", t.ID(), "error", err)
		}
	}

	answer, err := l.conn.CreateAnswer()
	if err != nil {
		m.abortNegotiation(key, "create answer error", err)
		return err
	}
	// The answer's userId slot carries the room so the client resolves the
	// same structured key from its side.
	reply, err := protocol.NewEnvelope(protocol.Answer, data.UserID, env.ConnID, protocol.OfferData{
		SDP:    answer,
		UserID: string(key.Room),
		Target: data.Target,
	})
	if err != nil {
		return err
	}
	return m.sender.SendToUser(key.User, reply)
}

// HandleAnswer applies a remote answer. The exchange terminates here; there
// is no relay.
func (m *PeerManager) HandleAnswer(env protocol.Envelope) error {
	data, err := protocol.Decode[protocol.OfferData](protocol.Answer, env)
	if err != nil {
		return err
	}
	key := domain.PeerKey{
		Room:   domain.RoomID(env.ID),
		User:   domain.UserID(data.UserID),
		Target: domain.UserID(data.Target),
		Conn:   domain.ConnID(env.ConnID),
	}
	m.mu.Lock()
	l, ok := m.legs[key]
	m.mu.Unlock()
	if !ok {
		m.logger.Warnw("answer for missing peer connection", "key", key)
		return domain.ErrPeerNotFound
	}
	if err := l.conn.SetRemoteDescription(data.SDP); err != nil {
		m.abortNegotiation(key, "set answer description error", err)
		return err
	}
	m.mu.Lock()
	l.remoteSet = true
	m.mu.Unlock()
	return nil
}

// HandleCandidate routes a candidate to its leg. The anchor special case
// scans live legs for the user's anchor connId, because the candidate
// arrives before the leg's own connId is otherwise known. A candidate whose
// leg does not exist is dropped without touching the connection table;
// candidates racing ahead of the leg's remote description are queued.
func (m *PeerManager) HandleCandidate(env protocol.Envelope) error {
	data, err := protocol.Decode[protocol.CandidateData](protocol.Candidate, env)
	if err != nil {
		return err
	}
	key := domain.PeerKey{
		Room:   domain.RoomID(env.ID),
		User:   domain.UserID(data.UserID),
		Target: domain.UserID(data.Target),
		Conn:   domain.ConnID(env.ConnID),
	}

	m.mu.Lock()
	if key.IsAnchor() {
		for k := range m.legs {
			if k.Room == key.Room && k.User == key.User && k.IsAnchor() {
				key.Conn = k.Conn
				break
			}
		}
	}
	l, ok := m.legs[key]
	if !ok {
		m.mu.Unlock()
		if m.observer != nil {
			m.observer.CandidateDropped()
		}
		m.logger.Infow("candidate dropped, no peer connection", "key", key)
		return nil
	}
	if !l.remoteSet {
		if len(l.pending) >= pendingCandidateLimit {
			l.pending = l.pending[1:]
			if m.observer != nil {
				m.observer.CandidateDropped()
			}
			m.logger.Warnw("pending candidate queue overflow", "key", key)
		}
		l.pending = append(l.pending, data.Candidate)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := l.conn.AddICECandidate(data.Candidate); err != nil {
		m.logger.Warnw("set candidate error", "key", key, "error", err)
		m.sendError(key.User, env.ConnID, "set candidate error")
	}
	return nil
}

// ClosePeer tears down every live leg between user and target in the room,
// regardless of connection instance. Missing legs are a benign no-op.
func (m *PeerManager) ClosePeer(room domain.RoomID, user domain.UserID, target domain.UserID) {
	for _, k := range m.LiveKeys() {
		if k.Room == room && k.User == user && k.Target == target {
			m.closeLeg(k, false)
		}
	}
}

// CloseAll tears down every leg touching the user in the room, as local or
// as target, and clears the user's staged tracks. Used on disconnect or ban.
func (m *PeerManager) CloseAll(room domain.RoomID, user domain.UserID) {
	for _, k := range m.LiveKeys() {
		if k.Room == room && k.Touches(user) {
			m.closeLeg(k, false)
		}
	}
	m.mu.Lock()
	delete(m.staged, stageKey{room, user})
	m.mu.Unlock()
}

// LiveKeys snapshots the keys of all live legs.
func (m *PeerManager) LiveKeys() []domain.PeerKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]domain.PeerKey, 0, len(m.legs))
	for k := range m.legs {
		keys = append(keys, k)
	}
	return keys
}

// wireLeg registers the engine callbacks driving the leg's state machine.
func (m *PeerManager) wireLeg(l *leg) {
	key := l.key
	l.conn.OnICECandidate(func(candidate json.RawMessage) {
		env, err := protocol.NewEnvelope(protocol.Candidate, string(key.Room), string(key.Conn), protocol.CandidateData{
			Candidate: candidate,
			UserID:    string(key.User),
			Target:    string(key.Target),
		})
		if err != nil {
			m.logger.Errorw("encode outgoing candidate", "key", key, "error", err)
			return
		}
		if err := m.sender.SendToUser(key.User, env); err != nil {
			m.logger.Warnw("relay outgoing candidate", "key", key, "error", err)
		}
	})
	l.conn.OnTrack(func(t ports.Track) {
		if !key.IsAnchor() {
			return
		}
		m.mu.Lock()
		sk := stageKey{key.Room, key.User}
		m.staged[sk] = append(m.staged[sk], t)
		m.mu.Unlock()
		m.logger.Infow("track staged", "key", key, "track", t.ID(), "kind", t.Kind())
	})
	l.conn.OnStateChange(func(state domain.ConnectionState) {
		m.logger.Infow("ice connection state changed", "key", key, "state", state)
		m.mu.Lock()
		l.state = state
		m.mu.Unlock()
		switch {
		case state == domain.StateConnected && key.IsAnchor():
			// New joins become visible through this broadcast.
			m.broadcastGuests(key.Room, key.Conn)
		case state.Terminal():
			m.closeLeg(key, state != domain.StateClosed)
		}
	})
}

// broadcastGuests fans the current membership list out to every member.
func (m *PeerManager) broadcastGuests(room domain.RoomID, conn domain.ConnID) {
	snap, ok := m.registry.Snapshot(room)
	if !ok {
		return
	}
	users := make([]string, len(snap.Users))
	for i, u := range snap.Users {
		users[i] = string(u)
	}
	muteds := make([]string, len(snap.Muteds))
	for i, u := range snap.Muteds {
		muteds[i] = string(u)
	}
	for _, member := range snap.Users {
		env, err := protocol.NewEnvelope(protocol.SetRoomGuests, string(member), string(conn), protocol.SetRoomGuestsData{
			RoomUsers: users,
			Muteds:    muteds,
		})
		if err != nil {
			m.logger.Errorw("encode room guests", "room", room, "error", err)
			return
		}
		if err := m.sender.SendToUser(member, env); err != nil {
			m.logger.Warnw("send room guests", "room", room, "member", member, "error", err)
		}
	}
}

// closeLeg detaches all handlers before the close completes so no stale
// callback can fire into a key about to be reused, then removes the entry
// and runs the close hook. needReconnect asks the leg's local user to
// re-establish a failed peer-to-peer leg.
func (m *PeerManager) closeLeg(key domain.PeerKey, needReconnect bool) {
	m.mu.Lock()
	l, ok := m.legs[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.legs, key)
	m.mu.Unlock()

	l.conn.DetachAll()
	if err := l.conn.Close(); err != nil {
		m.logger.Warnw("close peer connection", "key", key, "error", err)
	}
	if m.observer != nil {
		m.observer.LegClosed()
	}
	m.logger.Infow("peer connection closed", "key", key, "live", len(m.LiveKeys()))

	if needReconnect && !key.IsAnchor() {
		env, err := protocol.NewEnvelope(protocol.GetNeedReconnect, string(key.User), string(key.Conn), protocol.GetNeedReconnectData{
			UserID: string(key.Target),
		})
		if err == nil {
			if err := m.sender.SendToUser(key.User, env); err != nil {
				m.logger.Warnw("send need reconnect", "key", key, "error", err)
			}
		}
	}
	if m.onClosed != nil {
		m.onClosed(key)
	}
}

// abortNegotiation closes the failing leg and reports the failure to the
// initiating user. Other peers' negotiations are unaffected.
func (m *PeerManager) abortNegotiation(key domain.PeerKey, msg string, err error) {
	m.logger.Errorw(msg, "key", key, "error", err)
	if m.observer != nil {
		m.observer.NegotiationFailed()
	}
	m.sendError(key.User, string(key.Conn), msg)
	m.closeLeg(key, false)
}

func (m *PeerManager) sendError(user domain.UserID, connID, msg string) {
	env, err := protocol.NewEnvelope(protocol.SetError, string(user), connID, protocol.SetErrorData{Message: msg})
	if err != nil {
		return
	}
	if err := m.sender.SendToUser(user, env); err != nil {
		m.logger.Warnw("send error message", "user", user, "error", err)
	}
}
