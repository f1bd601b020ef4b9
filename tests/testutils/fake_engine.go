// Package testutils provides in-memory fakes for the media engine so the
// negotiation core can be exercised without opening real peer connections.
package testutils

import (
	"encoding/json"
	"sync"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
	"meshroom/internal/protocol"
)

// FakeTrack satisfies ports.Track with fixed metadata.
type FakeTrack struct {
	TrackID   string
	TrackKind string
}

func (t FakeTrack) ID() string   { return t.TrackID }
func (t FakeTrack) Kind() string { return t.TrackKind }

// FakeToggleTrack is a FakeTrack that also records enable/disable calls,
// for tests covering the mute and video toggles.
type FakeToggleTrack struct {
	TrackID   string
	TrackKind string

	mu      sync.Mutex
	enabled bool
}

func NewFakeToggleTrack(id, kind string) *FakeToggleTrack {
	return &FakeToggleTrack{TrackID: id, TrackKind: kind, enabled: true}
}

func (t *FakeToggleTrack) ID() string   { return t.TrackID }
func (t *FakeToggleTrack) Kind() string { return t.TrackKind }

func (t *FakeToggleTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *FakeToggleTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// FakeEngine mints FakeConnections and remembers them in creation order.
type FakeEngine struct {
	mu    sync.Mutex
	conns []*FakeConnection

	// NewConnectionErr, when set, makes every NewConnection call fail.
	NewConnectionErr error
}

func NewFakeEngine() *FakeEngine {
	return &FakeEngine{}
}

func (e *FakeEngine) NewConnection() (ports.MediaConnection, error) {
	if e.NewConnectionErr != nil {
		return nil, e.NewConnectionErr
	}
	conn := newFakeConnection()
	e.mu.Lock()
	e.conns = append(e.conns, conn)
	e.mu.Unlock()
	return conn, nil
}

// Connections snapshots every connection the engine has minted.
func (e *FakeEngine) Connections() []*FakeConnection {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*FakeConnection, len(e.conns))
	copy(out, e.conns)
	return out
}

// Last returns the most recently minted connection, nil when none exist.
func (e *FakeEngine) Last() *FakeConnection {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.conns) == 0 {
		return nil
	}
	return e.conns[len(e.conns)-1]
}

// FakeConnection records every call and lets tests fire engine callbacks by
// hand. Error fields, when set, make the matching method fail.
type FakeConnection struct {
	mu sync.Mutex

	RemoteSDPs []json.RawMessage
	Candidates []json.RawMessage
	Tracks     []ports.Track
	Closed     bool

	SetRemoteErr    error
	CreateAnswerErr error
	CreateOfferErr  error
	AddCandidateErr error
	AddTrackErr     error

	stateSubs     map[int]func(domain.ConnectionState)
	trackSubs     map[int]func(ports.Track)
	candidateSubs map[int]func(json.RawMessage)
	nextSub       int
}

func newFakeConnection() *FakeConnection {
	return &FakeConnection{
		stateSubs:     make(map[int]func(domain.ConnectionState)),
		trackSubs:     make(map[int]func(ports.Track)),
		candidateSubs: make(map[int]func(json.RawMessage)),
	}
}

var _ ports.MediaConnection = (*FakeConnection)(nil)

func (c *FakeConnection) SetRemoteDescription(sdp json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SetRemoteErr != nil {
		return c.SetRemoteErr
	}
	c.RemoteSDPs = append(c.RemoteSDPs, sdp)
	return nil
}

func (c *FakeConnection) CreateAnswer() (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.CreateAnswerErr != nil {
		return nil, c.CreateAnswerErr
	}
	return json.RawMessage(`{"type":"answer","sdp":"fake-answer"}`), nil
}

func (c *FakeConnection) CreateOffer() (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.CreateOfferErr != nil {
		return nil, c.CreateOfferErr
	}
	return json.RawMessage(`{"type":"offer","sdp":"fake-offer"}`), nil
}

func (c *FakeConnection) AddICECandidate(candidate json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.AddCandidateErr != nil {
		return c.AddCandidateErr
	}
	c.Candidates = append(c.Candidates, candidate)
	return nil
}

func (c *FakeConnection) AddTrack(t ports.Track) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.AddTrackErr != nil {
		return c.AddTrackErr
	}
	c.Tracks = append(c.Tracks, t)
	return nil
}

func (c *FakeConnection) OnStateChange(fn func(domain.ConnectionState)) (detach func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.stateSubs[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.stateSubs, id)
		c.mu.Unlock()
	}
}

func (c *FakeConnection) OnTrack(fn func(ports.Track)) (detach func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.trackSubs[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.trackSubs, id)
		c.mu.Unlock()
	}
}

func (c *FakeConnection) OnICECandidate(fn func(candidate json.RawMessage)) (detach func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.candidateSubs[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.candidateSubs, id)
		c.mu.Unlock()
	}
}

func (c *FakeConnection) DetachAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateSubs = make(map[int]func(domain.ConnectionState))
	c.trackSubs = make(map[int]func(ports.Track))
	c.candidateSubs = make(map[int]func(json.RawMessage))
}

func (c *FakeConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Closed = true
	return nil
}

// FireState delivers a connection state transition to every subscriber.
func (c *FakeConnection) FireState(state domain.ConnectionState) {
	for _, fn := range c.snapshotState() {
		fn(state)
	}
}

// FireTrack delivers an incoming track to every subscriber.
func (c *FakeConnection) FireTrack(t ports.Track) {
	c.mu.Lock()
	fns := make([]func(ports.Track), 0, len(c.trackSubs))
	for _, fn := range c.trackSubs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(t)
	}
}

// FireCandidate delivers a locally gathered candidate to every subscriber.
func (c *FakeConnection) FireCandidate(candidate json.RawMessage) {
	c.mu.Lock()
	fns := make([]func(json.RawMessage), 0, len(c.candidateSubs))
	for _, fn := range c.candidateSubs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(candidate)
	}
}

func (c *FakeConnection) snapshotState() []func(domain.ConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fns := make([]func(domain.ConnectionState), 0, len(c.stateSubs))
	for _, fn := range c.stateSubs {
		fns = append(fns, fn)
	}
	return fns
}

// FakeSender collects outbound envelopes per user.
type FakeSender struct {
	mu   sync.Mutex
	sent map[domain.UserID][]SentEnvelope
}

// SentEnvelope is one captured SendToUser call.
type SentEnvelope struct {
	Kind   string
	ID     string
	ConnID string
	Data   json.RawMessage
}

func NewFakeSender() *FakeSender {
	return &FakeSender{sent: make(map[domain.UserID][]SentEnvelope)}
}

var _ ports.Sender = (*FakeSender)(nil)

func (s *FakeSender) SendToUser(user domain.UserID, env protocol.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent[user] = append(s.sent[user], SentEnvelope{
		Kind:   string(env.Type),
		ID:     env.ID,
		ConnID: env.ConnID,
		Data:   env.Data,
	})
	return nil
}

// Sent returns the envelopes delivered to one user, in order.
func (s *FakeSender) Sent(user domain.UserID) []SentEnvelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SentEnvelope, len(s.sent[user]))
	copy(out, s.sent[user])
	return out
}

// Reset drops everything captured so far.
func (s *FakeSender) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = make(map[domain.UserID][]SentEnvelope)
}
