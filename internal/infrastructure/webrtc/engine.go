package webrtc

import (
	"encoding/json"
	"fmt"
	"sync"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// EngineConfig carries the subset of WebRTC settings the signaling core
// exposes: the ICE server list and an optional ephemeral UDP port range.
type EngineConfig struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// Engine is the pion-backed media engine. The core sees it only through
// ports.MediaEngine: opaque SDP/ICE blobs in, tracks and candidates out.
type Engine struct {
	config EngineConfig
	api    *webrtc.API
	logger *zap.SugaredLogger
}

func NewEngine(config EngineConfig, logger *zap.SugaredLogger) *Engine {
	settingEngine := webrtc.SettingEngine{}
	if config.PortRange.Min > 0 && config.PortRange.Max > 0 {
		settingEngine.SetEphemeralUDPPortRange(config.PortRange.Min, config.PortRange.Max)
	}
	return &Engine{
		config: config,
		api:    webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine)),
		logger: logger,
	}
}

var _ ports.MediaEngine = (*Engine)(nil)

func (e *Engine) NewConnection() (ports.MediaConnection, error) {
	pc, err := e.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   e.config.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	conn := &connection{pc: pc, logger: e.logger}
	conn.handlers.state = make(map[int]func(domain.ConnectionState))
	conn.handlers.track = make(map[int]func(ports.Track))
	conn.handlers.candidate = make(map[int]func(json.RawMessage))

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		conn.dispatchState(mapICEState(state))
	})
	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return // end of gathering
		}
		data, err := json.Marshal(candidate.ToJSON())
		if err != nil {
			e.logger.Errorw("marshal ice candidate", "error", err)
			return
		}
		conn.dispatchCandidate(data)
	})
	pc.OnTrack(func(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		fwd, err := newForwardedTrack(pc, remote, e.logger)
		if err != nil {
			e.logger.Errorw("create forwarded track", "track", remote.ID(), "error", err)
			return
		}
		conn.dispatchTrack(fwd)
	})

	return conn, nil
}

// connection adapts one *webrtc.PeerConnection to ports.MediaConnection.
// pion supports a single callback per event; the handlers maps fan each
// event out to every subscriber and make detaching cheap and synchronous.
type connection struct {
	pc *webrtc.PeerConnection

	handlers struct {
		sync.Mutex
		next      int
		state     map[int]func(domain.ConnectionState)
		track     map[int]func(ports.Track)
		candidate map[int]func(json.RawMessage)
	}

	logger *zap.SugaredLogger
}

func (c *connection) SetRemoteDescription(sdp json.RawMessage) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(sdp, &desc); err != nil {
		return fmt.Errorf("unparsable session description: %w", err)
	}
	return c.pc.SetRemoteDescription(desc)
}

func (c *connection) CreateAnswer() (json.RawMessage, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	// Trickle ICE: candidates follow via OnICECandidate, the description
	// goes out immediately.
	return json.Marshal(c.pc.LocalDescription())
}

func (c *connection) CreateOffer() (json.RawMessage, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	return json.Marshal(c.pc.LocalDescription())
}

func (c *connection) AddICECandidate(candidate json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("unparsable ice candidate: %w", err)
	}
	return c.pc.AddICECandidate(init)
}

func (c *connection) AddTrack(t ports.Track) error {
	switch tr := t.(type) {
	case *forwardedTrack:
		_, err := c.pc.AddTrack(tr.local)
		return err
	case *staticTrack:
		_, err := c.pc.AddTrack(tr.local)
		return err
	default:
		return fmt.Errorf("track %s was not produced by this engine", t.ID())
	}
}

func (c *connection) OnStateChange(fn func(domain.ConnectionState)) func() {
	c.handlers.Lock()
	defer c.handlers.Unlock()
	id := c.handlers.next
	c.handlers.next++
	c.handlers.state[id] = fn
	return func() {
		c.handlers.Lock()
		defer c.handlers.Unlock()
		delete(c.handlers.state, id)
	}
}

func (c *connection) OnTrack(fn func(ports.Track)) func() {
	c.handlers.Lock()
	defer c.handlers.Unlock()
	id := c.handlers.next
	c.handlers.next++
	c.handlers.track[id] = fn
	return func() {
		c.handlers.Lock()
		defer c.handlers.Unlock()
		delete(c.handlers.track, id)
	}
}

func (c *connection) OnICECandidate(fn func(json.RawMessage)) func() {
	c.handlers.Lock()
	defer c.handlers.Unlock()
	id := c.handlers.next
	c.handlers.next++
	c.handlers.candidate[id] = fn
	return func() {
		c.handlers.Lock()
		defer c.handlers.Unlock()
		delete(c.handlers.candidate, id)
	}
}

func (c *connection) DetachAll() {
	c.handlers.Lock()
	defer c.handlers.Unlock()
	clear(c.handlers.state)
	clear(c.handlers.track)
	clear(c.handlers.candidate)
}

func (c *connection) Close() error {
	return c.pc.Close()
}

func (c *connection) dispatchState(state domain.ConnectionState) {
	for _, fn := range c.snapshotState() {
		fn(state)
	}
}

func (c *connection) dispatchTrack(t ports.Track) {
	c.handlers.Lock()
	fns := make([]func(ports.Track), 0, len(c.handlers.track))
	for _, fn := range c.handlers.track {
		fns = append(fns, fn)
	}
	c.handlers.Unlock()
	for _, fn := range fns {
		fn(t)
	}
}

func (c *connection) dispatchCandidate(candidate json.RawMessage) {
	c.handlers.Lock()
	fns := make([]func(json.RawMessage), 0, len(c.handlers.candidate))
	for _, fn := range c.handlers.candidate {
		fns = append(fns, fn)
	}
	c.handlers.Unlock()
	for _, fn := range fns {
		fn(candidate)
	}
}

func (c *connection) snapshotState() []func(domain.ConnectionState) {
	c.handlers.Lock()
	defer c.handlers.Unlock()
	fns := make([]func(domain.ConnectionState), 0, len(c.handlers.state))
	for _, fn := range c.handlers.state {
		fns = append(fns, fn)
	}
	return fns
}

func mapICEState(state webrtc.ICEConnectionState) domain.ConnectionState {
	switch state {
	case webrtc.ICEConnectionStateChecking:
		return domain.StateNegotiating
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		return domain.StateConnected
	case webrtc.ICEConnectionStateDisconnected:
		return domain.StateDisconnected
	case webrtc.ICEConnectionStateFailed:
		return domain.StateFailed
	case webrtc.ICEConnectionStateClosed:
		return domain.StateClosed
	default:
		return domain.StateCreated
	}
}
