package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
	"meshroom/internal/protocol"

	"go.uber.org/zap"
)

// TrackSource produces the local capture tracks for the current mode.
// Screen-share capture may fail on constrained devices; the orchestrator
// falls back to the previous mode when it does.
type TrackSource func(screenShare bool) ([]ports.Track, error)

// Options tunes the orchestrator's background loops.
type Options struct {
	GuestPollInterval time.Duration
	WatchdogInterval  time.Duration
	SpeakerInterval   time.Duration
	SpeakerThreshold  float64
	MimeType          string
}

func DefaultOptions() Options {
	return Options{
		GuestPollInterval: time.Second,
		WatchdogInterval:  2 * time.Second,
		SpeakerInterval:   time.Second,
		SpeakerThreshold:  0.25,
		MimeType:          "video/webm",
	}
}

// SwitchableTrack is implemented by local tracks that can pause and resume
// their media without renegotiation. Mute and video toggles use it; tracks
// without it only get the flag broadcast.
type SwitchableTrack interface {
	SetEnabled(enabled bool)
}

// clientLeg is one outbound peer connection with its handler detach list
// and the local tracks attached to it.
type clientLeg struct {
	target domain.UserID
	conn   ports.MediaConnection
	tracks []ports.Track
	detach []func()
}

// Orchestrator mirrors the signaling protocol on the client side: it runs
// the join sequence, keeps one leg per visible member, reconciles membership
// snapshots and reacts to unit change events.
type Orchestrator struct {
	channel *Channel
	engine  ports.MediaEngine
	store   *StreamStore
	source  TrackSource
	opts    Options
	logger  *zap.SugaredLogger

	mu          sync.Mutex
	user        domain.UserID
	room        domain.RoomID
	connID      string
	legs        map[domain.UserID]*clientLeg
	roomLength  int
	muteds      []string
	muted       bool
	videoOff    bool
	screenShare bool
	joined      bool

	watchdog *Watchdog
	speaker  *SpeakerDetector

	onRoster  func(muteds []string)
	onChat    func(protocol.ChatUnitData)
	onHistory func(messages []protocol.ChatMessage)

	unsubs []func()
	cancel context.CancelFunc
}

func NewOrchestrator(channel *Channel, engine ports.MediaEngine, source TrackSource, opts Options, logger *zap.SugaredLogger) *Orchestrator {
	store := NewStreamStore()
	o := &Orchestrator{
		channel: channel,
		engine:  engine,
		store:   store,
		source:  source,
		opts:    opts,
		legs:    make(map[domain.UserID]*clientLeg),
		logger:  logger,
	}
	o.watchdog = NewWatchdog(store, opts.WatchdogInterval, logger)
	o.watchdog.OnLost(o.handleLost)
	o.watchdog.OnTerminal(func(target domain.UserID) {
		o.logger.Warnw("giving up on target after repeated losses", "target", target)
	})
	o.speaker = NewSpeakerDetector(opts.SpeakerInterval, opts.SpeakerThreshold, logger)
	return o
}

func (o *Orchestrator) Store() *StreamStore       { return o.store }
func (o *Orchestrator) Speaker() *SpeakerDetector { return o.speaker }

// OnRoster installs the mute roster callback.
func (o *Orchestrator) OnRoster(fn func(muteds []string)) { o.onRoster = fn }

// OnChat installs the incoming chat message callback.
func (o *Orchestrator) OnChat(fn func(protocol.ChatUnitData)) { o.onChat = fn }

// OnHistory installs the chat history page callback.
func (o *Orchestrator) OnHistory(fn func(messages []protocol.ChatMessage)) { o.onHistory = fn }

// Join connects the signaling channel and runs the join sequence:
// GET_USER_ID, then GET_ROOM, then anchor negotiation. Background loops
// (guest poll, watchdog, speaker election) run until ctx is done or Leave.
func (o *Orchestrator) Join(ctx context.Context, room domain.RoomID, user domain.UserID) error {
	o.mu.Lock()
	if o.joined {
		o.mu.Unlock()
		return errors.New("already joined")
	}
	o.room = room
	o.user = user
	o.joined = true
	o.mu.Unlock()

	o.subscribeAll()

	if err := o.channel.Connect(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	go o.guestPoll(loopCtx)
	go o.watchdog.Run(loopCtx)
	go o.speaker.Run(loopCtx)

	return o.sendHello()
}

// Leave tears down every leg and the channel.
func (o *Orchestrator) Leave() {
	if o.cancel != nil {
		o.cancel()
	}
	o.closeAllLegs()
	o.store.Clear()
	for _, unsub := range o.unsubs {
		unsub()
	}
	o.unsubs = nil
	o.channel.Close()

	o.mu.Lock()
	o.joined = false
	o.mu.Unlock()
}

func (o *Orchestrator) sendHello() error {
	env, err := protocol.NewEnvelope(protocol.GetUserID, string(o.user), "", nil)
	if err != nil {
		return err
	}
	return o.channel.Send(env)
}

func (o *Orchestrator) subscribeAll() {
	sub := func(kind protocol.MessageKind, fn Handler) {
		o.unsubs = append(o.unsubs, o.channel.Subscribe(kind, fn))
	}
	sub(protocol.SetUserID, o.onUserID)
	sub(protocol.SetRoom, o.onRoom)
	sub(protocol.Answer, o.onAnswer)
	sub(protocol.Candidate, o.onCandidate)
	sub(protocol.SetRoomGuests, o.onRoomGuests)
	sub(protocol.SetChangeUnit, o.onChangeUnit)
	sub(protocol.SetMute, o.onMute)
	sub(protocol.GetNeedReconnect, o.onNeedReconnect)
	sub(protocol.SetClosePeerConnection, o.onClosePeer)
	sub(protocol.SetError, func(env protocol.Envelope) {
		data, err := protocol.Decode[protocol.SetErrorData](protocol.SetError, env)
		if err != nil {
			return
		}
		o.logger.Warnw("server reported error", "message", data.Message)
	})
	sub(protocol.SetChatUnit, func(env protocol.Envelope) {
		data, err := protocol.Decode[protocol.ChatUnitData](protocol.SetChatUnit, env)
		if err != nil || o.onChat == nil {
			return
		}
		o.onChat(data)
	})
	sub(protocol.SetChatMessages, func(env protocol.Envelope) {
		data, err := protocol.Decode[protocol.SetChatMessagesData](protocol.SetChatMessages, env)
		if err != nil || o.onHistory == nil {
			return
		}
		o.onHistory(data.Messages)
	})
	sub(DisconnectKind, func(protocol.Envelope) { o.rejoin() })
}

func (o *Orchestrator) onUserID(env protocol.Envelope) {
	o.mu.Lock()
	o.connID = env.ConnID
	room := o.room
	user := o.user
	o.mu.Unlock()

	out, err := protocol.NewEnvelope(protocol.GetRoom, string(room), env.ConnID, protocol.GetRoomData{
		UserID:   string(user),
		MimeType: o.opts.MimeType,
	})
	if err != nil {
		return
	}
	if err := o.channel.Send(out); err != nil {
		o.logger.Warnw("join room request failed", "room", room, "error", err)
	}
}

func (o *Orchestrator) onRoom(env protocol.Envelope) {
	// Admitted: negotiate the anchor leg and publish the self preview.
	o.ensureSelfStream()
	if err := o.openLeg(domain.AnchorTarget); err != nil {
		o.logger.Errorw("anchor negotiation failed", "error", err)
	}
}

func (o *Orchestrator) onAnswer(env protocol.Envelope) {
	data, err := protocol.Decode[protocol.OfferData](protocol.Answer, env)
	if err != nil {
		o.logger.Debugw("bad ANSWER payload", "error", err)
		return
	}
	leg, ok := o.getLeg(domain.UserID(data.Target))
	if !ok {
		o.logger.Infow("answer for unknown leg", "target", data.Target)
		return
	}
	if err := leg.conn.SetRemoteDescription(data.SDP); err != nil {
		o.logger.Warnw("apply answer", "target", data.Target, "error", err)
	}
}

func (o *Orchestrator) onCandidate(env protocol.Envelope) {
	data, err := protocol.Decode[protocol.CandidateData](protocol.Candidate, env)
	if err != nil {
		o.logger.Debugw("bad CANDIDATE payload", "error", err)
		return
	}
	leg, ok := o.getLeg(domain.UserID(data.Target))
	if !ok {
		return
	}
	if err := leg.conn.AddICECandidate(data.Candidate); err != nil {
		o.logger.Debugw("add candidate", "target", data.Target, "error", err)
	}
}

// onRoomGuests reconciles local legs and streams against the authoritative
// membership snapshot. Re-applying the same snapshot is a no-op.
func (o *Orchestrator) onRoomGuests(env protocol.Envelope) {
	data, err := protocol.Decode[protocol.SetRoomGuestsData](protocol.SetRoomGuests, env)
	if err != nil {
		o.logger.Debugw("bad SET_ROOM_GUESTS payload", "error", err)
		return
	}

	o.mu.Lock()
	o.roomLength = len(data.RoomUsers)
	o.muteds = data.Muteds
	self := o.user
	o.mu.Unlock()

	if o.onRoster != nil {
		o.onRoster(data.Muteds)
	}

	members := make(map[domain.UserID]bool, len(data.RoomUsers))
	for _, u := range data.RoomUsers {
		members[domain.UserID(u)] = true
	}

	o.ensureSelfStream()

	// Missing legs first, then orphans.
	for member := range members {
		if member == self {
			continue
		}
		if _, ok := o.getLeg(member); !ok {
			if err := o.openLeg(member); err != nil {
				o.logger.Warnw("open leg from snapshot", "target", member, "error", err)
			}
		}
	}

	for _, target := range o.legTargets() {
		if target == domain.AnchorTarget || members[target] {
			continue
		}
		o.closeLeg(target)
		o.store.Remove(target)
		o.speaker.Destroy(target)
		o.watchdog.Forget(target)
	}
}

func (o *Orchestrator) onChangeUnit(env protocol.Envelope) {
	data, err := protocol.Decode[protocol.SetChangeUnitData](protocol.SetChangeUnit, env)
	if err != nil {
		o.logger.Debugw("bad SET_CHANGE_UNIT payload", "error", err)
		return
	}
	target := domain.UserID(data.Target)

	o.mu.Lock()
	if data.RoomLength > 0 {
		o.roomLength = data.RoomLength
	}
	o.muteds = data.Muteds
	self := o.user
	room := o.room
	connID := o.connID
	o.mu.Unlock()

	switch data.EventName {
	case protocol.UnitEventAdd:
		if err := o.openLeg(target); err != nil {
			o.logger.Warnw("connect to joined member", "target", target, "error", err)
			return
		}
		// The symmetric reply carries 'added' so the newcomer connects
		// back without re-offering to us.
		reply, err := protocol.NewEnvelope(protocol.SetChangeUnit, string(target), connID, protocol.SetChangeUnitData{
			Target:     string(self),
			EventName:  protocol.UnitEventAdded,
			RoomLength: data.RoomLength,
			Muteds:     data.Muteds,
		})
		if err != nil {
			return
		}
		if err := o.channel.Send(reply); err != nil {
			o.logger.Warnw("send added reply", "target", target, "error", err)
		}

	case protocol.UnitEventAdded:
		if err := o.openLeg(target); err != nil {
			o.logger.Warnw("connect back to member", "target", target, "error", err)
		}

	case protocol.UnitEventDelete:
		o.closeLeg(target)
		o.store.Remove(target)
		o.speaker.Destroy(target)
		o.watchdog.Forget(target)
		o.logger.Infow("member left", "target", target, "room", room)

	default:
		o.logger.Debugw("unknown unit event", "event", data.EventName)
	}
}

func (o *Orchestrator) onMute(env protocol.Envelope) {
	data, err := protocol.Decode[protocol.SetMuteData](protocol.SetMute, env)
	if err != nil {
		return
	}
	o.mu.Lock()
	o.muteds = data.Muteds
	o.mu.Unlock()
	if o.onRoster != nil {
		o.onRoster(data.Muteds)
	}
}

func (o *Orchestrator) onNeedReconnect(env protocol.Envelope) {
	data, err := protocol.Decode[protocol.GetNeedReconnectData](protocol.GetNeedReconnect, env)
	if err != nil {
		return
	}
	o.handleLost(domain.UserID(data.UserID))
}

func (o *Orchestrator) onClosePeer(env protocol.Envelope) {
	data, err := protocol.Decode[protocol.ClosePeerConnectionData](protocol.SetClosePeerConnection, env)
	if err != nil {
		return
	}
	target := domain.UserID(data.Target)
	o.closeLeg(target)
	o.store.Remove(target)
	o.speaker.Destroy(target)
}

// Mute pauses or resumes the local audio tracks on every leg and
// broadcasts the roster change.
func (o *Orchestrator) Mute(muted bool) error {
	o.mu.Lock()
	o.muted = muted
	user := o.user
	room := o.room
	connID := o.connID
	o.mu.Unlock()

	o.switchLocalTracks("audio", !muted)

	env, err := protocol.NewEnvelope(protocol.GetMute, string(user), connID, protocol.GetMuteData{
		Muted:  muted,
		RoomID: string(room),
	})
	if err != nil {
		return err
	}
	return o.channel.Send(env)
}

// SendChat posts a chat message to the current room.
func (o *Orchestrator) SendChat(text string) error {
	o.mu.Lock()
	user := o.user
	room := o.room
	connID := o.connID
	o.mu.Unlock()

	env, err := protocol.NewEnvelope(protocol.GetRoomMessage, string(user), connID, protocol.RoomMessageData{
		RoomID: string(room),
		UserID: string(user),
		Text:   text,
	})
	if err != nil {
		return err
	}
	return o.channel.Send(env)
}

// RequestChatHistory asks the server for a page of older messages.
// The reply arrives through the OnHistory callback.
func (o *Orchestrator) RequestChatHistory(skip, take int) error {
	o.mu.Lock()
	user := o.user
	room := o.room
	connID := o.connID
	o.mu.Unlock()

	env, err := protocol.NewEnvelope(protocol.GetChatMessages, string(user), connID, protocol.GetChatMessagesData{
		RoomID: string(room),
		Skip:   skip,
		Take:   take,
	})
	if err != nil {
		return err
	}
	return o.channel.Send(env)
}

// ToggleVideo pauses or resumes the local video tracks. Peers keep their
// legs and render a frozen frame while the track is paused.
func (o *Orchestrator) ToggleVideo(off bool) {
	o.mu.Lock()
	o.videoOff = off
	o.mu.Unlock()

	o.switchLocalTracks("video", !off)
}

// switchLocalTracks applies a toggle to the local tracks of the given kind
// on every live leg.
func (o *Orchestrator) switchLocalTracks(kind string, enabled bool) {
	o.mu.Lock()
	legs := make([]*clientLeg, 0, len(o.legs))
	for _, leg := range o.legs {
		legs = append(legs, leg)
	}
	o.mu.Unlock()

	for _, leg := range legs {
		switchTracks(leg.tracks, kind, enabled)
	}
}

func switchTracks(tracks []ports.Track, kind string, enabled bool) {
	for _, t := range tracks {
		if t.Kind() != kind {
			continue
		}
		if sw, ok := t.(SwitchableTrack); ok {
			sw.SetEnabled(enabled)
		}
	}
}

// SetScreenShare switches the capture mode. The switch is a full rebuild:
// every leg closes, the store empties and the join flow runs again with the
// new tracks. A capture failure falls back to the previous mode.
func (o *Orchestrator) SetScreenShare(enabled bool) error {
	o.mu.Lock()
	prev := o.screenShare
	o.screenShare = enabled
	o.mu.Unlock()

	if _, err := o.source(enabled); err != nil {
		o.mu.Lock()
		o.screenShare = prev
		o.mu.Unlock()
		o.logger.Warnw("capture mode unavailable, falling back", "screenShare", enabled, "error", err)
		enabled = prev
	}

	o.requestCloseAll()
	o.closeAllLegs()
	o.store.Clear()
	o.ensureSelfStream()

	return o.sendHello()
}

// requestCloseAll asks the server to forget every live leg before rejoining.
func (o *Orchestrator) requestCloseAll() {
	o.mu.Lock()
	user := o.user
	room := o.room
	connID := o.connID
	o.mu.Unlock()

	for _, target := range o.legTargets() {
		if target == domain.AnchorTarget {
			continue
		}
		env, err := protocol.NewEnvelope(protocol.GetClosePeerConnection, string(user), connID, protocol.ClosePeerConnectionData{
			RoomID: string(room),
			Target: string(target),
		})
		if err != nil {
			continue
		}
		if err := o.channel.Send(env); err != nil {
			o.logger.Debugw("close request failed", "target", target, "error", err)
		}
	}
}

// handleLost runs the lost-stream path: force-close the local leg, drop the
// stream and tell the server to forget its side.
func (o *Orchestrator) handleLost(target domain.UserID) {
	o.mu.Lock()
	user := o.user
	room := o.room
	connID := o.connID
	o.mu.Unlock()

	o.closeLeg(target)
	o.store.Remove(target)
	o.speaker.Destroy(target)

	env, err := protocol.NewEnvelope(protocol.GetClosePeerConnection, string(user), connID, protocol.ClosePeerConnectionData{
		RoomID: string(room),
		Target: string(target),
	})
	if err != nil {
		return
	}
	if err := o.channel.Send(env); err != nil {
		o.logger.Warnw("lost-stream close request failed", "target", target, "error", err)
	}
}

// rejoin runs after the signaling socket drops: reconnect and replay the
// join sequence from scratch.
func (o *Orchestrator) rejoin() {
	o.closeAllLegs()
	o.store.Clear()

	ctx, cancelTimeout := context.WithTimeout(context.Background(), time.Minute)
	defer cancelTimeout()
	if err := o.channel.Connect(ctx); err != nil {
		o.logger.Errorw("reconnect failed", "error", err)
		return
	}
	if err := o.sendHello(); err != nil {
		o.logger.Errorw("rejoin failed", "error", err)
	}
}

// guestPoll nudges the server for a fresh snapshot whenever the local view
// disagrees with the last announced room size.
func (o *Orchestrator) guestPoll(ctx context.Context) {
	ticker := time.NewTicker(o.opts.GuestPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.mu.Lock()
			expected := o.roomLength
			user := o.user
			room := o.room
			connID := o.connID
			o.mu.Unlock()

			if expected == 0 || o.store.Len() == expected {
				continue
			}
			env, err := protocol.NewEnvelope(protocol.GetRoomGuests, string(user), connID, protocol.GetRoomGuestsData{
				RoomID: string(room),
			})
			if err != nil {
				continue
			}
			if err := o.channel.Send(env); err != nil {
				o.logger.Debugw("guest poll failed", "error", err)
			}
		}
	}
}

// ensureSelfStream keeps the local preview in the store. The preview has no
// media connection; it renders the capture directly.
func (o *Orchestrator) ensureSelfStream() {
	o.mu.Lock()
	self := o.user
	connID := o.connID
	o.mu.Unlock()

	if _, ok := o.store.Get(self); ok {
		return
	}
	s := &Stream{Target: self, ConnID: domain.ConnID(connID)}
	s.MarkRendered()
	if err := o.store.Add(s); err != nil && !errors.Is(err, domain.ErrStreamExists) {
		o.logger.Warnw("register self preview", "error", err)
	}
}

// openLeg creates and wires one outbound peer connection, then offers.
// An existing live leg for the target is kept as is.
func (o *Orchestrator) openLeg(target domain.UserID) error {
	o.mu.Lock()
	if _, ok := o.legs[target]; ok {
		o.mu.Unlock()
		return nil
	}
	user := o.user
	room := o.room
	connID := o.connID
	screenShare := o.screenShare
	o.mu.Unlock()

	conn, err := o.engine.NewConnection()
	if err != nil {
		return err
	}
	leg := &clientLeg{target: target, conn: conn}

	leg.detach = append(leg.detach, conn.OnICECandidate(func(candidate json.RawMessage) {
		env, err := protocol.NewEnvelope(protocol.Candidate, string(room), connID, protocol.CandidateData{
			Candidate: candidate,
			UserID:    string(user),
			Target:    string(target),
		})
		if err != nil {
			return
		}
		if err := o.channel.Send(env); err != nil {
			o.logger.Debugw("send candidate", "target", target, "error", err)
		}
	}))

	leg.detach = append(leg.detach, conn.OnTrack(func(t ports.Track) {
		o.adoptTrack(target, domain.ConnID(connID), conn, t)
	}))

	leg.detach = append(leg.detach, conn.OnStateChange(func(state domain.ConnectionState) {
		if state.Terminal() && target != domain.AnchorTarget {
			o.logger.Infow("leg reached terminal state", "target", target, "state", state)
			o.handleLost(target)
		}
	}))

	tracks, err := o.source(screenShare)
	if err != nil {
		conn.DetachAll()
		conn.Close()
		return err
	}
	for _, t := range tracks {
		if err := conn.AddTrack(t); err != nil {
			o.logger.Warnw("add local track", "target", target, "error", err)
		}
	}
	leg.tracks = tracks

	// New legs honor the current toggle state.
	o.mu.Lock()
	muted, videoOff := o.muted, o.videoOff
	o.mu.Unlock()
	if muted {
		switchTracks(tracks, "audio", false)
	}
	if videoOff {
		switchTracks(tracks, "video", false)
	}

	sdp, err := conn.CreateOffer()
	if err != nil {
		conn.DetachAll()
		conn.Close()
		return err
	}

	o.mu.Lock()
	o.legs[target] = leg
	o.mu.Unlock()

	env, err := protocol.NewEnvelope(protocol.Offer, string(room), connID, protocol.OfferData{
		SDP:    sdp,
		UserID: string(user),
		Target: string(target),
	})
	if err != nil {
		return err
	}
	return o.channel.Send(env)
}

// adoptTrack registers the remote stream for a target the first time media
// arrives on its leg.
func (o *Orchestrator) adoptTrack(target domain.UserID, connID domain.ConnID, conn ports.MediaConnection, t ports.Track) {
	if target == domain.AnchorTarget {
		return
	}
	if src, ok := t.(LevelSource); ok && t.Kind() == "audio" {
		o.speaker.Create(target, src)
	}
	if _, ok := o.store.Get(target); ok {
		return
	}
	s := &Stream{Target: target, ConnID: connID, Media: conn}
	if err := o.store.Add(s); err != nil && !errors.Is(err, domain.ErrStreamExists) {
		o.logger.Warnw("register remote stream", "target", target, "error", err)
	}
}

func (o *Orchestrator) getLeg(target domain.UserID) (*clientLeg, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	leg, ok := o.legs[target]
	return leg, ok
}

func (o *Orchestrator) legTargets() []domain.UserID {
	o.mu.Lock()
	defer o.mu.Unlock()
	targets := make([]domain.UserID, 0, len(o.legs))
	for target := range o.legs {
		targets = append(targets, target)
	}
	return targets
}

func (o *Orchestrator) closeLeg(target domain.UserID) {
	o.mu.Lock()
	leg, ok := o.legs[target]
	delete(o.legs, target)
	o.mu.Unlock()
	if !ok {
		return
	}

	for _, detach := range leg.detach {
		detach()
	}
	leg.conn.DetachAll()
	if err := leg.conn.Close(); err != nil {
		o.logger.Debugw("close leg", "target", target, "error", err)
	}
}

func (o *Orchestrator) closeAllLegs() {
	for _, target := range o.legTargets() {
		o.closeLeg(target)
	}
}
