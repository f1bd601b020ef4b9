package webrtc

import (
	"errors"
	"io"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const keyframeRequestInterval = 3 * time.Second

// forwardedTrack bridges one remote track onto a local static RTP track so
// the same media can be re-attached to later peer connections (the staged
// retransmission the peer manager performs for peer-to-peer legs). The
// forwarding goroutine runs until the remote side stops sending.
type forwardedTrack struct {
	local  *webrtc.TrackLocalStaticRTP
	id     string
	kind   string
	logger *zap.SugaredLogger
}

func newForwardedTrack(pc *webrtc.PeerConnection, remote *webrtc.TrackRemote, logger *zap.SugaredLogger) (*forwardedTrack, error) {
	local, err := webrtc.NewTrackLocalStaticRTP(
		remote.Codec().RTPCodecCapability,
		remote.ID(),
		remote.StreamID(),
	)
	if err != nil {
		return nil, err
	}

	ft := &forwardedTrack{
		local:  local,
		id:     remote.ID(),
		kind:   remote.Kind().String(),
		logger: logger,
	}

	if remote.Kind() == webrtc.RTPCodecTypeVideo {
		go ft.requestKeyframes(pc, remote)
	}
	go ft.forward(remote)

	return ft, nil
}

func (ft *forwardedTrack) ID() string   { return ft.id }
func (ft *forwardedTrack) Kind() string { return ft.kind }

func (ft *forwardedTrack) forward(remote *webrtc.TrackRemote) {
	buf := make([]byte, 1500) // MTU size
	pkt := &rtp.Packet{}

	for {
		n, _, err := remote.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				ft.logger.Warnw("error reading track", "track", ft.id, "error", err)
			}
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			ft.logger.Warnw("error unmarshaling RTP packet", "track", ft.id, "error", err)
			continue
		}
		if err := ft.local.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			ft.logger.Warnw("error forwarding RTP packet", "track", ft.id, "error", err)
		}
	}
}

// requestKeyframes asks the sender for a fresh picture periodically so late
// joiners attached to the local track can start decoding.
func (ft *forwardedTrack) requestKeyframes(pc *webrtc.PeerConnection, remote *webrtc.TrackRemote) {
	ticker := time.NewTicker(keyframeRequestInterval)
	defer ticker.Stop()

	for range ticker.C {
		if pc.ConnectionState() == webrtc.PeerConnectionStateClosed {
			return
		}
		err := pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(remote.SSRC())},
		})
		if err != nil {
			return
		}
	}
}
