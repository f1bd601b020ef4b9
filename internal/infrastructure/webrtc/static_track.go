package webrtc

import (
	"fmt"
	"sync/atomic"

	"meshroom/internal/core/ports"

	"github.com/pion/webrtc/v3"
)

// staticTrack is a locally sourced track with no live capture behind it.
// Headless clients attach one per media kind so their legs negotiate the
// same sender layout as a browser peer.
type staticTrack struct {
	local    *webrtc.TrackLocalStaticRTP
	id       string
	kind     string
	disabled atomic.Bool
}

func (st *staticTrack) ID() string   { return st.id }
func (st *staticTrack) Kind() string { return st.kind }

// SetEnabled pauses or resumes the track. A sample writer feeding the
// track must check Enabled before each write.
func (st *staticTrack) SetEnabled(enabled bool) { st.disabled.Store(!enabled) }

func (st *staticTrack) Enabled() bool { return !st.disabled.Load() }

// NewStaticTrack creates a placeholder local track for the given kind
// ("audio" or "video"). It never produces samples.
func NewStaticTrack(id, streamID, kind string) (ports.Track, error) {
	var capability webrtc.RTPCodecCapability
	switch kind {
	case "audio":
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	case "video":
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	default:
		return nil, fmt.Errorf("unsupported track kind %q", kind)
	}

	local, err := webrtc.NewTrackLocalStaticRTP(capability, id, streamID)
	if err != nil {
		return nil, err
	}
	return &staticTrack{local: local, id: id, kind: kind}, nil
}
