package ports

import (
	"encoding/json"

	"meshroom/internal/core/domain"
)

// Track is an opaque media track handed out by the engine. The core never
// looks inside it; it only stages tracks per source user and re-attaches
// them to later legs.
type Track interface {
	ID() string
	Kind() string // "audio" or "video"
}

// MediaConnection is one engine-native peer connection. SDP and ICE bodies
// are opaque blobs: generated and consumed by the engine, transported by the
// core. Every On* subscription returns a detach handle; Detach must be called
// (or DetachAll) before Close so no stale callback fires into a freed key.
type MediaConnection interface {
	SetRemoteDescription(sdp json.RawMessage) error
	CreateAnswer() (json.RawMessage, error)
	CreateOffer() (json.RawMessage, error)
	AddICECandidate(candidate json.RawMessage) error
	AddTrack(t Track) error

	OnStateChange(fn func(domain.ConnectionState)) (detach func())
	OnTrack(fn func(Track)) (detach func())
	OnICECandidate(fn func(candidate json.RawMessage)) (detach func())

	// DetachAll synchronously removes every registered callback.
	DetachAll()
	Close() error
}

// MediaEngine mints engine connections. Implementations decide the ICE
// server set and all media behavior.
type MediaEngine interface {
	NewConnection() (MediaConnection, error)
}
