package domain

import "errors"

var (
	ErrPeerExists    = errors.New("peer connection already exists")
	ErrPeerNotFound  = errors.New("peer connection not found")
	ErrRoomNotFound  = errors.New("room not found")
	ErrUserInRoom    = errors.New("user already in room")
	ErrStreamExists  = errors.New("stream already registered for target")
	ErrStreamMissing = errors.New("stream not registered for target")
	ErrNoSDP         = errors.New("offer without sdp")
)
