package client

import (
	"sync"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
)

// Stream is one remote (or local preview) media handle tracked by the
// client, keyed by the user it belongs to.
type Stream struct {
	Target domain.UserID
	ConnID domain.ConnID
	Media  ports.MediaConnection

	mu       sync.Mutex
	rendered bool
}

// MarkRendered is called by the presentation layer once frames actually
// play. The watchdog reads it to tell a live stream from a stuck one.
func (s *Stream) MarkRendered() {
	s.mu.Lock()
	s.rendered = true
	s.mu.Unlock()
}

func (s *Stream) Rendered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rendered
}

// StoreEvent notifies subscribers about membership of the store.
type StoreEvent struct {
	Target  domain.UserID
	Removed bool
}

// StreamStore holds at most one stream per target. Replacing a stream is an
// explicit Remove followed by Add; a second Add for a live target fails.
type StreamStore struct {
	mu      sync.RWMutex
	streams map[domain.UserID]*Stream

	subMu sync.Mutex
	subs  map[int]func(StoreEvent)
	next  int
}

func NewStreamStore() *StreamStore {
	return &StreamStore{
		streams: make(map[domain.UserID]*Stream),
		subs:    make(map[int]func(StoreEvent)),
	}
}

func (st *StreamStore) Add(s *Stream) error {
	st.mu.Lock()
	if _, ok := st.streams[s.Target]; ok {
		st.mu.Unlock()
		return domain.ErrStreamExists
	}
	st.streams[s.Target] = s
	st.mu.Unlock()

	st.notify(StoreEvent{Target: s.Target})
	return nil
}

func (st *StreamStore) Remove(target domain.UserID) bool {
	st.mu.Lock()
	_, ok := st.streams[target]
	delete(st.streams, target)
	st.mu.Unlock()

	if ok {
		st.notify(StoreEvent{Target: target, Removed: true})
	}
	return ok
}

func (st *StreamStore) Get(target domain.UserID) (*Stream, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.streams[target]
	return s, ok
}

func (st *StreamStore) Targets() []domain.UserID {
	st.mu.RLock()
	defer st.mu.RUnlock()
	targets := make([]domain.UserID, 0, len(st.streams))
	for target := range st.streams {
		targets = append(targets, target)
	}
	return targets
}

func (st *StreamStore) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.streams)
}

// Clear empties the store, notifying a removal per stream.
func (st *StreamStore) Clear() {
	st.mu.Lock()
	targets := make([]domain.UserID, 0, len(st.streams))
	for target := range st.streams {
		targets = append(targets, target)
	}
	st.streams = make(map[domain.UserID]*Stream)
	st.mu.Unlock()

	for _, target := range targets {
		st.notify(StoreEvent{Target: target, Removed: true})
	}
}

// Subscribe registers an observer and returns its unsubscribe handle.
func (st *StreamStore) Subscribe(fn func(StoreEvent)) (unsubscribe func()) {
	st.subMu.Lock()
	id := st.next
	st.next++
	st.subs[id] = fn
	st.subMu.Unlock()

	return func() {
		st.subMu.Lock()
		delete(st.subs, id)
		st.subMu.Unlock()
	}
}

func (st *StreamStore) notify(ev StoreEvent) {
	st.subMu.Lock()
	observers := make([]func(StoreEvent), 0, len(st.subs))
	for _, fn := range st.subs {
		observers = append(observers, fn)
	}
	st.subMu.Unlock()

	for _, fn := range observers {
		fn(ev)
	}
}
