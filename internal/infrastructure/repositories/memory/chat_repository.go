package memory

import (
	"context"
	"sync"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
	"meshroom/internal/protocol"
)

// MemoryChatRepository keeps chat history for the process lifetime only.
type MemoryChatRepository struct {
	mu       sync.RWMutex
	messages map[domain.RoomID][]protocol.ChatMessage
}

func NewMemoryChatRepository() ports.ChatRepository {
	return &MemoryChatRepository{
		messages: make(map[domain.RoomID][]protocol.ChatMessage),
	}
}

func (r *MemoryChatRepository) Append(ctx context.Context, room domain.RoomID, msg protocol.ChatMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[room] = append(r.messages[room], msg)
	return nil
}

func (r *MemoryChatRepository) History(ctx context.Context, room domain.RoomID, skip, take int) ([]protocol.ChatMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := r.messages[room]
	if skip >= len(all) {
		return nil, nil
	}
	end := skip + take
	if end > len(all) {
		end = len(all)
	}
	page := make([]protocol.ChatMessage, end-skip)
	copy(page, all[skip:end])
	return page, nil
}

func (r *MemoryChatRepository) Drop(ctx context.Context, room domain.RoomID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.messages, room)
	return nil
}
