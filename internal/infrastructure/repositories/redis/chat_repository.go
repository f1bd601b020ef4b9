package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
	"meshroom/internal/protocol"

	"github.com/redis/go-redis/v9"
)

// RedisChatRepository stores chat history as one list per room.
type RedisChatRepository struct {
	client *redis.Client
	prefix string
}

func NewRedisChatRepository(client *redis.Client) ports.ChatRepository {
	return &RedisChatRepository{
		client: client,
		prefix: "meshroom:chat:",
	}
}

func (r *RedisChatRepository) roomKey(room domain.RoomID) string {
	return r.prefix + string(room)
}

func (r *RedisChatRepository) Append(ctx context.Context, room domain.RoomID, msg protocol.ChatMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal chat message: %w", err)
	}
	if err := r.client.RPush(ctx, r.roomKey(room), data).Err(); err != nil {
		return fmt.Errorf("failed to push chat message to Redis: %w", err)
	}
	return nil
}

func (r *RedisChatRepository) History(ctx context.Context, room domain.RoomID, skip, take int) ([]protocol.ChatMessage, error) {
	stop := int64(skip + take - 1)
	raw, err := r.client.LRange(ctx, r.roomKey(room), int64(skip), stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read chat history from Redis: %w", err)
	}
	messages := make([]protocol.ChatMessage, 0, len(raw))
	for _, item := range raw {
		var msg protocol.ChatMessage
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal chat message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (r *RedisChatRepository) Drop(ctx context.Context, room domain.RoomID) error {
	return r.client.Del(ctx, r.roomKey(room)).Err()
}
