// Package reliability wraps remote-backed repositories with retry and a
// circuit breaker so a flaky Redis does not stall the signaling path.
package reliability

import (
	"context"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
	"meshroom/internal/protocol"
	"meshroom/pkg/circuitbreaker"
	"meshroom/pkg/retry"

	"go.uber.org/zap"
)

// ChatRepositoryWrapper shields a ChatRepository behind one shared breaker.
// Writes retry with backoff before they count as failures; reads fail fast
// because the caller can always answer with an empty page.
type ChatRepositoryWrapper struct {
	repo    ports.ChatRepository
	breaker *circuitbreaker.CircuitBreaker
	retry   retry.Config
	logger  *zap.SugaredLogger
}

func NewChatRepositoryWrapper(repo ports.ChatRepository, cbConfig circuitbreaker.Config, retryConfig retry.Config, logger *zap.SugaredLogger) *ChatRepositoryWrapper {
	w := &ChatRepositoryWrapper{
		repo:    repo,
		breaker: circuitbreaker.New(cbConfig),
		retry:   retryConfig,
		logger:  logger,
	}
	w.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("chat repository breaker state changed", "from", from.String(), "to", to.String())
	})
	return w
}

var _ ports.ChatRepository = (*ChatRepositoryWrapper)(nil)

func (w *ChatRepositoryWrapper) Append(ctx context.Context, room domain.RoomID, msg protocol.ChatMessage) error {
	return w.breaker.Do(func() error {
		return retry.Retry(ctx, w.retry, func() error {
			return w.repo.Append(ctx, room, msg)
		})
	})
}

func (w *ChatRepositoryWrapper) History(ctx context.Context, room domain.RoomID, skip, take int) ([]protocol.ChatMessage, error) {
	var page []protocol.ChatMessage
	err := w.breaker.Do(func() error {
		var err error
		page, err = w.repo.History(ctx, room, skip, take)
		return err
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

func (w *ChatRepositoryWrapper) Drop(ctx context.Context, room domain.RoomID) error {
	return w.breaker.Do(func() error {
		return w.repo.Drop(ctx, room)
	})
}
