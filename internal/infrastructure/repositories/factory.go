package repositories

import (
	"context"

	"meshroom/internal/core/ports"
	"meshroom/internal/infrastructure/reliability"
	"meshroom/internal/infrastructure/repositories/memory"
	redisrepo "meshroom/internal/infrastructure/repositories/redis"
	"meshroom/pkg/circuitbreaker"
	"meshroom/pkg/config"
	"meshroom/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates chat repositories with fallback support: Redis
// when enabled and reachable, in-process memory otherwise. Room and media
// state is never persisted; only chat history goes through here.
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	factory := &RepositoryFactory{
		useRedis: cfg.Redis.Enabled,
		logger:   logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis chat repository")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory chat repository")
	}

	return factory
}

func (f *RepositoryFactory) ChatRepository() ports.ChatRepository {
	if f.useRedis {
		// The remote store gets breaker and retry protection; losing chat
		// history must never stall signaling.
		return reliability.NewChatRepositoryWrapper(
			redisrepo.NewRedisChatRepository(f.redisClient),
			circuitbreaker.DefaultConfig(),
			retry.DefaultConfig(),
			f.logger,
		)
	}
	return memory.NewMemoryChatRepository()
}

// UsingRedis reports whether chat history is backed by Redis.
func (f *RepositoryFactory) UsingRedis() bool { return f.useRedis }

// Ping probes the Redis connection. Without Redis it always succeeds.
func (f *RepositoryFactory) Ping(ctx context.Context) error {
	if f.redisClient == nil {
		return nil
	}
	return f.redisClient.Ping(ctx).Err()
}

// Close releases the Redis connection if one was opened.
func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}
