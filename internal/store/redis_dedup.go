package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/devrev/meshsync/internal/errors"
)

const dedupKeyPrefix = "meshsync:gossip:seen:"

// RedisDedup is a shared gossip seen-set, letting co-located processes
// behind one node identity dedup across restarts. SET NX with a TTL
// makes the check-and-mark atomic.
type RedisDedup struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisDedup(ctx context.Context, addr, password string, db int, logger *zap.Logger) (*RedisDedup, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Storage("failed to connect to redis", err)
	}

	logger.Info("redis dedup store connected", zap.String("addr", addr))
	return &RedisDedup{client: client, logger: logger}, nil
}

// MarkSeen implements gossip.DedupStore.
func (r *RedisDedup) MarkSeen(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, dedupKeyPrefix+id, 1, ttl).Result()
	if err != nil {
		return false, errors.Storage("dedup check failed", err)
	}
	// SetNX returns false when the key already existed.
	return !ok, nil
}

func (r *RedisDedup) Close() error {
	return r.client.Close()
}
