package monitor

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/meeboter/meeboter/internal/logging"
)

// Leader serializes a named sweep across replicas. Acquire returns held=false
// when another replica owns the sweep; release is a no-op in that case.
type Leader interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (held bool, release func(), err error)
}

// NoopLeader always grants the lock. Correct for single-replica deployments.
type NoopLeader struct{}

func (NoopLeader) Acquire(context.Context, string, time.Duration) (bool, func(), error) {
	return true, func() {}, nil
}

const leaderKeyPrefix = "meeboter:monitor:"

// RedisLeader elects a sweep leader with SET NX. The key expires on its own,
// so a crashed leader stalls the sweep for at most one ttl.
type RedisLeader struct {
	client *redis.Client
	id     string
}

// NewRedisLeader builds a leader elector. id identifies this replica in the
// lock value; it only matters for debugging.
func NewRedisLeader(client *redis.Client, id string) *RedisLeader {
	return &RedisLeader{client: client, id: id}
}

func (l *RedisLeader) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, func(), error) {
	key := leaderKeyPrefix + name
	ok, err := l.client.SetNX(ctx, key, l.id, ttl).Result()
	if err != nil {
		return false, nil, err
	}
	if !ok {
		return false, func() {}, nil
	}
	release := func() {
		// Best-effort delete; expiry covers the failure case.
		if err := l.client.Del(context.Background(), key).Err(); err != nil {
			logging.Op().Debug("leader lock release failed", "key", key, "error", err)
		}
	}
	return true, release, nil
}
