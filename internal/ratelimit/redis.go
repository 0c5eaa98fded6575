package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript increments a window counter and arms its expiry on creation.
// KEYS[1] = window key
// ARGV[1] = ttl in milliseconds
// Returns: the counter value after the increment.
var incrScript = redis.NewScript(`
		local n = redis.call('INCR', KEYS[1])
		if n == 1 then
			redis.call('PEXPIRE', KEYS[1], ARGV[1])
		end
		return n
`)

// RedisStore is a CounterStore backed by Redis.
type RedisStore struct {
	rdb redis.Scripter
}

// NewRedisStore wraps an existing client (or cluster client).
func NewRedisStore(rdb redis.Scripter) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// Increment implements CounterStore. INCR and PEXPIRE run in one script so a
// counter can never be left without an expiry.
func (s *RedisStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := incrScript.Run(ctx, s.rdb, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("ratelimit: redis increment: %w", err)
	}
	return n, nil
}
