package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLimiter allows at most limit requests per key within any window,
// tracked as a sorted set of request timestamps in Redis.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
}

// NewRedisLimiter returns a sliding-window limiter. Keys are stored under
// "<prefix>:<key>". The client is owned by the caller; Close does not
// close it.
func NewRedisLimiter(client *redis.Client, prefix string, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: prefix, limit: limit, window: window}
}

// Allow records the request and reports whether it fits in the window.
// Denied requests are removed again so they do not count against the key.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now()
	redisKey := l.prefix + ":" + key
	member := strconv.FormatInt(now.UnixMicro(), 10) + "-" + uuid.NewString()

	var card *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, redisKey, "-inf", strconv.FormatInt(now.Add(-l.window).UnixMicro(), 10))
		pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixMicro()), Member: member})
		card = pipe.ZCard(ctx, redisKey)
		pipe.PExpire(ctx, redisKey, l.window)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis window: %w", err)
	}

	if card.Val() > int64(l.limit) {
		if err := l.client.ZRem(ctx, redisKey, member).Err(); err != nil {
			return false, fmt.Errorf("ratelimit: redis undo: %w", err)
		}
		return false, nil
	}
	return true, nil
}

// Close is a no-op; the client belongs to the caller.
func (l *RedisLimiter) Close() error { return nil }
