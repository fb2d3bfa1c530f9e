package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "tradebot:ratelimit:"

// RedisRateLimiter keeps a sliding one-minute window per key in a sorted set,
// so the limit holds across replicas.
type RedisRateLimiter struct {
	client *redis.Client
	owned  bool
}

func NewRedisRateLimiter(redisURL string) (*RedisRateLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisRateLimiter{client: client, owned: true}, nil
}

// NewRedisRateLimiterFromClient shares an existing client. Close is then a no-op.
func NewRedisRateLimiterFromClient(client *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{client: client}
}

func (r *RedisRateLimiter) Allow(ctx context.Context, key string, limit int) (bool, int, time.Time, error) {
	zkey := keyPrefix + key
	now := time.Now()
	windowStart := now.Add(-windowDuration)
	resetAt := now.Add(windowDuration)

	pipe := r.client.Pipeline()

	pipe.ZRemRangeByScore(ctx, zkey, "0", strconv.FormatInt(windowStart.UnixNano(), 10))

	// Members must be unique or concurrent runs in the same nanosecond collapse.
	pipe.ZAdd(ctx, zkey, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: uuid.NewString(),
	})

	countCmd := pipe.ZCard(ctx, zkey)

	pipe.Expire(ctx, zkey, windowDuration)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, time.Time{}, err
	}

	count := int(countCmd.Val())
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}

	if count > limit {
		return false, remaining, resetAt, nil
	}

	return true, remaining, resetAt, nil
}

func (r *RedisRateLimiter) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}
