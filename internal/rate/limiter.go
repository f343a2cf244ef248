package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// FixedWindow counts hits per key in fixed windows of Window length.
type FixedWindow struct {
	redis  redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
}

// NewFixedWindow creates a [FixedWindow] allowing limit hits per window for
// every key under prefix.
func NewFixedWindow(redisClient redis.UniversalClient, prefix string, limit int, window time.Duration) *FixedWindow {
	return &FixedWindow{
		redis:  redisClient,
		prefix: prefix,
		limit:  limit,
		window: window,
	}
}

// Allow records a hit for key and returns ErrRateLimited once the window
// budget is spent.
func (w *FixedWindow) Allow(ctx context.Context, key string) error {
	count, err := w.incrementWithTTL(ctx, w.prefix+key)
	if err != nil {
		return err
	}
	if count > int64(w.limit) {
		return ErrRateLimited
	}
	return nil
}

// Count returns the hits recorded for key in the current window.
// Missing keys return zero.
func (w *FixedWindow) Count(ctx context.Context, key string) (int, error) {
	count, err := w.redis.Get(ctx, w.prefix+key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count < 0 {
		return 0, nil
	}
	return int(count), nil
}

// Reset clears the counters for keys.
func (w *FixedWindow) Reset(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, key := range keys {
		full[i] = w.prefix + key
	}
	if err := w.redis.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (w *FixedWindow) incrementWithTTL(ctx context.Context, key string) (int64, error) {
	count, err := w.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	// Fixed-window semantics: set TTL only for the first hit in the window.
	if count == 1 {
		if err := w.redis.Expire(ctx, key, w.window).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	return count, nil
}
