package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

var ErrTooManyAttempts = errors.New("too many failed PIN attempts")

const keyPrefix = "pin_attempts:"

// Limiter counts failed PIN lookups per validator in Redis. The counter
// expires Window after the first failure in a run.
type Limiter struct {
	Client *redis.Client
	Limit  int
	Window time.Duration
}

func NewLimiter(client *redis.Client, limit int, window time.Duration) *Limiter {
	return &Limiter{Client: client, Limit: limit, Window: window}
}

// Check returns ErrTooManyAttempts once key has reached the limit.
func (l *Limiter) Check(ctx context.Context, key string) error {
	val, err := l.Client.Get(ctx, keyPrefix+key).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read attempt counter: %w", err)
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fmt.Errorf("parse attempt counter %q: %w", val, err)
	}
	if n >= l.Limit {
		return ErrTooManyAttempts
	}
	return nil
}

// Fail records one failed attempt and reports the new count.
func (l *Limiter) Fail(ctx context.Context, key string) (int, error) {
	k := keyPrefix + key
	n, err := l.Client.Incr(ctx, k).Result()
	if err != nil {
		return 0, fmt.Errorf("increment attempt counter: %w", err)
	}
	if n == 1 {
		if err := l.Client.Expire(ctx, k, l.Window).Err(); err != nil {
			return int(n), fmt.Errorf("set attempt counter ttl: %w", err)
		}
	}
	return int(n), nil
}

func (l *Limiter) Reset(ctx context.Context, key string) error {
	if err := l.Client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("reset attempt counter: %w", err)
	}
	return nil
}
