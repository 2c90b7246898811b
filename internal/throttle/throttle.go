// Package throttle rate-limits login attempts per identifier and client IP.
// With no redis client configured the limiter is a no-op.
package throttle

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type LoginLimiter struct {
	client      *redis.Client
	maxAttempts int
	window      time.Duration
}

func NewLoginLimiter(client *redis.Client, maxAttempts int, window time.Duration) *LoginLimiter {
	return &LoginLimiter{client: client, maxAttempts: maxAttempts, window: window}
}

// Allow reports whether another attempt is permitted right now. It does not
// count the attempt; call Record after a failed authentication.
func (l *LoginLimiter) Allow(ctx context.Context, identifier, ip string) (bool, error) {
	if l == nil || l.client == nil || l.maxAttempts <= 0 {
		return true, nil
	}
	val, err := l.client.Get(ctx, loginKey(identifier, ip)).Int64()
	if err == redis.Nil {
		return true, nil
	}
	if err != nil {
		// Throttling is best-effort; never block logins on a redis outage.
		return true, err
	}
	return val < int64(l.maxAttempts), nil
}

// Record counts a failed attempt inside the current window.
func (l *LoginLimiter) Record(ctx context.Context, identifier, ip string) error {
	if l == nil || l.client == nil || l.maxAttempts <= 0 {
		return nil
	}
	pipe := l.client.Pipeline()
	pipe.Incr(ctx, loginKey(identifier, ip))
	pipe.Expire(ctx, loginKey(identifier, ip), l.window)
	_, err := pipe.Exec(ctx)
	return err
}

// Reset clears the counter after a successful authentication.
func (l *LoginLimiter) Reset(ctx context.Context, identifier, ip string) {
	if l == nil || l.client == nil {
		return
	}
	_ = l.client.Del(ctx, loginKey(identifier, ip)).Err()
}

func loginKey(identifier, ip string) string {
	return "login_attempts:" + strings.ToLower(strings.TrimSpace(identifier)) + ":" + ip
}
