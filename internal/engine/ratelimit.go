package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter enforces a per-key fixed-window quota over a Redis counter
// store, shared across relay processes so the limit holds under horizontal
// scaling. The window is bucketed by wall-clock time (similar to the
// Incr+Expire pattern used for HTTP rate limiting), not a rolling window.
type RateLimiter struct {
	rdb    *redis.Client
	max    int
	window time.Duration
	logger *slog.Logger
}

// NewRateLimiter creates a rate limiter with the given per-window maximum.
func NewRateLimiter(rdb *redis.Client, max int, window time.Duration, logger *slog.Logger) *RateLimiter {
	if window <= 0 {
		window = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{rdb: rdb, max: max, window: window, logger: logger}
}

// Get reports whether id may make one more request in the current window.
// Unlike a plain Incr, a caller that is already over quota does not
// increment the counter further — otherwise a retrying client would keep
// the key alive well past its natural expiry. allowed and remaining alone
// would be ambiguous at the boundary (the request that exhausts the last
// slot and the first rejected request both leave remaining at 0), so
// allowed is returned explicitly rather than inferred by the caller. If the
// counter store is unreachable the limiter fails open — the request is
// allowed and the full quota is reported — rather than blocking legitimate
// mail on a Redis outage.
func (r *RateLimiter) Get(ctx context.Context, id string) (allowed bool, remaining int, resetUnixSeconds int64, err error) {
	windowSeconds := int64(r.window.Seconds())
	if windowSeconds <= 0 {
		windowSeconds = 1
	}

	now := time.Now()
	bucket := now.Unix() / windowSeconds
	resetUnixSeconds = (bucket + 1) * windowSeconds
	key := fmt.Sprintf("ratelimit:%s:%d", id, bucket)

	count, getErr := r.rdb.Get(ctx, key).Int()
	if getErr != nil && getErr != redis.Nil {
		r.logger.Warn("rate limiter: counter store unreachable, failing open", "error", getErr)
		return true, r.max, resetUnixSeconds, nil
	}

	if count >= r.max {
		return false, 0, resetUnixSeconds, nil
	}

	pipe := r.rdb.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, r.window*2)
	if _, execErr := pipe.Exec(ctx); execErr != nil {
		r.logger.Warn("rate limiter: counter store unreachable, failing open", "error", execErr)
		return true, r.max, resetUnixSeconds, nil
	}

	remaining = r.max - int(incr.Val())
	if remaining < 0 {
		remaining = 0
	}
	return true, remaining, resetUnixSeconds, nil
}

// RetryHint formats the time until resetUnixSeconds as a human-readable
// duration for a RateLimited error message.
func RetryHint(resetUnixSeconds int64) string {
	d := time.Duration(resetUnixSeconds*1000-time.Now().UnixMilli()) * time.Millisecond
	if d < 0 {
		d = 0
	}
	return d.Round(time.Second).String()
}
