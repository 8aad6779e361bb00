package httpx

import (
	"context"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const redisRateTimeout = 250 * time.Millisecond

// redisRateLimiter counts in one key per caller and window so replicas share
// budgets. Keys expire one window after the window closes.
type redisRateLimiter struct {
	client redis.UniversalClient
	logger *slog.Logger
	now    func() time.Time
}

// NewRedisRateLimiter uses an existing client, which stays owned by the
// caller. When redis fails the request is admitted.
func NewRedisRateLimiter(client redis.UniversalClient, logger *slog.Logger) RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &redisRateLimiter{client: client, logger: logger.With("component", "ratelimit"), now: time.Now}
}

func (rl *redisRateLimiter) Admit(key string, budget int) Admission {
	if budget <= 0 {
		return Admission{Allowed: true}
	}
	now := rl.now()
	start := now.Truncate(rateWindow)
	resets := start.Add(rateWindow)
	redisKey := "releasectl:ratelimit:" + key + ":" + start.Format("200601021504")

	ctx, cancel := context.WithTimeout(context.Background(), redisRateTimeout)
	defer cancel()
	pipe := rl.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.ExpireAt(ctx, redisKey, resets.Add(rateWindow))
	if _, err := pipe.Exec(ctx); err != nil {
		rl.logger.Warn("rate limit check failed; admitting request", "key", key, "error", err)
		return Admission{Allowed: true}
	}
	used := int(incr.Val())
	adm := Admission{Allowed: used <= budget, Used: min(used, budget), Resets: resets}
	if !adm.Allowed {
		adm.RetryAfter = resets.Sub(now)
	}
	return adm
}

func (rl *redisRateLimiter) Close() {}
