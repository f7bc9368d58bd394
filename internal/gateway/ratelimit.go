package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/crosslogic/usage-ledger/internal/ingest"
	"github.com/crosslogic/usage-ledger/pkg/cache"
	"go.uber.org/zap"
)

// RateLimitInfo contains rate limit information for response headers
type RateLimitInfo struct {
	// Limit is the maximum number of events allowed per window
	Limit int64
	// Remaining is the number of events remaining in the current window
	Remaining int64
	// ResetAt is the Unix timestamp when the window resets
	ResetAt int64
	// RetryAfter is the number of seconds to wait before retrying (only set when limited)
	RetryAfter int64
}

// RateLimiter counts usage events per api key in fixed one-minute windows.
type RateLimiter struct {
	cache       *cache.Cache
	limitPerMin int64
	logger      *zap.Logger
	now         func() time.Time
}

// NewRateLimiter creates a limiter. A nil cache or a non-positive limit
// allows everything.
func NewRateLimiter(cacheClient *cache.Cache, limitPerMin int, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		cache:       cacheClient,
		limitPerMin: int64(limitPerMin),
		logger:      logger,
		now:         time.Now,
	}
}

func minuteKey(keyHash string, now time.Time) string {
	return fmt.Sprintf("ratelimit:ingest:%s:minute:%s", keyHash, now.UTC().Format("2006-01-02T15:04"))
}

// Check counts one event for keyHash and reports whether it is within the limit.
func (rl *RateLimiter) Check(ctx context.Context, keyHash string) (bool, RateLimitInfo, error) {
	now := rl.now()
	windowEnd := now.UTC().Truncate(time.Minute).Add(time.Minute)
	info := RateLimitInfo{Limit: rl.limitPerMin, Remaining: rl.limitPerMin, ResetAt: windowEnd.Unix()}

	if rl.cache == nil || rl.limitPerMin <= 0 {
		return true, info, nil
	}

	key := minuteKey(keyHash, now)
	count, err := rl.cache.Incr(ctx, key)
	if err != nil {
		return false, info, err
	}
	// Set expiration on first increment; 65s covers clock edges.
	if count == 1 {
		if err := rl.cache.Expire(ctx, key, 65*time.Second); err != nil {
			rl.logger.Warn("failed to set rate limit window expiry", zap.Error(err))
		}
	}

	info.Remaining = rl.limitPerMin - count
	if info.Remaining < 0 {
		info.Remaining = 0
	}
	if count > rl.limitPerMin {
		info.RetryAfter = int64(windowEnd.Sub(now).Seconds()) + 1
		rateLimitedTotal.Inc()
		rl.logger.Warn("ingest rate limit exceeded",
			zap.String("key_prefix", keyHash[:min(8, len(keyHash))]),
			zap.Int64("count", count),
		)
		return false, info, nil
	}
	return true, info, nil
}

// AllowKey implements ingest.Limiter.
func (rl *RateLimiter) AllowKey(ctx context.Context, keyHash string) (ingest.LimitDecision, error) {
	allowed, info, err := rl.Check(ctx, keyHash)
	if err != nil {
		return ingest.LimitDecision{}, err
	}
	return ingest.LimitDecision{
		Allowed:   allowed,
		Limit:     int(info.Limit),
		Remaining: int(info.Remaining),
		ResetAt:   time.Unix(info.ResetAt, 0),
	}, nil
}
