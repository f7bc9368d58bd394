package gateway

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/crosslogic/usage-ledger/internal/config"
	"github.com/crosslogic/usage-ledger/pkg/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupLimiterCache(t *testing.T) (*cache.Cache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	port, _ := strconv.Atoi(mr.Port())
	c, err := cache.NewCache(config.RedisConfig{Host: mr.Host(), Port: port})
	require.NoError(t, err)

	t.Cleanup(func() {
		c.Close()
		mr.Close()
	})
	return c, mr
}

func TestRateLimiterFixedWindow(t *testing.T) {
	c, mr := setupLimiterCache(t)
	rl := NewRateLimiter(c, 2, zap.NewNop())
	now := time.Date(2024, 5, 10, 12, 30, 15, 0, time.UTC)
	rl.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, info, err := rl.Check(ctx, "abc123")
		require.NoError(t, err)
		require.True(t, allowed)
		assert.Equal(t, int64(1-i), info.Remaining)
	}

	allowed, info, err := rl.Check(ctx, "abc123")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, int64(46), info.RetryAfter)
	assert.Equal(t, time.Date(2024, 5, 10, 12, 31, 0, 0, time.UTC).Unix(), info.ResetAt)

	assert.True(t, mr.Exists("ratelimit:ingest:abc123:minute:2024-05-10T12:30"))
	assert.Greater(t, mr.TTL("ratelimit:ingest:abc123:minute:2024-05-10T12:30"), time.Minute)

	// Other keys have their own window.
	allowed, _, err = rl.Check(ctx, "other")
	require.NoError(t, err)
	assert.True(t, allowed)

	// The next minute starts a fresh window.
	now = now.Add(time.Minute)
	allowed, _, err = rl.Check(ctx, "abc123")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRateLimiterAllowKey(t *testing.T) {
	c, _ := setupLimiterCache(t)
	rl := NewRateLimiter(c, 1, zap.NewNop())
	ctx := context.Background()

	d, err := rl.AllowKey(ctx, "k")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Limit)

	d, err = rl.AllowKey(ctx, "k")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Zero(t, d.Remaining)
}

func TestRateLimiterWithoutRedis(t *testing.T) {
	rl := NewRateLimiter(nil, 1, zap.NewNop())
	for i := 0; i < 5; i++ {
		allowed, _, err := rl.Check(context.Background(), "k")
		require.NoError(t, err)
		assert.True(t, allowed)
	}
}

func TestRateLimiterRedisDown(t *testing.T) {
	c, mr := setupLimiterCache(t)
	rl := NewRateLimiter(c, 10, zap.NewNop())
	mr.Close()

	_, err := rl.AllowKey(context.Background(), "k")
	assert.Error(t, err)
}
