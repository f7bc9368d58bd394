package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/crosslogic/usage-ledger/pkg/cache"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupReservationCache(t *testing.T) (*cache.Cache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return cache.NewCacheFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()})), mr
}

func TestReservationsRedis(t *testing.T) {
	c, mr := setupReservationCache(t)
	r := NewReservations(c, time.Minute, time.Hour, zap.NewNop())
	ctx := context.Background()

	state, err := r.Reserve(ctx, "gen-1")
	require.NoError(t, err)
	assert.Equal(t, Reserved, state)

	state, err = r.Reserve(ctx, "gen-1")
	require.NoError(t, err)
	assert.Equal(t, InFlight, state)

	r.Finalize(ctx, "gen-1", true)
	got, err := mr.Get("ledger:generation:gen-1")
	require.NoError(t, err)
	assert.Equal(t, "processed", got)

	state, err = r.Reserve(ctx, "gen-1")
	require.NoError(t, err)
	assert.Equal(t, AlreadyProcessed, state)
}

func TestReservationsRedisReleaseOnFailure(t *testing.T) {
	c, mr := setupReservationCache(t)
	r := NewReservations(c, time.Minute, time.Hour, zap.NewNop())
	ctx := context.Background()

	_, err := r.Reserve(ctx, "gen-2")
	require.NoError(t, err)
	r.Finalize(ctx, "gen-2", false)
	assert.False(t, mr.Exists("ledger:generation:gen-2"))

	state, err := r.Reserve(ctx, "gen-2")
	require.NoError(t, err)
	assert.Equal(t, Reserved, state)
}

func TestReservationsRedisClaimExpires(t *testing.T) {
	c, mr := setupReservationCache(t)
	r := NewReservations(c, time.Minute, time.Hour, zap.NewNop())
	ctx := context.Background()

	_, err := r.Reserve(ctx, "gen-3")
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)

	state, err := r.Reserve(ctx, "gen-3")
	require.NoError(t, err)
	assert.Equal(t, Reserved, state)
}

func TestReservationsLocalFallback(t *testing.T) {
	r := NewReservations(nil, time.Minute, time.Hour, zap.NewNop())
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	ctx := context.Background()

	state, _ := r.Reserve(ctx, "gen-1")
	assert.Equal(t, Reserved, state)
	state, _ = r.Reserve(ctx, "gen-1")
	assert.Equal(t, InFlight, state)

	r.Finalize(ctx, "gen-1", true)
	state, _ = r.Reserve(ctx, "gen-1")
	assert.Equal(t, AlreadyProcessed, state)

	now = now.Add(2 * time.Hour)
	state, _ = r.Reserve(ctx, "gen-1")
	assert.Equal(t, Reserved, state)

	r.Finalize(ctx, "gen-1", false)
	state, _ = r.Reserve(ctx, "gen-1")
	assert.Equal(t, Reserved, state)
}
