package ratelimit

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectLimiter_DisabledAlwaysAllows(t *testing.T) {
	cl, err := NewConnectLimiter(0, "", "")
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		allowed, _ := cl.Allow(context.Background(), "203.0.113.1")
		assert.True(t, allowed)
	}
}

func TestConnectLimiter_InMemoryEnforcesLimit(t *testing.T) {
	cl, err := NewConnectLimiter(2, "", "")
	require.NoError(t, err)

	ctx := context.Background()
	allowed, _ := cl.Allow(ctx, "203.0.113.2")
	assert.True(t, allowed)
	allowed, _ = cl.Allow(ctx, "203.0.113.2")
	assert.True(t, allowed)
	allowed, retryAfter := cl.Allow(ctx, "203.0.113.2")
	assert.False(t, allowed)
	assert.GreaterOrEqual(t, retryAfter, int64(0))
}

func TestConnectLimiter_PerIPIsolation(t *testing.T) {
	cl, err := NewConnectLimiter(1, "", "")
	require.NoError(t, err)

	ctx := context.Background()
	allowed, _ := cl.Allow(ctx, "203.0.113.3")
	assert.True(t, allowed)

	allowed, _ = cl.Allow(ctx, "203.0.113.4")
	assert.True(t, allowed, "a different IP must not be affected by another IP's limit")
}

func TestConnectLimiter_RedisBackedStore(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	cl, err := NewConnectLimiter(2, mr.Addr(), "")
	require.NoError(t, err)

	ctx := context.Background()
	allowed, _ := cl.Allow(ctx, "203.0.113.5")
	assert.True(t, allowed)
	allowed, _ = cl.Allow(ctx, "203.0.113.5")
	assert.True(t, allowed)
	allowed, _ = cl.Allow(ctx, "203.0.113.5")
	assert.False(t, allowed)

	require.NoError(t, cl.Ping(ctx))
}

func TestConnectLimiter_PingHealthyWithNoRedis(t *testing.T) {
	cl, err := NewConnectLimiter(5, "", "")
	require.NoError(t, err)
	assert.NoError(t, cl.Ping(context.Background()))
}
