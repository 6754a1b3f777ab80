package idempotency

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb)
}

func TestReserve_FreshKey_Creates(t *testing.T) {
	c := newTestCache(t)
	owner, created, err := c.Reserve(context.Background(), "key-1", "job-1", time.Hour)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, "job-1", owner)
}

func TestReserve_ExistingKey_ReturnsOriginalOwner(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	_, _, err := c.Reserve(ctx, "key-2", "job-a", time.Hour)
	require.NoError(t, err)

	owner, created, err := c.Reserve(ctx, "key-2", "job-b", time.Hour)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, "job-a", owner)
}
