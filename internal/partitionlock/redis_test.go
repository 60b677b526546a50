package partitionlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisLock(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedis(client), mr
}

func TestRedis_TryAcquireExclusive(t *testing.T) {
	ctx := context.Background()
	lock, _ := newTestRedisLock(t)

	ok, err := lock.TryAcquire(ctx, "partition-a", "task-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = lock.TryAcquire(ctx, "partition-a", "task-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedis_ReleaseRequiresHolderMatch(t *testing.T) {
	ctx := context.Background()
	lock, _ := newTestRedisLock(t)

	_, err := lock.TryAcquire(ctx, "partition-a", "task-1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, lock.Release(ctx, "partition-a", "task-2"))
	locked, err := lock.IsLocked(ctx, "partition-a")
	require.NoError(t, err)
	assert.True(t, locked)

	require.NoError(t, lock.Release(ctx, "partition-a", "task-1"))
	locked, err = lock.IsLocked(ctx, "partition-a")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestRedis_ExpiredLockCanBeTakenOver(t *testing.T) {
	ctx := context.Background()
	lock, mr := newTestRedisLock(t)

	_, err := lock.TryAcquire(ctx, "partition-a", "task-1", time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	ok, err := lock.TryAcquire(ctx, "partition-a", "task-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedis_ExtendRequiresHolderMatch(t *testing.T) {
	ctx := context.Background()
	lock, _ := newTestRedisLock(t)

	_, err := lock.TryAcquire(ctx, "partition-a", "task-1", time.Second)
	require.NoError(t, err)

	ok, err := lock.Extend(ctx, "partition-a", "task-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = lock.Extend(ctx, "partition-a", "task-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	holder, locked, err := lock.GetLockHolder(ctx, "partition-a")
	require.NoError(t, err)
	assert.True(t, locked)
	assert.Equal(t, "task-1", holder)
}
