package deadletter

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskqueue-go/core/internal/core"
)

func stores(t *testing.T, clock func() time.Time) map[string]Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return map[string]Store{
		"memory": NewMemory(clock),
		"redis":  NewRedis(client),
	}
}

func entry(id string, ts time.Time, expires time.Time) core.DeadLetterMessage {
	return core.DeadLetterMessage{
		ID:         id,
		TaskID:     "task-" + id,
		TaskName:   "send-email",
		Queue:      "default",
		Reason:     core.ReasonMaxRetriesExceeded,
		Timestamp:  ts,
		ExpiresAt:  expires,
		RetryCount: 3,
	}
}

func TestStore_StoreAndGet(t *testing.T) {
	now := time.Now()
	for name, s := range stores(t, func() time.Time { return now }) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			e := entry("a", now, now.Add(time.Hour))
			require.NoError(t, s.Store(ctx, e))

			got, err := s.Get(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, "task-a", got.TaskID)
			assert.Equal(t, core.ReasonMaxRetriesExceeded, got.Reason)

			_, err = s.Get(ctx, "missing")
			assert.ErrorIs(t, err, core.ErrNotFound)
		})
	}
}

func TestStore_GetAllOrdersDescendingAndSkipsExpired(t *testing.T) {
	now := time.Now()
	for name, s := range stores(t, func() time.Time { return now }) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Store(ctx, entry("oldest", now.Add(-2*time.Hour), now.Add(time.Hour))))
			require.NoError(t, s.Store(ctx, entry("newest", now, now.Add(time.Hour))))
			require.NoError(t, s.Store(ctx, entry("stale", now.Add(-time.Hour), now.Add(-time.Minute))))

			all, err := s.GetAll(ctx, 0, 0)
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, "newest", all[0].ID)
			assert.Equal(t, "oldest", all[1].ID)

			count, err := s.GetCount(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, count)
		})
	}
}

func TestStore_GetAllPagination(t *testing.T) {
	now := time.Now()
	for name, s := range stores(t, func() time.Time { return now }) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 5; i++ {
				ts := now.Add(time.Duration(i) * time.Minute)
				require.NoError(t, s.Store(ctx, entry(string(rune('a'+i)), ts, now.Add(time.Hour))))
			}

			page, err := s.GetAll(ctx, 2, 1)
			require.NoError(t, err)
			require.Len(t, page, 2)

			beyond, err := s.GetAll(ctx, 2, 100)
			require.NoError(t, err)
			assert.Empty(t, beyond)
		})
	}
}

func TestStore_Delete(t *testing.T) {
	now := time.Now()
	for name, s := range stores(t, func() time.Time { return now }) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Store(ctx, entry("a", now, now.Add(time.Hour))))
			require.NoError(t, s.Delete(ctx, "a"))

			_, err := s.Get(ctx, "a")
			assert.ErrorIs(t, err, core.ErrNotFound)

			count, err := s.GetCount(ctx)
			require.NoError(t, err)
			assert.Equal(t, 0, count)
		})
	}
}

func TestStore_Purge(t *testing.T) {
	now := time.Now()
	for name, s := range stores(t, func() time.Time { return now }) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Store(ctx, entry("a", now, now.Add(time.Hour))))
			require.NoError(t, s.Store(ctx, entry("b", now, now.Add(time.Hour))))
			require.NoError(t, s.Purge(ctx))

			count, err := s.GetCount(ctx)
			require.NoError(t, err)
			assert.Equal(t, 0, count)
		})
	}
}

func TestStore_CleanupExpired(t *testing.T) {
	now := time.Now()
	for name, s := range stores(t, func() time.Time { return now }) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Store(ctx, entry("live", now, now.Add(time.Hour))))
			require.NoError(t, s.Store(ctx, entry("dead", now, now.Add(-time.Minute))))

			removed, err := s.CleanupExpired(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, removed)

			_, err = s.Get(ctx, "dead")
			assert.ErrorIs(t, err, core.ErrNotFound)
			_, err = s.Get(ctx, "live")
			require.NoError(t, err)
		})
	}
}

func TestRequeue(t *testing.T) {
	now := time.Now()
	for name, s := range stores(t, func() time.Time { return now }) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			original := core.TaskMessage{ID: "orig-task", Task: "send-email", Retries: 5}
			raw, err := json.Marshal(original)
			require.NoError(t, err)

			e := entry("a", now, now.Add(time.Hour))
			e.OriginalMessage = raw
			require.NoError(t, s.Store(ctx, e))

			msg, err := Requeue(ctx, s, "a")
			require.NoError(t, err)
			assert.Equal(t, "send-email", msg.Task)
			assert.Equal(t, 0, msg.Retries)
			assert.NotEqual(t, "orig-task", msg.ID)

			_, err = s.Get(ctx, "a")
			assert.ErrorIs(t, err, core.ErrNotFound)
		})
	}
}
