package signalbus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buses(t *testing.T) map[string]Bus {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return map[string]Bus{
		"memory": NewMemoryBus(),
		"redis":  NewRedisBus(client),
	}
}

func TestBus_PublishSubscribeFiltersByType(t *testing.T) {
	for name, b := range buses(t) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			ch, err := b.Subscribe(ctx, TaskSuccess)
			require.NoError(t, err)
			time.Sleep(20 * time.Millisecond) // allow redis SUBSCRIBE ack to settle

			require.NoError(t, b.Publish(ctx, NewSignal(TaskFailure, "t1", "send-email", nil)))
			require.NoError(t, b.Publish(ctx, NewSignal(TaskSuccess, "t2", "send-email", nil)))

			select {
			case got := <-ch:
				assert.Equal(t, TaskSuccess, got.Type)
				assert.Equal(t, "t2", got.TaskID)
			case <-time.After(2 * time.Second):
				t.Fatal("timed out waiting for signal")
			}
		})
	}
}

func queues(t *testing.T) map[string]Queue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return map[string]Queue{
		"memory": NewMemoryQueue(nil),
		"redis":  NewRedisQueue(client),
	}
}

func TestQueue_EnqueueDequeueAck(t *testing.T) {
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id, err := q.Enqueue(ctx, NewSignal(TaskSuccess, "t1", "send-email", nil))
			require.NoError(t, err)

			n, err := q.Len(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			batch, err := q.Dequeue(ctx, 10)
			require.NoError(t, err)
			require.Len(t, batch, 1)
			assert.Equal(t, id, batch[0].ID)
			assert.Equal(t, TaskSuccess, batch[0].Signal.Type)

			n, err = q.Len(ctx)
			require.NoError(t, err)
			assert.Equal(t, 0, n, "dequeued item must not remain visible in pending")

			require.NoError(t, q.Ack(ctx, id))
		})
	}
}

func TestQueue_NackRequeuesWithIncrementedAttempts(t *testing.T) {
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id, err := q.Enqueue(ctx, NewSignal(TaskRetry, "t1", "send-email", nil))
			require.NoError(t, err)

			batch, err := q.Dequeue(ctx, 10)
			require.NoError(t, err)
			require.Len(t, batch, 1)
			assert.Equal(t, 0, batch[0].Attempts)

			require.NoError(t, q.Nack(ctx, id))

			n, err := q.Len(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			batch, err = q.Dequeue(ctx, 10)
			require.NoError(t, err)
			require.Len(t, batch, 1)
			assert.Equal(t, 1, batch[0].Attempts)
		})
	}
}

func TestQueue_DequeueRespectsBatchSize(t *testing.T) {
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 5; i++ {
				_, err := q.Enqueue(ctx, NewSignal(TaskSuccess, "t", "send-email", nil))
				require.NoError(t, err)
			}

			batch, err := q.Dequeue(ctx, 2)
			require.NoError(t, err)
			assert.Len(t, batch, 2)

			n, err := q.Len(ctx)
			require.NoError(t, err)
			assert.Equal(t, 3, n)
		})
	}
}
