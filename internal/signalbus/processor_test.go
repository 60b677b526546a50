package signalbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessor_InvokesAllHandlersAndAcksOnSuccess(t *testing.T) {
	queue := NewMemoryQueue(nil)
	registry := NewRegistry()

	var calledA, calledB int32
	registry.On(TaskSuccess, func(_ context.Context, _ Signal) error {
		atomic.AddInt32(&calledA, 1)
		return nil
	})
	registry.On(TaskSuccess, func(_ context.Context, _ Signal) error {
		atomic.AddInt32(&calledB, 1)
		return nil
	})

	ctx := context.Background()
	_, err := queue.Enqueue(ctx, NewSignal(TaskSuccess, "t1", "send-email", nil))
	require.NoError(t, err)

	p := NewProcessor(queue, registry)
	require.NoError(t, p.poll(ctx))

	assert.Equal(t, int32(1), atomic.LoadInt32(&calledA))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calledB))

	n, err := queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, queue.inFlight)
}

func TestProcessor_HandlerFailureIsolatesSiblingsAndRequeues(t *testing.T) {
	queue := NewMemoryQueue(nil)
	registry := NewRegistry()

	var ranSecond int32
	registry.On(TaskFailure, func(_ context.Context, _ Signal) error {
		return errors.New("boom")
	})
	registry.On(TaskFailure, func(_ context.Context, _ Signal) error {
		atomic.AddInt32(&ranSecond, 1)
		return nil
	})

	ctx := context.Background()
	_, err := queue.Enqueue(ctx, NewSignal(TaskFailure, "t1", "send-email", nil))
	require.NoError(t, err)

	p := NewProcessor(queue, registry)
	require.NoError(t, p.poll(ctx))

	assert.Equal(t, int32(1), atomic.LoadInt32(&ranSecond), "sibling handler must still run despite the first handler's error")

	n, err := queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "a failed signal is requeued rather than dropped")
}

func TestProcessor_PanicInHandlerIsRecoveredAndTreatedAsFailure(t *testing.T) {
	queue := NewMemoryQueue(nil)
	registry := NewRegistry()
	registry.On(TaskRetry, func(_ context.Context, _ Signal) error {
		panic("unexpected")
	})

	ctx := context.Background()
	_, err := queue.Enqueue(ctx, NewSignal(TaskRetry, "t1", "send-email", nil))
	require.NoError(t, err)

	p := NewProcessor(queue, registry)
	assert.NotPanics(t, func() {
		require.NoError(t, p.poll(ctx))
	})

	n, err := queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestProcessor_DropsAfterMaxAttempts(t *testing.T) {
	queue := NewMemoryQueue(nil)
	registry := NewRegistry()
	registry.On(TaskRejected, func(_ context.Context, _ Signal) error {
		return errors.New("always fails")
	})

	ctx := context.Background()
	_, err := queue.Enqueue(ctx, NewSignal(TaskRejected, "t1", "send-email", nil))
	require.NoError(t, err)

	p := NewProcessor(queue, registry)
	for i := 0; i < MaxSignalAttempts; i++ {
		require.NoError(t, p.poll(ctx))
	}

	n, err := queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "signal must be dropped once it exceeds max attempts")
}

func TestProcessor_RunRespectsContextCancellation(t *testing.T) {
	queue := NewMemoryQueue(nil)
	registry := NewRegistry()
	p := NewProcessor(queue, registry)
	p.PollInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = p.Run(ctx)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	wg.Wait()
}
