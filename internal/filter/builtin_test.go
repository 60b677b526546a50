package filter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskqueue-go/core/internal/core"
	"github.com/taskqueue-go/core/internal/partitionlock"
	"github.com/taskqueue-go/core/internal/ratelimit"
)

func TestPartitionLockFilter_AcquiresAndReleases(t *testing.T) {
	store := partitionlock.NewMemory()
	f := &PartitionLockFilter{
		Store:          store,
		LeaseFor:       time.Second,
		PartitionKeyOf: func(fc *Context) string { return "tenant-42" },
	}

	fc := NewContext(core.TaskMessage{ID: "t1", Task: "send-email"}, nil)
	require.NoError(t, f.OnExecuting(context.Background(), fc))
	assert.False(t, fc.SkipExecution)

	locked, err := store.IsLocked(context.Background(), "tenant-42")
	require.NoError(t, err)
	assert.True(t, locked)

	require.NoError(t, f.OnExecuted(context.Background(), fc))

	locked, err = store.IsLocked(context.Background(), "tenant-42")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestPartitionLockFilter_RequeuesWhenAlreadyLocked(t *testing.T) {
	store := partitionlock.NewMemory()
	_, err := store.TryAcquire(context.Background(), "tenant-42", "other-task", time.Minute)
	require.NoError(t, err)

	f := &PartitionLockFilter{
		Store:          store,
		LeaseFor:       time.Second,
		PartitionKeyOf: func(fc *Context) string { return "tenant-42" },
	}
	fc := NewContext(core.TaskMessage{ID: "t1", Task: "send-email"}, nil)
	require.NoError(t, f.OnExecuting(context.Background(), fc))

	assert.True(t, fc.SkipExecution)
	assert.True(t, fc.RequeueMessage)
}

func TestRateLimitFilter_RequeuesWhenOverBudget(t *testing.T) {
	limiter := ratelimit.NewMemory()
	policy := ratelimit.Policy{Limit: 1, Window: time.Minute}
	f := &RateLimitFilter{
		Limiter: limiter,
		Policy:  policy,
		KeyOf:   func(fc *Context) string { return fc.TaskName },
	}

	fc1 := NewContext(core.TaskMessage{ID: "t1", Task: "send-email"}, nil)
	require.NoError(t, f.OnExecuting(context.Background(), fc1))
	assert.False(t, fc1.SkipExecution)

	fc2 := NewContext(core.TaskMessage{ID: "t2", Task: "send-email"}, nil)
	require.NoError(t, f.OnExecuting(context.Background(), fc2))
	assert.True(t, fc2.SkipExecution)
	assert.True(t, fc2.RequeueMessage)
}
