package filter

import (
	"context"
	"fmt"
	"time"

	"github.com/taskqueue-go/core/internal/partitionlock"
	"github.com/taskqueue-go/core/internal/ratelimit"
)

// PartitionLockFilter acquires an exclusive partition lock before a task
// runs and releases it after, regardless of the task's outcome. The
// partition key is read from fc.Properties at OnExecuting time so a
// caller-supplied filter earlier in the chain can compute it from the
// task's arguments.
type PartitionLockFilter struct {
	Store       partitionlock.Store
	LeaseFor    time.Duration
	PartitionKeyOf func(fc *Context) string
}

func (f *PartitionLockFilter) Name() string { return "partition-lock" }

func (f *PartitionLockFilter) OnExecuting(ctx context.Context, fc *Context) error {
	key := f.PartitionKeyOf(fc)
	if key == "" {
		return nil
	}
	acquired, err := f.Store.TryAcquire(ctx, key, fc.TaskID, f.LeaseFor)
	if err != nil {
		return fmt.Errorf("filter: acquire partition lock %s: %w", key, err)
	}
	if !acquired {
		fc.RequestRequeue(f.LeaseFor)
		return nil
	}
	fc.Properties["partition_lock_key"] = key
	return nil
}

func (f *PartitionLockFilter) OnExecuted(ctx context.Context, fc *Context) error {
	key, ok := fc.Properties["partition_lock_key"].(string)
	if !ok || key == "" {
		return nil
	}
	return f.Store.Release(ctx, key, fc.TaskID)
}

// RateLimitFilter short-circuits dispatch with a requeue when the task's
// rate-limit key has no remaining budget in the current window.
type RateLimitFilter struct {
	Limiter  ratelimit.Limiter
	Policy   ratelimit.Policy
	KeyOf    func(fc *Context) string
}

func (f *RateLimitFilter) Name() string { return "rate-limit" }

func (f *RateLimitFilter) OnExecuting(ctx context.Context, fc *Context) error {
	key := f.KeyOf(fc)
	if key == "" {
		return nil
	}
	decision, err := f.Limiter.TryAcquire(ctx, key, f.Policy)
	if err != nil {
		return fmt.Errorf("filter: rate limit %s: %w", key, err)
	}
	if !decision.Allowed {
		fc.RequestRequeue(decision.RetryAfter)
	}
	return nil
}

func (f *RateLimitFilter) OnExecuted(context.Context, *Context) error {
	return nil
}
