// Package partitionlock implements the C6 exclusive partition lock: a
// lease per partition key with expiry and extend, serialized via
// conditional upsert so concurrent acquires are race-free.
package partitionlock

import (
	"context"
	"time"
)

// Store is the C6 contract.
type Store interface {
	TryAcquire(ctx context.Context, partitionKey, holderTaskID string, timeout time.Duration) (bool, error)
	Release(ctx context.Context, partitionKey, holderTaskID string) error
	IsLocked(ctx context.Context, partitionKey string) (bool, error)
	GetLockHolder(ctx context.Context, partitionKey string) (string, bool, error)
	Extend(ctx context.Context, partitionKey, holderTaskID string, timeout time.Duration) (bool, error)
}
