// Package resultbackend implements the C3 Result Backend contract:
// persisting and retrieving task state/result/exception, and waking local
// waiters without an inline callback — the wake is a deferred
// continuation delivered over a channel, not a call run on the storing
// goroutine.
package resultbackend

import (
	"context"
	"time"

	"github.com/taskqueue-go/core/internal/core"
)

// Backend is the C3 contract every result store must satisfy.
type Backend interface {
	StoreResult(ctx context.Context, result core.TaskResult, expiry *time.Duration) error
	GetResult(ctx context.Context, taskID string) (*core.TaskResult, error)
	WaitForResult(ctx context.Context, taskID string, timeout time.Duration) (*core.TaskResult, error)
	UpdateState(ctx context.Context, taskID string, state core.TaskState, metadata map[string]any) error
	GetState(ctx context.Context, taskID string) (core.TaskState, bool, error)
}
