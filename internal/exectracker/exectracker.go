// Package exectracker implements the C7 execution tracker: a
// single-flight gate keyed by task name (optionally qualified by an
// idempotency key) so at most one instance of a task runs at a time.
package exectracker

import (
	"context"
	"time"
)

// Tracker is the C7 contract.
type Tracker interface {
	// TryStart inserts a single-flight record for name (or name:key if
	// key is non-empty). It returns false if a non-expired record
	// already exists for that slot.
	TryStart(ctx context.Context, name, taskID, key string, timeout time.Duration) (bool, error)
	// Stop removes the record only if taskID matches the current holder.
	Stop(ctx context.Context, name, taskID, key string) error
}

func slot(name, key string) string {
	if key == "" {
		return name
	}
	return name + ":" + key
}
