// Package deadletter implements the C11 dead-letter store: a terminal
// failure archive for messages that exhausted every retry, were rejected,
// or otherwise could not be executed, kept for inspection and
// optional requeue with a bounded retention window.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/taskqueue-go/core/internal/core"
)

// Store is the C11 dead-letter archive contract.
type Store interface {
	// Store upserts a dead-letter entry by ID.
	Store(ctx context.Context, msg core.DeadLetterMessage) error
	// Get returns a single entry, or core.ErrNotFound.
	Get(ctx context.Context, id string) (*core.DeadLetterMessage, error)
	// GetAll returns non-expired entries ordered by Timestamp descending.
	GetAll(ctx context.Context, limit, offset int) ([]core.DeadLetterMessage, error)
	// Delete removes a single entry.
	Delete(ctx context.Context, id string) error
	// Purge removes every entry.
	Purge(ctx context.Context) error
	// CleanupExpired removes entries whose ExpiresAt has passed and
	// reports how many were removed.
	CleanupExpired(ctx context.Context) (int, error)
	// GetCount reports the number of non-expired entries.
	GetCount(ctx context.Context) (int, error)
}

// Requeue unmarshals the archived original message, resets its retry
// count, and deletes the archive entry, leaving republication to the
// caller — the store has no opinion on which broker or queue the message
// should be resubmitted to.
func Requeue(ctx context.Context, store Store, id string) (*core.TaskMessage, error) {
	entry, err := store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	var msg core.TaskMessage
	if err := json.Unmarshal(entry.OriginalMessage, &msg); err != nil {
		return nil, fmt.Errorf("deadletter: unmarshal original message: %w", err)
	}
	if err := store.Delete(ctx, id); err != nil {
		return nil, err
	}
	msg.Retries = 0
	msg.ID = core.NewTaskID()
	return &msg, nil
}
