package signalbus

import (
	"context"
	"time"
)

// QueuedSignal is a persisted signal awaiting batch processing.
type QueuedSignal struct {
	ID       string
	Signal   Signal
	Attempts int
	QueuedAt time.Time
}

// Queue is the persisted half of the bus: a durable FIFO that survives a
// process restart between Enqueue and the handler batch that processes
// it. Dequeue makes items invisible to other callers until Ack or Nack is
// called; a crashed processor that never acks leaves the item invisible
// until the caller's own liveness checks decide to Nack it back.
type Queue interface {
	Enqueue(ctx context.Context, s Signal) (string, error)
	// Dequeue removes up to n items from the head of the queue and makes
	// them invisible to subsequent Dequeue calls.
	Dequeue(ctx context.Context, n int) ([]QueuedSignal, error)
	// Ack permanently removes an item after successful processing.
	Ack(ctx context.Context, id string) error
	// Nack returns an item to the tail of the queue for another attempt,
	// incrementing its Attempts counter.
	Nack(ctx context.Context, id string) error
	Len(ctx context.Context) (int, error)
}
