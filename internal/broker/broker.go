// Package broker delivers published TaskMessages to workers and tracks
// their in-flight delivery state until acknowledged.
package broker

import (
	"context"
	"time"

	"github.com/taskqueue-go/core/internal/core"
)

// Broker is the transport contract between the executor and worker loop
// and whatever publishes TaskMessages. A queue name is always
// core.TaskMessage.Queue; implementations are free to back each queue
// with its own stream, topic, or table.
type Broker interface {
	// Publish enqueues a message onto the queue named by msg.Queue.
	Publish(ctx context.Context, msg core.TaskMessage) error

	// Dequeue returns the next available message for consumerID on queue,
	// or (nil, nil) if none is immediately available.
	Dequeue(ctx context.Context, queue, consumerID string) (*core.BrokerMessage, error)

	// DequeueBlocking waits up to blockFor for a message to arrive on
	// queue, returning (nil, nil) on timeout.
	DequeueBlocking(ctx context.Context, queue, consumerID string, blockFor time.Duration) (*core.BrokerMessage, error)

	// Ack confirms successful processing of a delivered message,
	// releasing it from the consumer group's pending list.
	Ack(ctx context.Context, msg core.BrokerMessage) error

	// ClaimOrphaned reassigns messages that have sat unacknowledged for
	// at least minIdle to consumerID, returning what it claimed.
	ClaimOrphaned(ctx context.Context, queue, consumerID string, minIdle time.Duration) ([]core.BrokerMessage, error)

	// QueueDepth reports the number of messages pending acknowledgment
	// on queue.
	QueueDepth(ctx context.Context, queue string) (int64, error)

	// Close releases the broker's underlying connection.
	Close() error
}
