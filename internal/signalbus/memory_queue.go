package signalbus

import (
	"context"
	"sync"
	"time"

	"github.com/taskqueue-go/core/internal/core"
)

// MemoryQueue is an in-process Queue for tests and single-binary
// deployments.
type MemoryQueue struct {
	mu         sync.Mutex
	pending    []QueuedSignal
	inFlight   map[string]QueuedSignal
	clock      func() time.Time
}

// NewMemoryQueue creates an empty in-memory Queue.
func NewMemoryQueue(clock func() time.Time) *MemoryQueue {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryQueue{inFlight: make(map[string]QueuedSignal), clock: clock}
}

func (q *MemoryQueue) Enqueue(_ context.Context, s Signal) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := core.NewTaskID()
	q.pending = append(q.pending, QueuedSignal{ID: id, Signal: s, QueuedAt: q.clock()})
	return id, nil
}

func (q *MemoryQueue) Dequeue(_ context.Context, n int) ([]QueuedSignal, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n <= 0 || n > len(q.pending) {
		n = len(q.pending)
	}
	batch := make([]QueuedSignal, n)
	copy(batch, q.pending[:n])
	q.pending = q.pending[n:]
	for _, item := range batch {
		q.inFlight[item.ID] = item
	}
	return batch, nil
}

func (q *MemoryQueue) Ack(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, id)
	return nil
}

func (q *MemoryQueue) Nack(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.inFlight[id]
	if !ok {
		return nil
	}
	delete(q.inFlight, id)
	item.Attempts++
	q.pending = append(q.pending, item)
	return nil
}

func (q *MemoryQueue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), nil
}
