package broker

import (
	"context"
	"sync"
	"time"

	"github.com/taskqueue-go/core/internal/core"
)

// Memory is an in-process Broker used by tests: each queue is a FIFO
// slice guarded by a mutex, with claimed-but-unacked deliveries tracked
// separately so ClaimOrphaned has something to reclaim.
type Memory struct {
	mu       sync.Mutex
	pending  map[string][]core.TaskMessage
	inflight map[string]inflightEntry
	notify   map[string]chan struct{}
}

type inflightEntry struct {
	msg        core.BrokerMessage
	claimedAt  time.Time
}

// NewMemory creates an empty in-process Broker.
func NewMemory() *Memory {
	return &Memory{
		pending:  make(map[string][]core.TaskMessage),
		inflight: make(map[string]inflightEntry),
		notify:   make(map[string]chan struct{}),
	}
}

func (m *Memory) wake(queue string) {
	if ch, ok := m.notify[queue]; ok {
		close(ch)
		delete(m.notify, queue)
	}
}

func (m *Memory) Publish(ctx context.Context, msg core.TaskMessage) error {
	m.mu.Lock()
	m.pending[msg.Queue] = append(m.pending[msg.Queue], msg)
	m.wake(msg.Queue)
	m.mu.Unlock()
	return nil
}

func (m *Memory) take(queue, consumerID string) *core.BrokerMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.pending[queue]
	if len(q) == 0 {
		return nil
	}
	msg := q[0]
	m.pending[queue] = q[1:]

	tag := msg.ID
	bm := core.BrokerMessage{
		Message:     msg,
		DeliveryTag: tag,
		Queue:       queue,
		ReceivedAt:  time.Now(),
	}
	m.inflight[tag] = inflightEntry{msg: bm, claimedAt: bm.ReceivedAt}
	return &bm
}

func (m *Memory) Dequeue(ctx context.Context, queue, consumerID string) (*core.BrokerMessage, error) {
	return m.take(queue, consumerID), nil
}

func (m *Memory) DequeueBlocking(ctx context.Context, queue, consumerID string, blockFor time.Duration) (*core.BrokerMessage, error) {
	if bm := m.take(queue, consumerID); bm != nil {
		return bm, nil
	}

	m.mu.Lock()
	ch, ok := m.notify[queue]
	if !ok {
		ch = make(chan struct{})
		m.notify[queue] = ch
	}
	m.mu.Unlock()

	timer := time.NewTimer(blockFor)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case <-ch:
		return m.take(queue, consumerID), nil
	}
}

func (m *Memory) Ack(ctx context.Context, msg core.BrokerMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, msg.DeliveryTag)
	return nil
}

func (m *Memory) ClaimOrphaned(ctx context.Context, queue, consumerID string, minIdle time.Duration) ([]core.BrokerMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var claimed []core.BrokerMessage
	for tag, entry := range m.inflight {
		if entry.msg.Queue != queue {
			continue
		}
		if now.Sub(entry.claimedAt) < minIdle {
			continue
		}
		entry.claimedAt = now
		m.inflight[tag] = entry
		claimed = append(claimed, entry.msg)
	}
	return claimed, nil
}

func (m *Memory) QueueDepth(ctx context.Context, queue string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var depth int64
	for _, entry := range m.inflight {
		if entry.msg.Queue == queue {
			depth++
		}
	}
	return depth, nil
}

func (m *Memory) Close() error {
	return nil
}
