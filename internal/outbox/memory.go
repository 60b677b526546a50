package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/taskqueue-go/core/internal/core"
)

// Memory is an in-process Store for tests.
type Memory struct {
	mu       sync.Mutex
	rows     map[string]core.OutboxMessage
	sequence int64
	clock    func() time.Time
}

// NewMemory creates an empty in-memory Store. clock defaults to
// time.Now if nil.
func NewMemory(clock func() time.Time) *Memory {
	if clock == nil {
		clock = time.Now
	}
	return &Memory{rows: make(map[string]core.OutboxMessage), clock: clock}
}

func (m *Memory) Store(_ context.Context, msg core.OutboxMessage) (core.OutboxMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sequence++
	msg.SequenceNumber = m.sequence
	msg.Status = core.OutboxPending
	msg.CreatedAt = m.clock()
	m.rows[msg.ID] = msg
	return msg, nil
}

func (m *Memory) GetPending(_ context.Context, limit int) ([]core.OutboxMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pending []core.OutboxMessage
	for _, row := range m.rows {
		if row.Status == core.OutboxPending {
			pending = append(pending, row)
		}
	}
	for i := 0; i < len(pending); i++ {
		for j := i + 1; j < len(pending); j++ {
			if pending[j].SequenceNumber < pending[i].SequenceNumber {
				pending[i], pending[j] = pending[j], pending[i]
			}
		}
	}
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (m *Memory) MarkDispatched(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.rows[id]
	if !ok {
		return core.ErrNotFound
	}
	row.Status = core.OutboxDispatched
	now := m.clock()
	row.DispatchedAt = &now
	m.rows[id] = row
	return nil
}

func (m *Memory) MarkFailed(_ context.Context, id string, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.rows[id]
	if !ok {
		return core.ErrNotFound
	}
	row.Attempts++
	if cause != nil {
		row.LastError = cause.Error()
	}
	if row.Attempts >= core.MaxOutboxAttempts {
		row.Status = core.OutboxFailed
	}
	m.rows[id] = row
	return nil
}

func (m *Memory) CleanupOlderThan(_ context.Context, age time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.clock().Add(-age)
	var removed int64
	for id, row := range m.rows {
		if row.Status == core.OutboxDispatched && row.DispatchedAt != nil && row.DispatchedAt.Before(cutoff) {
			delete(m.rows, id)
			removed++
		}
	}
	return removed, nil
}

// MemoryInbox is an in-process Inbox for tests.
type MemoryInbox struct {
	mu        sync.Mutex
	processed map[string]time.Time
	clock     func() time.Time
}

// NewMemoryInbox creates an empty in-memory Inbox.
func NewMemoryInbox(clock func() time.Time) *MemoryInbox {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryInbox{processed: make(map[string]time.Time), clock: clock}
}

func (ib *MemoryInbox) IsProcessed(_ context.Context, messageID string) (bool, error) {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	_, ok := ib.processed[messageID]
	return ok, nil
}

func (ib *MemoryInbox) MarkProcessed(_ context.Context, messageID string, _ any) error {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	ib.processed[messageID] = ib.clock()
	return nil
}
