package deadletter

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/taskqueue-go/core/internal/core"
)

// Memory is an in-process Store for tests and single-binary deployments.
type Memory struct {
	mu      sync.Mutex
	entries map[string]core.DeadLetterMessage
	clock   func() time.Time
}

// NewMemory creates an empty in-memory Store. clock defaults to time.Now
// if nil.
func NewMemory(clock func() time.Time) *Memory {
	if clock == nil {
		clock = time.Now
	}
	return &Memory{entries: make(map[string]core.DeadLetterMessage), clock: clock}
}

func (m *Memory) Store(_ context.Context, msg core.DeadLetterMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[msg.ID] = msg
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*core.DeadLetterMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.entries[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return &msg, nil
}

func (m *Memory) GetAll(_ context.Context, limit, offset int) ([]core.DeadLetterMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	live := make([]core.DeadLetterMessage, 0, len(m.entries))
	for _, msg := range m.entries {
		if !msg.ExpiresAt.IsZero() && msg.ExpiresAt.Before(now) {
			continue
		}
		live = append(live, msg)
	}
	sort.Sort(byTimestampDesc(live))

	if offset >= len(live) {
		return nil, nil
	}
	live = live[offset:]
	if limit > 0 && len(live) > limit {
		live = live[:limit]
	}
	return live, nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	return nil
}

func (m *Memory) Purge(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]core.DeadLetterMessage)
	return nil
}

func (m *Memory) CleanupExpired(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	removed := 0
	for id, msg := range m.entries {
		if !msg.ExpiresAt.IsZero() && msg.ExpiresAt.Before(now) {
			delete(m.entries, id)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) GetCount(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	count := 0
	for _, msg := range m.entries {
		if msg.ExpiresAt.IsZero() || !msg.ExpiresAt.Before(now) {
			count++
		}
	}
	return count, nil
}
