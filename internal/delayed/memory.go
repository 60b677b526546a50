package delayed

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/taskqueue-go/core/internal/core"
)

// Memory is an in-process Store for tests.
type Memory struct {
	mu   sync.Mutex
	rows map[string]core.DelayedMessage
}

// NewMemory creates an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{rows: make(map[string]core.DelayedMessage)}
}

func (m *Memory) AddAsync(_ context.Context, msg core.TaskMessage, deliveryTime time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[msg.ID] = core.DelayedMessage{TaskID: msg.ID, Message: msg, DeliveryTime: deliveryTime}
	return nil
}

func (m *Memory) GetDueMessages(_ context.Context, now time.Time) ([]core.DelayedMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []core.DelayedMessage
	for id, row := range m.rows {
		if !row.DeliveryTime.After(now) {
			due = append(due, row)
			delete(m.rows, id)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].DeliveryTime.Before(due[j].DeliveryTime) })
	return due, nil
}

func (m *Memory) GetNextDeliveryTime(_ context.Context) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var next time.Time
	found := false
	for _, row := range m.rows {
		if !found || row.DeliveryTime.Before(next) {
			next = row.DeliveryTime
			found = true
		}
	}
	return next, found, nil
}

func (m *Memory) Remove(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, taskID)
	return nil
}

func (m *Memory) GetPendingCount(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.rows)), nil
}
