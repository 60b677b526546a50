package resultbackend

import (
	"context"
	"sync"
	"time"

	"github.com/taskqueue-go/core/internal/core"
)

type entry struct {
	result    core.TaskResult
	expiresAt *time.Time
}

// Memory is an in-process Backend, primarily for tests and for the single
// binary "embedded" deployment mode. Waiters are woken by a deferred
// continuation (a buffered channel owned by WaitForResult, not an inline
// callback run on the storing goroutine's stack) so StoreResult never
// blocks on a slow waiter.
type Memory struct {
	mu      sync.Mutex
	results map[string]entry
	waiters map[string][]chan core.TaskResult
	clock   func() time.Time
}

// NewMemory creates an empty in-memory Backend.
func NewMemory() *Memory {
	return &Memory{
		results: make(map[string]entry),
		waiters: make(map[string][]chan core.TaskResult),
		clock:   time.Now,
	}
}

func (m *Memory) StoreResult(_ context.Context, result core.TaskResult, expiry *time.Duration) error {
	m.mu.Lock()

	existing, ok := m.results[result.TaskID]
	if ok && existing.result.State.IsTerminal() && !result.State.IsTerminal() {
		// Terminal monotonicity: never overwrite a terminal record with a
		// non-terminal one.
		m.mu.Unlock()
		return nil
	}

	var expiresAt *time.Time
	if ok {
		expiresAt = existing.expiresAt
	}
	if !ok && expiry != nil {
		t := m.clock().Add(*expiry)
		expiresAt = &t
	}

	m.results[result.TaskID] = entry{result: result, expiresAt: expiresAt}

	var toWake []chan core.TaskResult
	if result.State.IsTerminal() {
		toWake = m.waiters[result.TaskID]
		delete(m.waiters, result.TaskID)
	}
	m.mu.Unlock()

	for _, ch := range toWake {
		ch := ch
		select {
		case ch <- result:
		default:
		}
	}
	return nil
}

func (m *Memory) get(taskID string) (*core.TaskResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.results[taskID]
	if !ok {
		return nil, false
	}
	if e.expiresAt != nil && e.expiresAt.Before(m.clock()) {
		delete(m.results, taskID)
		return nil, false
	}
	r := e.result
	return &r, true
}

func (m *Memory) GetResult(_ context.Context, taskID string) (*core.TaskResult, error) {
	r, ok := m.get(taskID)
	if !ok {
		return nil, nil
	}
	return r, nil
}

func (m *Memory) WaitForResult(ctx context.Context, taskID string, timeout time.Duration) (*core.TaskResult, error) {
	if r, ok := m.get(taskID); ok && r.State.IsTerminal() {
		return r, nil
	}

	ch := make(chan core.TaskResult, 1)
	m.mu.Lock()
	m.waiters[taskID] = append(m.waiters[taskID], ch)
	m.mu.Unlock()

	// Re-check after registering, in case StoreResult raced us between the
	// initial get and the subscribe.
	if r, ok := m.get(taskID); ok && r.State.IsTerminal() {
		return r, nil
	}

	var timer *time.Timer
	var timerC <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timerC = timer.C
	}

	select {
	case r := <-ch:
		return &r, nil
	case <-timerC:
		return nil, core.ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Memory) UpdateState(_ context.Context, taskID string, state core.TaskState, metadata map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.results[taskID]
	if ok && e.result.State.IsTerminal() && !state.IsTerminal() {
		return nil
	}

	now := m.clock()
	if !ok {
		e = entry{result: core.TaskResult{TaskID: taskID}}
	}
	e.result.State = state
	if metadata != nil {
		e.result.Metadata = metadata
	}
	if state.IsTerminal() {
		e.result.CompletedAt = now
	}
	m.results[taskID] = e
	return nil
}

func (m *Memory) GetState(_ context.Context, taskID string) (core.TaskState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.results[taskID]
	if !ok {
		return "", false, nil
	}
	if e.expiresAt != nil && e.expiresAt.Before(m.clock()) {
		delete(m.results, taskID)
		return "", false, nil
	}
	return e.result.State, true, nil
}
