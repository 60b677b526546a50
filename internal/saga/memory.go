package saga

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/taskqueue-go/core/internal/core"
)

// Memory is an in-process Store for tests.
type Memory struct {
	mu        sync.Mutex
	sagas     map[string]core.Saga
	taskIndex map[string]string // task id -> saga id
	clock     func() time.Time
}

// NewMemory creates an empty in-memory Store. clock defaults to
// time.Now if nil.
func NewMemory(clock func() time.Time) *Memory {
	if clock == nil {
		clock = time.Now
	}
	return &Memory{
		sagas:     make(map[string]core.Saga),
		taskIndex: make(map[string]string),
		clock:     clock,
	}
}

func (m *Memory) Create(_ context.Context, s core.Saga) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sagas[s.ID]; exists {
		return fmt.Errorf("saga: %s already exists", s.ID)
	}
	m.sagas[s.ID] = s
	for _, step := range s.Steps {
		if step.ExecuteTaskID != "" {
			m.taskIndex[step.ExecuteTaskID] = s.ID
		}
	}
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*core.Saga, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sagas[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	clone := cloneSaga(s)
	return &clone, nil
}

func (m *Memory) UpdateState(_ context.Context, id string, state core.SagaState, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sagas[id]
	if !ok {
		return core.ErrNotFound
	}
	now := m.clock()
	if s.State == core.SagaCreated && state == core.SagaExecuting {
		s.StartedAt = &now
	}
	s.State = state
	if reason != "" {
		s.FailureReason = reason
	}
	if state.IsTerminal() {
		s.CompletedAt = &now
	}
	m.sagas[id] = s
	return nil
}

func (m *Memory) UpdateStepState(_ context.Context, id, stepID string, state core.StepState, taskID string, result []byte, stepErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sagas[id]
	if !ok {
		return core.ErrNotFound
	}
	now := m.clock()
	for i := range s.Steps {
		if s.Steps[i].ID != stepID {
			continue
		}
		if s.Steps[i].State == core.StepPending && state == core.StepExecuting {
			s.Steps[i].StartedAt = &now
		}
		s.Steps[i].State = state
		if taskID != "" {
			s.Steps[i].ExecuteTaskID = taskID
			m.taskIndex[taskID] = id
		}
		if result != nil {
			s.Steps[i].Result = result
		}
		if stepErr != "" {
			s.Steps[i].Error = stepErr
		}
		switch state {
		case core.StepCompleted, core.StepFailed, core.StepSkipped:
			s.Steps[i].CompletedAt = &now
		}
		m.sagas[id] = s
		return nil
	}
	return core.ErrNotFound
}

func (m *Memory) MarkStepCompensated(_ context.Context, id, stepID string, success bool, compensateTaskID string, stepErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sagas[id]
	if !ok {
		return core.ErrNotFound
	}
	for i := range s.Steps {
		if s.Steps[i].ID != stepID {
			continue
		}
		s.Steps[i].CompensationAttempts++
		if compensateTaskID != "" {
			s.Steps[i].CompensateTaskID = compensateTaskID
		}
		if success {
			s.Steps[i].State = core.StepCompensated
			s.Steps[i].Error = ""
		} else {
			s.Steps[i].State = core.StepCompensationFailed
			s.Steps[i].Error = stepErr
		}
		m.sagas[id] = s
		return nil
	}
	return core.ErrNotFound
}

func (m *Memory) AdvanceStep(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sagas[id]
	if !ok {
		return core.ErrNotFound
	}
	s.CurrentStepIndex++
	m.sagas[id] = s
	return nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sagas[id]; ok {
		for _, step := range s.Steps {
			if step.ExecuteTaskID != "" {
				delete(m.taskIndex, step.ExecuteTaskID)
			}
		}
	}
	delete(m.sagas, id)
	return nil
}

func (m *Memory) GetSagaIDForTask(_ context.Context, taskID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.taskIndex[taskID]
	return id, ok, nil
}

func (m *Memory) GetByState(_ context.Context, state core.SagaState, limit int) ([]core.Saga, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []core.Saga
	for _, s := range m.sagas {
		if s.State == state {
			out = append(out, cloneSaga(s))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func cloneSaga(s core.Saga) core.Saga {
	clone := s
	clone.Steps = make([]core.SagaStep, len(s.Steps))
	copy(clone.Steps, s.Steps)
	return clone
}
