package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskqueue-go/core/internal/core"
)

const (
	sagaDataKey      = "taskqueue:saga:data"
	sagaTaskIndexKey = "taskqueue:saga:task_index"
	sagaStateSetPrefix = "taskqueue:saga:state:"
)

// Redis is a Redis-backed Store: a hash holds each saga's full JSON
// record (steps included), a second hash reverse-indexes task id to
// saga id, and a set per state supports GetByState without a table
// scan.
type Redis struct {
	client *redis.Client
}

// NewRedis creates a Redis-backed Store over an existing client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func stateSetKey(state core.SagaState) string {
	return sagaStateSetPrefix + string(state)
}

func (r *Redis) save(ctx context.Context, s core.Saga, prevState core.SagaState) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("saga: marshal: %w", err)
	}
	pipe := r.client.Pipeline()
	pipe.HSet(ctx, sagaDataKey, s.ID, data)
	if prevState != "" && prevState != s.State {
		pipe.SRem(ctx, stateSetKey(prevState), s.ID)
	}
	pipe.SAdd(ctx, stateSetKey(s.State), s.ID)
	for _, step := range s.Steps {
		if step.ExecuteTaskID != "" {
			pipe.HSet(ctx, sagaTaskIndexKey, step.ExecuteTaskID, s.ID)
		}
	}
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("saga: save: %w", err)
	}
	return nil
}

func (r *Redis) load(ctx context.Context, id string) (core.Saga, error) {
	data, err := r.client.HGet(ctx, sagaDataKey, id).Bytes()
	if err == redis.Nil {
		return core.Saga{}, core.ErrNotFound
	}
	if err != nil {
		return core.Saga{}, fmt.Errorf("saga: load: %w", err)
	}
	var s core.Saga
	if err := json.Unmarshal(data, &s); err != nil {
		return core.Saga{}, fmt.Errorf("saga: unmarshal: %w", err)
	}
	return s, nil
}

func (r *Redis) Create(ctx context.Context, s core.Saga) error {
	return r.save(ctx, s, "")
}

func (r *Redis) Get(ctx context.Context, id string) (*core.Saga, error) {
	s, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *Redis) UpdateState(ctx context.Context, id string, state core.SagaState, reason string) error {
	s, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	prevState := s.State
	now := time.Now()
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
	return r.save(ctx, s, prevState)
}

func (r *Redis) UpdateStepState(ctx context.Context, id, stepID string, state core.StepState, taskID string, result []byte, stepErr string) error {
	s, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now()
	found := false
	for i := range s.Steps {
		if s.Steps[i].ID != stepID {
			continue
		}
		found = true
		if s.Steps[i].State == core.StepPending && state == core.StepExecuting {
			s.Steps[i].StartedAt = &now
		}
		s.Steps[i].State = state
		if taskID != "" {
			s.Steps[i].ExecuteTaskID = taskID
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
	}
	if !found {
		return core.ErrNotFound
	}
	return r.save(ctx, s, s.State)
}

func (r *Redis) MarkStepCompensated(ctx context.Context, id, stepID string, success bool, compensateTaskID string, stepErr string) error {
	s, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	found := false
	for i := range s.Steps {
		if s.Steps[i].ID != stepID {
			continue
		}
		found = true
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
	}
	if !found {
		return core.ErrNotFound
	}
	return r.save(ctx, s, s.State)
}

func (r *Redis) AdvanceStep(ctx context.Context, id string) error {
	s, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	s.CurrentStepIndex++
	return r.save(ctx, s, s.State)
}

func (r *Redis) Delete(ctx context.Context, id string) error {
	s, err := r.load(ctx, id)
	if err == core.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	pipe := r.client.Pipeline()
	pipe.HDel(ctx, sagaDataKey, id)
	pipe.SRem(ctx, stateSetKey(s.State), id)
	for _, step := range s.Steps {
		if step.ExecuteTaskID != "" {
			pipe.HDel(ctx, sagaTaskIndexKey, step.ExecuteTaskID)
		}
	}
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("saga: delete: %w", err)
	}
	return nil
}

func (r *Redis) GetSagaIDForTask(ctx context.Context, taskID string) (string, bool, error) {
	id, err := r.client.HGet(ctx, sagaTaskIndexKey, taskID).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("saga: task index lookup: %w", err)
	}
	return id, true, nil
}

func (r *Redis) GetByState(ctx context.Context, state core.SagaState, limit int) ([]core.Saga, error) {
	ids, err := r.client.SMembers(ctx, stateSetKey(state)).Result()
	if err != nil {
		return nil, fmt.Errorf("saga: get by state: %w", err)
	}
	out := make([]core.Saga, 0, len(ids))
	for _, id := range ids {
		s, err := r.load(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, s)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
