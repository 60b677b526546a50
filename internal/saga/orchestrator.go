package saga

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/taskqueue-go/core/internal/core"
	"github.com/taskqueue-go/core/internal/logger"
	"github.com/taskqueue-go/core/internal/resultbackend"
)

// Orchestrator drives registered saga Definitions over a persisted
// Store, executing each step by dispatching its ExecuteTask as a task
// message and waiting for its result through a Backend instead of
// calling an in-process handler directly.
type Orchestrator struct {
	store   Store
	results resultbackend.Backend
	publish func(ctx context.Context, msg core.TaskMessage) error

	mu          sync.RWMutex
	definitions map[string]*Definition

	StepTimeout time.Duration
}

// NewOrchestrator creates an Orchestrator bound to a Store, a result
// Backend used to await step completion, and a publish function used to
// dispatch step tasks onto the broker.
func NewOrchestrator(store Store, results resultbackend.Backend, publish func(ctx context.Context, msg core.TaskMessage) error) *Orchestrator {
	return &Orchestrator{
		store:       store,
		results:     results,
		publish:     publish,
		definitions: make(map[string]*Definition),
		StepTimeout: 30 * time.Second,
	}
}

// Register adds a saga Definition. MustRegister-style panics are left to
// callers; Register itself only validates and reports an error.
func (o *Orchestrator) Register(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.definitions[def.Name]; exists {
		return fmt.Errorf("saga: %q already registered", def.Name)
	}
	o.definitions[def.Name] = def
	return nil
}

// Start creates a persisted Saga from the named Definition and runs it
// to completion (or to a stable failed/compensating state) in a
// background goroutine, returning immediately with the created record.
func (o *Orchestrator) Start(ctx context.Context, name, correlationID string) (*core.Saga, error) {
	o.mu.RLock()
	def, ok := o.definitions[name]
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("saga: %q not registered", name)
	}

	steps := make([]core.SagaStep, len(def.Steps))
	for i, tmpl := range def.Steps {
		steps[i] = core.SagaStep{
			ID:             fmt.Sprintf("%s-step-%d", correlationID, i),
			Name:           tmpl.Name,
			Order:          i,
			ExecuteTask:    tmpl.ExecuteTask,
			CompensateTask: tmpl.CompensateTask,
			State:          core.StepPending,
		}
	}

	s := core.Saga{
		ID:             core.NewTaskID(),
		Name:           name,
		State:          core.SagaCreated,
		Steps:          steps,
		CorrelationID:  correlationID,
		CreatedAt:      time.Now(),
		AutoCompensate: def.AutoCompensateOnFailure,
	}
	if err := o.store.Create(ctx, s); err != nil {
		return nil, err
	}

	go o.execute(context.WithoutCancel(ctx), def, s.ID)

	created, err := o.store.Get(ctx, s.ID)
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (o *Orchestrator) execute(ctx context.Context, def *Definition, sagaID string) {
	if err := o.store.UpdateState(ctx, sagaID, core.SagaExecuting, ""); err != nil {
		return
	}

	for i, tmpl := range def.Steps {
		s, err := o.store.Get(ctx, sagaID)
		if err != nil {
			return
		}
		step := s.Steps[i]

		result, stepErr := o.runStep(ctx, def, sagaID, step)
		if stepErr != nil && tmpl.Optional {
			logger.WithSaga(sagaID).Debug().
				Str("step", step.Name).Err(stepErr).
				Msg("optional saga step failed, continuing")
			_ = o.store.UpdateStepState(ctx, sagaID, step.ID, core.StepSkipped, step.ExecuteTaskID, nil, stepErr.Error())
			continue
		}
		if stepErr != nil {
			logger.WithSaga(sagaID).Error().
				Str("step", step.Name).Err(stepErr).
				Msg("saga step failed")
			_ = o.store.UpdateStepState(ctx, sagaID, step.ID, core.StepFailed, step.ExecuteTaskID, nil, stepErr.Error())
			o.onStepFailure(ctx, def, sagaID, i, stepErr)
			return
		}

		_ = o.store.UpdateStepState(ctx, sagaID, step.ID, core.StepCompleted, step.ExecuteTaskID, result, "")
		_ = o.store.AdvanceStep(ctx, sagaID)
	}

	_ = o.store.UpdateState(ctx, sagaID, core.SagaCompleted, "")
	if def.OnComplete != nil {
		if s, err := o.store.Get(ctx, sagaID); err == nil {
			def.OnComplete(s)
		}
	}
}

// runStep dispatches a step's execute task and waits for its terminal
// result, recording the task id before waiting so a crash between
// dispatch and completion is still visible via GetSagaIDForTask.
func (o *Orchestrator) runStep(ctx context.Context, def *Definition, sagaID string, step core.SagaStep) ([]byte, error) {
	msg := step.ExecuteTask.ToMessage()
	_ = o.store.UpdateStepState(ctx, sagaID, step.ID, core.StepExecuting, msg.ID, nil, "")

	timeout := def.StepTimeout
	if timeout == 0 {
		timeout = o.StepTimeout
	}

	if err := o.publish(ctx, msg); err != nil {
		return nil, fmt.Errorf("saga: dispatch step %s: %w", step.Name, err)
	}

	res, err := o.results.WaitForResult(ctx, msg.ID, timeout)
	if err != nil {
		return nil, fmt.Errorf("saga: await step %s: %w", step.Name, err)
	}
	if res.State != core.StateSuccess {
		if res.Exception != nil {
			return nil, fmt.Errorf("saga: step %s failed: %s", step.Name, res.Exception.Error())
		}
		return nil, fmt.Errorf("saga: step %s ended in state %s", step.Name, res.State)
	}
	return res.Result, nil
}

func (o *Orchestrator) onStepFailure(ctx context.Context, def *Definition, sagaID string, failedIdx int, cause error) {
	if !def.AutoCompensateOnFailure {
		_ = o.store.UpdateState(ctx, sagaID, core.SagaFailed, cause.Error())
		return
	}
	o.compensateFrom(ctx, def, sagaID, failedIdx-1, cause)
}

// compensateFrom runs compensation handlers for every completed step at
// or before fromStep, in strict reverse order.
func (o *Orchestrator) compensateFrom(ctx context.Context, def *Definition, sagaID string, fromStep int, cause error) {
	_ = o.store.UpdateState(ctx, sagaID, core.SagaCompensating, cause.Error())

	anyFailed := false
	for i := fromStep; i >= 0; i-- {
		s, err := o.store.Get(ctx, sagaID)
		if err != nil {
			return
		}
		step := s.Steps[i]
		if !step.CompensationCandidate() {
			continue
		}

		tmpl := def.Steps[i]
		maxRetries := tmpl.MaxCompensateRetries
		if maxRetries <= 0 {
			maxRetries = 3
		}

		var compErr error
		var compensateTaskID string
		for attempt := 0; attempt <= maxRetries; attempt++ {
			compensateTaskID, compErr = o.runCompensation(ctx, def, step)
			if compErr == nil {
				break
			}
		}

		if compErr != nil {
			anyFailed = true
			_ = o.store.MarkStepCompensated(ctx, sagaID, step.ID, false, compensateTaskID, compErr.Error())
			logger.WithSaga(sagaID).Error().
				Str("step", step.Name).Err(compErr).
				Msg("saga compensation failed")
			continue
		}
		_ = o.store.MarkStepCompensated(ctx, sagaID, step.ID, true, compensateTaskID, "")
	}

	finalState := core.SagaCompensated
	if anyFailed {
		finalState = core.SagaCompensationFailed
	}
	_ = o.store.UpdateState(ctx, sagaID, finalState, "")

	if def.OnCompensate != nil {
		if s, err := o.store.Get(ctx, sagaID); err == nil {
			def.OnCompensate(s)
		}
	}
}

func (o *Orchestrator) runCompensation(ctx context.Context, def *Definition, step core.SagaStep) (string, error) {
	if step.CompensateTask == nil {
		return "", nil
	}
	msg := step.CompensateTask.ToMessage()

	timeout := def.StepTimeout
	if timeout == 0 {
		timeout = o.StepTimeout
	}

	if err := o.publish(ctx, msg); err != nil {
		return msg.ID, fmt.Errorf("saga: dispatch compensation %s: %w", step.Name, err)
	}
	res, err := o.results.WaitForResult(ctx, msg.ID, timeout)
	if err != nil {
		return msg.ID, fmt.Errorf("saga: await compensation %s: %w", step.Name, err)
	}
	if res.State != core.StateSuccess {
		return msg.ID, fmt.Errorf("saga: compensation %s ended in state %s", step.Name, res.State)
	}
	return msg.ID, nil
}

// Compensate manually triggers compensation for a running or failed
// saga from its last completed step.
func (o *Orchestrator) Compensate(ctx context.Context, sagaID, reason string) error {
	s, err := o.store.Get(ctx, sagaID)
	if err != nil {
		return err
	}
	if s.State == core.SagaCompensating || s.State.IsTerminal() {
		return fmt.Errorf("saga: %s is already %s", sagaID, s.State)
	}

	o.mu.RLock()
	def, ok := o.definitions[s.Name]
	o.mu.RUnlock()
	if !ok {
		return fmt.Errorf("saga: definition %q not registered", s.Name)
	}

	lastCompleted := -1
	for i, step := range s.Steps {
		if step.State == core.StepCompleted {
			lastCompleted = i
		}
	}

	go o.compensateFrom(context.WithoutCancel(ctx), def, sagaID, lastCompleted, fmt.Errorf("%s", reason))
	return nil
}

// Get returns the current persisted state of a saga.
func (o *Orchestrator) Get(ctx context.Context, sagaID string) (*core.Saga, error) {
	return o.store.Get(ctx, sagaID)
}

// GetByState returns sagas currently in the given state.
func (o *Orchestrator) GetByState(ctx context.Context, state core.SagaState, limit int) ([]core.Saga, error) {
	return o.store.GetByState(ctx, state, limit)
}
