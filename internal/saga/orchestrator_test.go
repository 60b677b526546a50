package saga

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskqueue-go/core/internal/core"
	"github.com/taskqueue-go/core/internal/resultbackend"
)

// scriptedPublisher resolves every dispatched task asynchronously according
// to a per-task-name outcome, letting orchestrator tests drive step
// completion/failure without a real broker or worker.
type scriptedPublisher struct {
	results  *resultbackend.Memory
	outcomes map[string]core.TaskState
	delay    time.Duration
}

func (p *scriptedPublisher) publish(_ context.Context, msg core.TaskMessage) error {
	state, ok := p.outcomes[msg.Task]
	if !ok {
		state = core.StateSuccess
	}
	go func() {
		if p.delay > 0 {
			time.Sleep(p.delay)
		}
		result := core.TaskResult{TaskID: msg.ID, State: state, CompletedAt: time.Now()}
		if state == core.StateFailure {
			result.Exception = &core.ExceptionInfo{Type: "ScriptedError", Message: "step scripted to fail"}
		}
		_ = p.results.StoreResult(context.Background(), result, nil)
	}()
	return nil
}

func waitForSagaState(t *testing.T, o *Orchestrator, sagaID string, want core.SagaState) *core.Saga {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s, err := o.Get(context.Background(), sagaID)
		require.NoError(t, err)
		if s.State == want {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("saga %s never reached state %s", sagaID, want)
	return nil
}

func stepDef(name string, compensate bool) StepTemplate {
	tmpl := StepTemplate{
		Name:        name,
		ExecuteTask: core.Signature{Task: name},
	}
	if compensate {
		sig := core.Signature{Task: name + "-undo"}
		tmpl.CompensateTask = &sig
	}
	return tmpl
}

func TestOrchestrator_HappyPathCompletes(t *testing.T) {
	results := resultbackend.NewMemory()
	pub := &scriptedPublisher{results: results, outcomes: map[string]core.TaskState{}}
	store := NewMemory(nil)
	o := NewOrchestrator(store, results, pub.publish)
	o.StepTimeout = time.Second

	def := &Definition{
		Name:  "order-fulfillment",
		Steps: []StepTemplate{stepDef("reserve-inventory", true), stepDef("charge-card", true)},
	}
	require.NoError(t, o.Register(def))

	s, err := o.Start(context.Background(), "order-fulfillment", "corr-1")
	require.NoError(t, err)

	final := waitForSagaState(t, o, s.ID, core.SagaCompleted)
	for _, step := range final.Steps {
		assert.Equal(t, core.StepCompleted, step.State)
	}
}

func TestOrchestrator_FailureAutoCompensatesReverseOrder(t *testing.T) {
	results := resultbackend.NewMemory()
	pub := &scriptedPublisher{results: results, outcomes: map[string]core.TaskState{
		"charge-card": core.StateFailure,
	}}
	store := NewMemory(nil)
	o := NewOrchestrator(store, results, pub.publish)
	o.StepTimeout = time.Second

	def := &Definition{
		Name:                    "order-fulfillment",
		Steps:                   []StepTemplate{stepDef("reserve-inventory", true), stepDef("charge-card", true)},
		AutoCompensateOnFailure: true,
	}
	require.NoError(t, o.Register(def))

	s, err := o.Start(context.Background(), "order-fulfillment", "corr-2")
	require.NoError(t, err)

	final := waitForSagaState(t, o, s.ID, core.SagaCompensated)
	assert.Equal(t, core.StepCompensated, final.Steps[0].State)
	assert.Equal(t, core.StepFailed, final.Steps[1].State)
}

func TestOrchestrator_FailureWithoutAutoCompensateMarksFailed(t *testing.T) {
	results := resultbackend.NewMemory()
	pub := &scriptedPublisher{results: results, outcomes: map[string]core.TaskState{
		"charge-card": core.StateFailure,
	}}
	store := NewMemory(nil)
	o := NewOrchestrator(store, results, pub.publish)
	o.StepTimeout = time.Second

	def := &Definition{
		Name:  "order-fulfillment",
		Steps: []StepTemplate{stepDef("reserve-inventory", false), stepDef("charge-card", false)},
	}
	require.NoError(t, o.Register(def))

	s, err := o.Start(context.Background(), "order-fulfillment", "corr-3")
	require.NoError(t, err)

	final := waitForSagaState(t, o, s.ID, core.SagaFailed)
	assert.Equal(t, core.StepCompleted, final.Steps[0].State)
	assert.Equal(t, core.StepFailed, final.Steps[1].State)
}

func TestOrchestrator_OptionalStepFailureIsSkippedNotFatal(t *testing.T) {
	results := resultbackend.NewMemory()
	pub := &scriptedPublisher{results: results, outcomes: map[string]core.TaskState{
		"send-confirmation-email": core.StateFailure,
	}}
	store := NewMemory(nil)
	o := NewOrchestrator(store, results, pub.publish)
	o.StepTimeout = time.Second

	optionalStep := stepDef("send-confirmation-email", false)
	optionalStep.Optional = true

	def := &Definition{
		Name:  "order-fulfillment",
		Steps: []StepTemplate{optionalStep, stepDef("charge-card", false)},
	}
	require.NoError(t, o.Register(def))

	s, err := o.Start(context.Background(), "order-fulfillment", "corr-4")
	require.NoError(t, err)

	final := waitForSagaState(t, o, s.ID, core.SagaCompleted)
	assert.Equal(t, core.StepSkipped, final.Steps[0].State)
	assert.Equal(t, core.StepCompleted, final.Steps[1].State)
}

func TestOrchestrator_ManualCompensate(t *testing.T) {
	results := resultbackend.NewMemory()
	pub := &scriptedPublisher{results: results, outcomes: map[string]core.TaskState{}, delay: 100 * time.Millisecond}
	store := NewMemory(nil)
	o := NewOrchestrator(store, results, pub.publish)
	o.StepTimeout = 2 * time.Second

	def := &Definition{
		Name:  "order-fulfillment",
		Steps: []StepTemplate{stepDef("reserve-inventory", true), stepDef("charge-card", true)},
	}
	require.NoError(t, o.Register(def))

	s, err := o.Start(context.Background(), "order-fulfillment", "corr-5")
	require.NoError(t, err)

	// Let the first step complete, then compensate manually before the
	// second step finishes.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		cur, err := o.Get(context.Background(), s.ID)
		require.NoError(t, err)
		if cur.Steps[0].State == core.StepCompleted {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	require.NoError(t, o.Compensate(context.Background(), s.ID, "manual rollback requested"))

	final := waitForSagaState(t, o, s.ID, core.SagaCompensated)
	assert.Equal(t, core.StepCompensated, final.Steps[0].State)
}

func TestOrchestrator_RegisterRejectsDuplicateAndInvalid(t *testing.T) {
	results := resultbackend.NewMemory()
	o := NewOrchestrator(NewMemory(nil), results, func(context.Context, core.TaskMessage) error { return nil })

	def := &Definition{Name: "dup", Steps: []StepTemplate{stepDef("step-a", false)}}
	require.NoError(t, o.Register(def))
	err := o.Register(def)
	assert.Error(t, err)

	invalid := &Definition{Name: ""}
	assert.Error(t, o.Register(invalid))
}

func TestOrchestrator_StartRejectsUnregisteredDefinition(t *testing.T) {
	results := resultbackend.NewMemory()
	o := NewOrchestrator(NewMemory(nil), results, func(context.Context, core.TaskMessage) error { return nil })

	_, err := o.Start(context.Background(), "missing", "corr-x")
	assert.Error(t, err)
	assert.Equal(t, fmt.Sprintf("saga: %q not registered", "missing"), err.Error())
}
