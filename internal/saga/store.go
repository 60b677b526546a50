package saga

import (
	"context"

	"github.com/taskqueue-go/core/internal/core"
)

// Store is the C10 persisted saga contract.
type Store interface {
	Create(ctx context.Context, s core.Saga) error
	Get(ctx context.Context, id string) (*core.Saga, error)
	UpdateState(ctx context.Context, id string, state core.SagaState, reason string) error
	UpdateStepState(ctx context.Context, id, stepID string, state core.StepState, taskID string, result []byte, stepErr string) error
	MarkStepCompensated(ctx context.Context, id, stepID string, success bool, compensateTaskID string, stepErr string) error
	AdvanceStep(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	GetSagaIDForTask(ctx context.Context, taskID string) (string, bool, error)
	GetByState(ctx context.Context, state core.SagaState, limit int) ([]core.Saga, error)
}
