// Package saga implements the C10 saga store and orchestrator: a
// persisted step/compensation state machine whose steps execute as task
// messages dispatched through the broker rather than in-process
// closures, so a saga survives the orchestrator process restarting
// mid-run.
package saga

import (
	"errors"
	"fmt"
	"time"

	"github.com/taskqueue-go/core/internal/core"
)

// StepTemplate is one step of a registered saga Definition: the
// blueprint a Saga's SagaStep instances are created from.
type StepTemplate struct {
	Name                 string
	ExecuteTask          core.Signature
	CompensateTask       *core.Signature
	Optional             bool
	MaxCompensateRetries int
}

// Definition is a registered saga workflow.
type Definition struct {
	Name                   string
	Steps                  []StepTemplate
	StepTimeout            time.Duration
	AutoCompensateOnFailure bool
	OnComplete             func(saga *core.Saga)
	OnCompensate           func(saga *core.Saga)
}

// Validate checks the definition for structural errors.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return errors.New("saga: definition name is required")
	}
	if len(d.Steps) == 0 {
		return errors.New("saga: definition must have at least one step")
	}
	for i, step := range d.Steps {
		if step.Name == "" {
			return fmt.Errorf("saga: step %d: name is required", i)
		}
		if step.ExecuteTask.Task == "" {
			return fmt.Errorf("saga: step %d (%s): execute task is required", i, step.Name)
		}
	}
	return nil
}
