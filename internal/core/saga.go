package core

import "time"

// SagaState enumerates the saga-level state machine.
type SagaState string

const (
	SagaCreated             SagaState = "Created"
	SagaExecuting           SagaState = "Executing"
	SagaCompleted           SagaState = "Completed"
	SagaFailed              SagaState = "Failed"
	SagaCompensating        SagaState = "Compensating"
	SagaCompensated         SagaState = "Compensated"
	SagaCompensationFailed  SagaState = "CompensationFailed"
	SagaCancelled           SagaState = "Cancelled"
)

// IsTerminal reports whether the saga state machine has reached a final state.
func (s SagaState) IsTerminal() bool {
	switch s {
	case SagaCompleted, SagaCompensated, SagaCompensationFailed, SagaCancelled:
		return true
	default:
		return false
	}
}

// StepState enumerates the per-step state machine.
type StepState string

const (
	StepPending            StepState = "Pending"
	StepExecuting          StepState = "Executing"
	StepCompleted          StepState = "Completed"
	StepFailed             StepState = "Failed"
	StepCompensating       StepState = "Compensating"
	StepCompensated        StepState = "Compensated"
	StepCompensationFailed StepState = "CompensationFailed"
	StepSkipped            StepState = "Skipped"
)

// Saga is the persisted saga record.
type Saga struct {
	ID                string
	Name              string
	State             SagaState
	Steps             []SagaStep
	CurrentStepIndex  int
	CreatedAt         time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
	FailureReason     string
	CorrelationID     string
	Metadata          map[string]string
	AutoCompensate    bool
}

// SagaStep is one compensable unit of a saga.
type SagaStep struct {
	ID               string
	Name             string
	Order            int
	ExecuteTask      Signature
	CompensateTask   *Signature
	State            StepState
	ExecuteTaskID    string
	CompensateTaskID string
	Result           []byte
	Error            string
	StartedAt        *time.Time
	CompletedAt      *time.Time
	CompensationAttempts int
}

// HasCompensation reports whether the step carries a compensating task.
func (s *SagaStep) HasCompensation() bool {
	return s.CompensateTask != nil
}

// CompensationCandidate reports whether the step should be compensated:
// completed, with a compensation signature attached.
func (s *SagaStep) CompensationCandidate() bool {
	return s.State == StepCompleted && s.HasCompensation()
}
