// Package signalbus implements the C12 signal bus: typed event dispatch
// over both an immediate Pub/Sub path (for live dashboards and local
// subscribers) and a persisted queue processed in bounded-concurrency
// batches, so a handler's failure or a process restart cannot silently
// drop a signal the way a pure in-memory fan-out would.
package signalbus

import (
	"context"
	"encoding/json"
	"time"
)

// SignalType enumerates the events the bus carries.
type SignalType string

const (
	BeforeTaskPublish SignalType = "BeforeTaskPublish"
	AfterTaskPublish  SignalType = "AfterTaskPublish"
	TaskPreRun        SignalType = "TaskPreRun"
	TaskPostRun       SignalType = "TaskPostRun"
	TaskSuccess       SignalType = "TaskSuccess"
	TaskFailure       SignalType = "TaskFailure"
	TaskRetry         SignalType = "TaskRetry"
	TaskRevoked       SignalType = "TaskRevoked"
	TaskRejected      SignalType = "TaskRejected"
	ProgressUpdated   SignalType = "ProgressUpdated"
	SagaStepCompleted SignalType = "SagaStepCompleted"
	SagaCompensated   SignalType = "SagaCompensated"
)

// Signal is one typed event.
type Signal struct {
	Type      SignalType     `json:"type"`
	TaskID    string         `json:"taskId,omitempty"`
	TaskName  string         `json:"taskName,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewSignal creates a Signal stamped with the current time.
func NewSignal(t SignalType, taskID, taskName string, data map[string]any) Signal {
	return Signal{Type: t, TaskID: taskID, TaskName: taskName, Timestamp: time.Now(), Data: data}
}

func (s Signal) toJSON() ([]byte, error) { return json.Marshal(s) }

func signalFromJSON(data []byte) (Signal, error) {
	var s Signal
	err := json.Unmarshal(data, &s)
	return s, err
}

// Bus is the immediate Pub/Sub path: a direct fan-out to live
// subscribers with no persistence and no delivery guarantee beyond
// "subscribers connected right now see it".
type Bus interface {
	Publish(ctx context.Context, s Signal) error
	Subscribe(ctx context.Context, types ...SignalType) (<-chan Signal, error)
	Close() error
}

// HandlerFunc handles one signal. An error or panic from a HandlerFunc is
// isolated: it is reported but never prevents sibling handlers for the
// same signal from running, and never changes the originating task's
// outcome.
type HandlerFunc func(ctx context.Context, s Signal) error

// Registry resolves the handlers bound to each SignalType.
type Registry struct {
	handlers map[SignalType][]HandlerFunc
}

// NewRegistry creates an empty handler Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[SignalType][]HandlerFunc)}
}

// On registers a handler for a SignalType.
func (r *Registry) On(t SignalType, h HandlerFunc) {
	r.handlers[t] = append(r.handlers[t], h)
}

// Resolve returns the handlers registered for a SignalType.
func (r *Registry) Resolve(t SignalType) []HandlerFunc {
	return r.handlers[t]
}
