// Package registry maps task names to handler descriptors. Handlers are
// registered as typed functions and stored erased behind a closure over
// []byte, so the dispatcher can invoke any task without knowing its
// concrete input/output types.
package registry

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/taskqueue-go/core/internal/serializer"
)

// Handler is the erased form every registered task is reduced to.
type Handler func(ctx context.Context, args []byte) ([]byte, error)

// RateLimitPolicy is the optional per-task rate-limit attribute.
type RateLimitPolicy struct {
	Limit  int
	Window int64 // seconds
}

// Descriptor is what the registry stores for a task name.
type Descriptor struct {
	Name         string
	Handler      Handler
	InputType    reflect.Type
	OutputType   reflect.Type
	RateLimit    *RateLimitPolicy
	PartitionKey func(args []byte) (string, bool)
	Idempotent   bool
}

// Registry maps task-name -> Descriptor. Duplicate Register calls
// overwrite the previous descriptor (last-writer-wins); this is
// intentional and undocumented as an error path, matching Celery's own
// task-registration semantics.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]Descriptor
	ser   *serializer.Registry
}

// New creates an empty Registry bound to a serializer registry used to
// decode/encode the erased argument and result bytes.
func New(ser *serializer.Registry) *Registry {
	return &Registry{tasks: make(map[string]Descriptor), ser: ser}
}

// Register wires a typed handler fn(ctx, TIn) (TOut, error) under name,
// erasing it to the Handler shape via the bound serializer.
func Register[TIn any, TOut any](r *Registry, name string, fn func(ctx context.Context, in TIn) (TOut, error)) {
	var zeroIn TIn
	var zeroOut TOut

	erased := func(ctx context.Context, args []byte) ([]byte, error) {
		var in TIn
		s := r.ser.For(serializer.ContentTypeJSON)
		if len(args) > 0 {
			if err := s.Deserialize(args, &in); err != nil {
				return nil, fmt.Errorf("registry: deserialize args for %s: %w", name, err)
			}
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		data, err := s.Serialize(out)
		if err != nil {
			return nil, fmt.Errorf("registry: serialize result for %s: %w", name, err)
		}
		return data, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[name] = Descriptor{
		Name:       name,
		Handler:    erased,
		InputType:  reflect.TypeOf(zeroIn),
		OutputType: reflect.TypeOf(zeroOut),
	}
}

// WithRateLimit annotates an already-registered task with a rate-limit
// policy. No-op if the task isn't registered.
func (r *Registry) WithRateLimit(name string, policy RateLimitPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.tasks[name]; ok {
		d.RateLimit = &policy
		r.tasks[name] = d
	}
}

// WithPartitionKey annotates an already-registered task with a function
// deriving its partition lock key from the erased argument bytes. A fn
// returning ok=false opts a particular call out of locking.
func (r *Registry) WithPartitionKey(name string, fn func(args []byte) (string, bool)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.tasks[name]; ok {
		d.PartitionKey = fn
		r.tasks[name] = d
	}
}

// WithIdempotent marks a task idempotent (inbox de-duplication eligible).
func (r *Registry) WithIdempotent(name string, idempotent bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.tasks[name]; ok {
		d.Idempotent = idempotent
		r.tasks[name] = d
	}
}

// Get looks up a task descriptor by name.
func (r *Registry) Get(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tasks[name]
	return d, ok
}

// All returns every registered descriptor.
func (r *Registry) All() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.tasks))
	for _, d := range r.tasks {
		out = append(out, d)
	}
	return out
}
