// Package filter implements the C14 filter pipeline: an ordered chain of
// before/after hooks around task execution, the same chain-of-handlers
// shape as an HTTP middleware stack but wrapping task execution instead
// of a request, with release semantics modeled on how a deferred
// middleware unwind always runs even when the handler itself errors.
package filter

import (
	"context"
	"errors"
	"time"

	"github.com/taskqueue-go/core/internal/core"
)

// Context is the per-invocation state threaded through every filter: both
// the task identity filters inspect and the shared scratch space
// (Properties) they use to pass state to each other, plus the
// short-circuit flags a filter sets to skip dispatch and request a
// requeue.
type Context struct {
	TaskID   string
	TaskName string
	TaskType string
	Message  core.TaskMessage

	// Scope is an opaque per-request dependency scope (DB connection,
	// request-scoped logger, ...); filters that need one type-assert it.
	Scope any

	// Properties is shared, ordered filter-to-filter state: a partition
	// lock filter stores its acquired key here for its own OnExecuted to
	// read back, for example.
	Properties map[string]any

	SkipExecution  bool
	RequeueMessage bool
	RequeueDelay   *time.Duration
}

// NewContext creates a Context for one task message.
func NewContext(msg core.TaskMessage, scope any) *Context {
	return &Context{
		TaskID:     msg.ID,
		TaskName:   msg.Task,
		TaskType:   msg.Task,
		Message:    msg,
		Scope:      scope,
		Properties: make(map[string]any),
	}
}

// RequestRequeue short-circuits dispatch: the executor must skip running
// the handler and instead requeue the message, optionally after delay.
func (c *Context) RequestRequeue(delay time.Duration) {
	c.SkipExecution = true
	c.RequeueMessage = true
	if delay > 0 {
		c.RequeueDelay = &delay
	}
}

// Filter is one stage of the pipeline. OnExecuting runs before the task
// handler; OnExecuted runs after, and only for filters whose OnExecuting
// actually ran, in reverse registration order, mirroring how a
// middleware chain unwinds.
type Filter interface {
	Name() string
	OnExecuting(ctx context.Context, fc *Context) error
	OnExecuted(ctx context.Context, fc *Context) error
}

// Pipeline is an ordered, registered chain of Filters.
type Pipeline struct {
	filters []Filter
}

// NewPipeline creates a Pipeline over the given filters, run in the
// order given.
func NewPipeline(filters ...Filter) *Pipeline {
	return &Pipeline{filters: filters}
}

// Use appends a Filter to the end of the chain.
func (p *Pipeline) Use(f Filter) {
	p.filters = append(p.filters, f)
}

// RunExecuting runs every filter's OnExecuting in order, stopping at the
// first error or the first filter that sets fc.SkipExecution. It returns
// the filters that actually ran, in run order, so the caller can pass
// them to RunExecuted for a symmetric unwind.
func (p *Pipeline) RunExecuting(ctx context.Context, fc *Context) (ran []Filter, err error) {
	for _, f := range p.filters {
		ran = append(ran, f)
		if err = f.OnExecuting(ctx, fc); err != nil {
			return ran, err
		}
		if fc.SkipExecution {
			return ran, nil
		}
	}
	return ran, nil
}

// RunExecuted runs OnExecuted for every filter in ran, in reverse order,
// regardless of whether an earlier one errors — release semantics (e.g.
// releasing a partition lock acquired in OnExecuting) must not be
// skipped because a sibling filter failed.
func (p *Pipeline) RunExecuted(ctx context.Context, fc *Context, ran []Filter) error {
	var errs []error
	for i := len(ran) - 1; i >= 0; i-- {
		if err := ran[i].OnExecuted(ctx, fc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
