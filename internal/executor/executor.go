// Package executor implements the C15 executor: the pipeline that turns
// one delivered BrokerMessage into a terminal or intermediate TaskResult,
// threading every other component (revocation, rate limiting, the filter
// pipeline, the execution tracker, partition locks, the result backend,
// the dead-letter store, and the signal bus) around a single handler
// invocation.
package executor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskqueue-go/core/internal/breaker"
	"github.com/taskqueue-go/core/internal/broker"
	"github.com/taskqueue-go/core/internal/core"
	"github.com/taskqueue-go/core/internal/deadletter"
	"github.com/taskqueue-go/core/internal/delayed"
	"github.com/taskqueue-go/core/internal/exectracker"
	"github.com/taskqueue-go/core/internal/filter"
	"github.com/taskqueue-go/core/internal/logger"
	"github.com/taskqueue-go/core/internal/metricsstore"
	"github.com/taskqueue-go/core/internal/outbox"
	"github.com/taskqueue-go/core/internal/partitionlock"
	"github.com/taskqueue-go/core/internal/ratelimit"
	"github.com/taskqueue-go/core/internal/registry"
	"github.com/taskqueue-go/core/internal/resultbackend"
	"github.com/taskqueue-go/core/internal/revocation"
	"github.com/taskqueue-go/core/internal/signalbus"
)

// SagaIndex is the narrow slice of the saga store the executor needs: a
// way to tell whether a completed task was a saga step, purely for
// observability. Step advancement itself happens through the saga
// orchestrator's own WaitForResult rendezvous on the result backend, not
// through this hook, so there is exactly one writer of saga state.
type SagaIndex interface {
	GetSagaIDForTask(ctx context.Context, taskID string) (string, bool, error)
}

// Executor wires every other component around one handler invocation.
// Delayed, Sagas, and Filters are optional; a nil value disables the
// corresponding step.
type Executor struct {
	WorkerID string

	Registry    *registry.Registry
	Results     resultbackend.Backend
	Revocation  *revocation.Manager
	RateLimiter ratelimit.Limiter
	Tracker     exectracker.Tracker
	Locks       partitionlock.Store
	Delayed     delayed.Store
	Inbox       outbox.Inbox
	DeadLetters deadletter.Store
	Sagas       SagaIndex
	Signals     signalbus.Bus
	Broker      broker.Broker
	Filters     *filter.Pipeline
	Metrics     *metricsstore.Collector
	Breaker     *breaker.Registry

	// DefaultRequeueDelay is used when a requeue isn't given a more
	// specific delay (rate-limit retry-after, filter requeue delay, ...).
	DefaultRequeueDelay time.Duration
	// TrackerTimeout bounds how long a single-flight slot is held before
	// it's considered abandoned.
	TrackerTimeout time.Duration
	// PartitionLockTimeout bounds how long a partition lease is held.
	PartitionLockTimeout time.Duration
	// DeadLetterRetention is how long a dead-letter entry survives
	// before CleanupExpired removes it.
	DeadLetterRetention time.Duration

	Clock func() time.Time
}

// New creates an Executor with the given worker id and every required
// collaborator; optional collaborators are wired in afterward by setting
// the corresponding field.
func New(workerID string, reg *registry.Registry, results resultbackend.Backend, b broker.Broker) *Executor {
	return &Executor{
		WorkerID:             workerID,
		Registry:             reg,
		Results:              results,
		Broker:               b,
		DefaultRequeueDelay:  time.Second,
		TrackerTimeout:       5 * time.Minute,
		PartitionLockTimeout: time.Minute,
		DeadLetterRetention:  7 * 24 * time.Hour,
		Clock:                time.Now,
	}
}

func (e *Executor) now() time.Time {
	if e.Clock != nil {
		return e.Clock()
	}
	return time.Now()
}

func (e *Executor) log() zerolog.Logger {
	return logger.WithComponent("executor")
}

// Run executes one delivered message to completion and returns the
// TaskResult describing its outcome. It never panics or returns an error
// to its caller: every failure path is captured as a TaskResult and the
// broker message is either acked (outcome is final or has been handed
// off for later redelivery) or left unacked so orphan reclaim redelivers
// it.
func (e *Executor) Run(parent context.Context, bm core.BrokerMessage) (result core.TaskResult) {
	msg := bm.Message
	log := e.log().With().Str("task_id", msg.ID).Str("task", msg.Task).Logger()

	if e.Metrics != nil {
		defer func() {
			e.Metrics.RecordOutcome(metricsstore.TaskOutcome{
				TaskName:   msg.Task,
				Queue:      msg.Queue,
				State:      string(result.State),
				DurationMS: result.DurationMS,
				At:         result.CompletedAt,
			})
		}()
	}

	// Step 1: open the ack window under a revocation-linked cancel.
	ctx := parent
	if e.Revocation != nil {
		ctx = e.Revocation.RegisterTask(parent, msg.ID)
		defer e.Revocation.UnregisterTask(msg.ID)
	}

	// Step 2: decode / look up the task descriptor.
	descriptor, ok := e.Registry.Get(msg.Task)
	if !ok {
		log.Warn().Msg("unknown task, routing to dead-letter store")
		e.deadLetter(ctx, msg, core.ReasonUnknownTask, core.ErrUnknownTask)
		e.ack(ctx, bm)
		return e.terminal(ctx, msg, core.StateRejected, core.ErrUnknownTask)
	}

	// Step 3: expiration.
	now := e.now()
	if msg.IsExpired(now) {
		log.Warn().Msg("task expired before dispatch")
		e.deadLetter(ctx, msg, core.ReasonExpired, core.ErrTaskExpired)
		e.ack(ctx, bm)
		return e.terminal(ctx, msg, core.StateRejected, core.ErrTaskExpired)
	}

	// Step 4: idempotency via the inbox.
	if e.Inbox != nil {
		processed, err := e.Inbox.IsProcessed(ctx, msg.ID)
		if err != nil {
			log.Error().Err(err).Msg("inbox lookup failed, proceeding as unprocessed")
		} else if processed {
			e.ack(ctx, bm)
			if result, err := e.Results.GetResult(ctx, msg.ID); err == nil && result != nil {
				return *result
			}
			return core.TaskResult{TaskID: msg.ID, State: core.StateSuccess, CompletedAt: now}
		}
	}

	// Step 5: revocation pre-check.
	if e.Revocation != nil && e.Revocation.IsRevoked(msg.ID) {
		log.Info().Msg("task revoked before dispatch")
		e.ack(ctx, bm)
		return e.terminal(ctx, msg, core.StateRevoked, nil)
	}

	// Step 6: rate limit.
	if e.RateLimiter != nil && descriptor.RateLimit != nil {
		policy := ratelimit.Policy{
			Limit:  descriptor.RateLimit.Limit,
			Window: time.Duration(descriptor.RateLimit.Window) * time.Second,
		}
		decision, err := e.RateLimiter.TryAcquire(ctx, msg.Task, policy)
		if err != nil {
			log.Error().Err(err).Msg("rate limiter error, allowing task through")
		} else if !decision.Allowed {
			log.Debug().Dur("retry_after", decision.RetryAfter).Msg("rate limited, requeuing")
			return e.requeueRateLimited(ctx, bm, decision.RetryAfter)
		}
	}

	// Step 7: the configurable filter pipeline.
	fc := filter.NewContext(msg, nil)
	var ranFilters []filter.Filter
	if e.Filters != nil {
		var err error
		ranFilters, err = e.Filters.RunExecuting(ctx, fc)
		if err != nil {
			log.Error().Err(err).Msg("filter chain errored, leaving message for redelivery")
			_ = e.Filters.RunExecuted(ctx, fc, ranFilters)
			return e.failureNoAck(ctx, msg, err)
		}
		if fc.SkipExecution {
			delay := e.DefaultRequeueDelay
			if fc.RequeueDelay != nil {
				delay = *fc.RequeueDelay
			}
			_ = e.Filters.RunExecuted(ctx, fc, ranFilters)
			return e.requeueAndAck(ctx, bm, delay, "filter requested requeue")
		}
	}

	// Step 8: execution tracker single-flight.
	if e.Tracker != nil {
		started, err := e.Tracker.TryStart(ctx, msg.Task, msg.ID, "", e.TrackerTimeout)
		if err != nil {
			log.Error().Err(err).Msg("execution tracker error, allowing task through")
		} else if !started {
			log.Debug().Msg("single-flight slot taken, requeuing")
			if e.Filters != nil {
				_ = e.Filters.RunExecuted(ctx, fc, ranFilters)
			}
			return e.requeueAndAck(ctx, bm, e.DefaultRequeueDelay, "single-flight slot busy")
		}
		defer func() { _ = e.Tracker.Stop(context.WithoutCancel(ctx), msg.Task, msg.ID, "") }()
	}

	// Step 9: partition lock.
	if e.Locks != nil && descriptor.PartitionKey != nil {
		if key, ok := descriptor.PartitionKey(msg.Args); ok && key != "" {
			acquired, err := e.Locks.TryAcquire(ctx, key, msg.ID, e.PartitionLockTimeout)
			if err != nil {
				log.Error().Err(err).Msg("partition lock error, allowing task through")
			} else if !acquired {
				log.Debug().Str("partition_key", key).Msg("partition locked, requeuing")
				if e.Filters != nil {
					_ = e.Filters.RunExecuted(ctx, fc, ranFilters)
				}
				return e.requeueAndAck(ctx, bm, e.PartitionLockTimeout, "partition locked")
			} else {
				defer func() { _ = e.Locks.Release(context.WithoutCancel(ctx), key, msg.ID) }()
			}
		}
	}

	// Step 10: dispatch.
	if e.Results != nil && msg.StoreResult {
		_ = e.Results.UpdateState(ctx, msg.ID, core.StateReceived, nil)
	}
	if e.Signals != nil {
		_ = e.Signals.Publish(ctx, signalbus.NewSignal(signalbus.TaskPreRun, msg.ID, msg.Task, nil))
	}
	if e.Results != nil && msg.StoreResult {
		_ = e.Results.UpdateState(ctx, msg.ID, core.StateStarted, nil)
	}

	start := e.now()
	output, dispatchErr := e.invoke(ctx, descriptor, msg)
	duration := e.now().Sub(start)

	// Step 11: classify and persist the outcome.
	result = e.classify(ctx, msg, dispatchErr, output, duration)

	// Step 12: unwind the filter chain with the final outcome known.
	if e.Filters != nil {
		fc.Properties["result_state"] = string(result.State)
		if err := e.Filters.RunExecuted(ctx, fc, ranFilters); err != nil {
			log.Error().Err(err).Msg("filter chain unwind reported errors")
		}
	}

	// Step 13: saga reconciliation is observational only; the
	// orchestrator's own WaitForResult rendezvous on the result backend
	// is what actually advances a saga step.
	if e.Sagas != nil {
		if sagaID, found, err := e.Sagas.GetSagaIDForTask(ctx, msg.ID); err == nil && found {
			log.Debug().Str("saga_id", sagaID).Msg("task result persisted for a saga step")
		}
	}

	// Step 14: mark processed for idempotent redelivery protection.
	if e.Inbox != nil {
		if err := e.Inbox.MarkProcessed(ctx, msg.ID, nil); err != nil {
			log.Error().Err(err).Msg("inbox mark-processed failed")
		}
	}

	// Step 15: signal dispatch.
	e.emitOutcomeSignal(ctx, msg, result)

	// Step 16: single ack.
	e.ack(ctx, bm)

	return result
}
