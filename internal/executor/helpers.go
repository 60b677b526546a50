package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/taskqueue-go/core/internal/core"
	"github.com/taskqueue-go/core/internal/logger"
	"github.com/taskqueue-go/core/internal/registry"
	"github.com/taskqueue-go/core/internal/signalbus"
)

// invoke calls the descriptor's erased handler, converting a panic into
// an error instead of letting it cross the worker loop. If a breaker
// registry is wired, the call runs through that task's breaker so a
// failing handler stops being dispatched to once it trips.
func (e *Executor) invoke(ctx context.Context, d registry.Descriptor, msg core.TaskMessage) (output []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			e.log().Error().
				Str("task_id", msg.ID).
				Interface("panic", r).
				Str("stack", string(stack)).
				Msg("task handler panicked")
			err = fmt.Errorf("executor: handler panicked: %v", r)
		}
	}()

	if e.Breaker == nil {
		return d.Handler(ctx, msg.Args)
	}

	b := e.Breaker.Get(msg.Task)
	output, err = b.Execute(ctx, func() ([]byte, error) {
		return d.Handler(ctx, msg.Args)
	})
	if errors.Is(err, core.ErrCircuitOpen) {
		logger.WithBreaker(msg.Task).Warn().Str("task_id", msg.ID).Msg("circuit open, rejecting dispatch")
	}
	return output, err
}

// classify turns a handler's outcome into a TaskResult, persisting it and
// routing to the dead-letter store where the outcome calls for it.
func (e *Executor) classify(ctx context.Context, msg core.TaskMessage, dispatchErr error, output []byte, duration time.Duration) core.TaskResult {
	now := e.now()

	if dispatchErr == nil {
		result := core.TaskResult{
			TaskID: msg.ID, State: core.StateSuccess, Result: output,
			ContentType: msg.ContentType, CompletedAt: now,
			DurationMS: duration.Milliseconds(), Retries: msg.Retries, Worker: e.WorkerID,
		}
		e.persist(ctx, msg, result)
		return result
	}

	var retryReq *core.RetryRequestedError
	switch {
	case errors.As(dispatchErr, &retryReq):
		return e.handleRetry(ctx, msg, retryReq, duration)

	case errors.Is(dispatchErr, core.ErrTimeLimitExceeded), errors.Is(dispatchErr, context.DeadlineExceeded):
		e.deadLetter(ctx, msg, core.ReasonTimeLimitExceeded, dispatchErr)
		result := e.failureResult(msg, dispatchErr, now, duration)
		e.persist(ctx, msg, result)
		return result

	case errors.Is(dispatchErr, core.ErrTaskRejected):
		e.deadLetter(ctx, msg, core.ReasonRejected, dispatchErr)
		result := core.TaskResult{
			TaskID: msg.ID, State: core.StateRejected, Exception: buildException(dispatchErr),
			CompletedAt: now, DurationMS: duration.Milliseconds(), Retries: msg.Retries, Worker: e.WorkerID,
		}
		e.persist(ctx, msg, result)
		return result

	case errors.Is(dispatchErr, context.Canceled):
		result := core.TaskResult{
			TaskID: msg.ID, State: core.StateRevoked,
			CompletedAt: now, DurationMS: duration.Milliseconds(), Retries: msg.Retries, Worker: e.WorkerID,
		}
		e.persist(ctx, msg, result)
		return result

	default:
		e.deadLetter(ctx, msg, core.ReasonFailed, dispatchErr)
		result := e.failureResult(msg, dispatchErr, now, duration)
		e.persist(ctx, msg, result)
		return result
	}
}

// handleRetry schedules a retry-requested task for redelivery after its
// requested delay, routing to the dead-letter store once the task's
// MaxRetries budget is exhausted.
func (e *Executor) handleRetry(ctx context.Context, msg core.TaskMessage, retryReq *core.RetryRequestedError, duration time.Duration) core.TaskResult {
	now := e.now()

	retries := msg.Retries
	if !retryReq.DoNotIncrementRetries {
		retries++
	}

	if msg.MaxRetries > 0 && retries >= msg.MaxRetries {
		e.deadLetter(ctx, msg, core.ReasonMaxRetriesExceeded, retryReq)
		result := core.TaskResult{
			TaskID: msg.ID, State: core.StateFailure, Exception: buildException(retryReq),
			CompletedAt: now, DurationMS: duration.Milliseconds(), Retries: retries, Worker: e.WorkerID,
		}
		e.persist(ctx, msg, result)
		return result
	}

	next := msg
	next.Retries = retries
	delay := retryReq.Delay
	e.requeue(ctx, next, delay)

	result := core.TaskResult{
		TaskID: msg.ID, State: core.StateRetry, CompletedAt: now, DurationMS: duration.Milliseconds(),
		Retries: retries, Worker: e.WorkerID, DoNotIncrementRetries: retryReq.DoNotIncrementRetries,
		RequeueDelay: &delay,
	}
	e.persist(ctx, msg, result)
	return result
}

func (e *Executor) failureResult(msg core.TaskMessage, cause error, now time.Time, duration time.Duration) core.TaskResult {
	return core.TaskResult{
		TaskID: msg.ID, State: core.StateFailure, Exception: buildException(cause),
		CompletedAt: now, DurationMS: duration.Milliseconds(), Retries: msg.Retries, Worker: e.WorkerID,
	}
}

// failureNoAck builds the TaskResult for an infrastructure-level failure
// (the filter chain itself erroring) without persisting or dead-lettering
// it: the message is deliberately left unacked so orphan reclaim hands it
// to another worker instead of this being treated as the task's own
// terminal outcome.
func (e *Executor) failureNoAck(_ context.Context, msg core.TaskMessage, cause error) core.TaskResult {
	return e.failureResult(msg, cause, e.now(), 0)
}

// requeueRateLimited persists a non-retry-counting Retry result, requeues
// the message after retryAfter, and acks the current delivery.
func (e *Executor) requeueRateLimited(ctx context.Context, bm core.BrokerMessage, retryAfter time.Duration) core.TaskResult {
	msg := bm.Message
	result := core.TaskResult{
		TaskID: msg.ID, State: core.StateRetry, CompletedAt: e.now(), Retries: msg.Retries,
		Worker: e.WorkerID, DoNotIncrementRetries: true, RequeueDelay: &retryAfter,
	}
	e.persist(ctx, msg, result)
	e.requeue(ctx, msg, retryAfter)
	e.emitOutcomeSignal(ctx, msg, result)
	e.ack(ctx, bm)
	return result
}

// requeueAndAck handles every other admission-control requeue (single-
// flight slot busy, partition locked, a filter requesting requeue): the
// message is rescheduled after delay and the current delivery is acked
// since the requeue itself is the durable record of future work.
func (e *Executor) requeueAndAck(ctx context.Context, bm core.BrokerMessage, delay time.Duration, reason string) core.TaskResult {
	msg := bm.Message
	e.log().Debug().Str("task_id", msg.ID).Str("reason", reason).Dur("delay", delay).Msg("requeuing task")
	result := core.TaskResult{
		TaskID: msg.ID, State: core.StateRequeued, CompletedAt: e.now(), Retries: msg.Retries,
		Worker: e.WorkerID, RequeueDelay: &delay,
	}
	e.persist(ctx, msg, result)
	e.requeue(ctx, msg, delay)
	e.ack(ctx, bm)
	return result
}

// requeue schedules msg for redelivery after delay, preferring the
// delayed-message store (so the delay is actually honored) and falling
// back to an immediate broker publish when no delayed store is wired or
// scheduling it fails.
func (e *Executor) requeue(ctx context.Context, msg core.TaskMessage, delay time.Duration) {
	detached := context.WithoutCancel(ctx)
	if e.Delayed != nil && delay > 0 {
		if err := e.Delayed.AddAsync(detached, msg, e.now().Add(delay)); err == nil {
			return
		}
		e.log().Error().Str("task_id", msg.ID).Msg("delayed store requeue failed, publishing directly")
	}
	if e.Broker != nil {
		if err := e.Broker.Publish(detached, msg); err != nil {
			e.log().Error().Err(err).Str("task_id", msg.ID).Msg("broker publish for requeue failed")
		}
	}
}

// deadLetter archives msg in the dead-letter store. Failures to archive
// are logged, not propagated: the executor's own outcome never depends
// on dead-letter bookkeeping succeeding.
func (e *Executor) deadLetter(ctx context.Context, msg core.TaskMessage, reason core.DeadLetterReason, cause error) {
	if e.DeadLetters == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		e.log().Error().Err(err).Str("task_id", msg.ID).Msg("failed to marshal message for dead-letter store")
		return
	}

	now := e.now()
	entry := core.DeadLetterMessage{
		ID:              core.NewTaskID(),
		TaskID:          msg.ID,
		TaskName:        msg.Task,
		Queue:           msg.Queue,
		Reason:          reason,
		OriginalMessage: data,
		RetryCount:      msg.Retries,
		Timestamp:       now,
		ExpiresAt:       now.Add(e.DeadLetterRetention),
		Worker:          e.WorkerID,
	}
	if cause != nil {
		entry.Exception = buildException(cause)
	}
	if err := e.DeadLetters.Store(ctx, entry); err != nil {
		e.log().Error().Err(err).Str("task_id", msg.ID).Msg("failed to store dead-letter entry")
	}
}

// terminal builds and persists a TaskResult for an outcome reached before
// dispatch (unknown task, expired message, revoked task).
func (e *Executor) terminal(ctx context.Context, msg core.TaskMessage, state core.TaskState, cause error) core.TaskResult {
	result := core.TaskResult{
		TaskID: msg.ID, State: state, CompletedAt: e.now(), Retries: msg.Retries, Worker: e.WorkerID,
	}
	if cause != nil {
		result.Exception = buildException(cause)
	}
	e.persist(ctx, msg, result)
	e.emitOutcomeSignal(ctx, msg, result)
	return result
}

// persist upserts result through the result backend when the message
// opted in to result storage.
func (e *Executor) persist(ctx context.Context, msg core.TaskMessage, result core.TaskResult) {
	if e.Results == nil || !msg.StoreResult {
		return
	}
	if err := e.Results.StoreResult(ctx, result, nil); err != nil {
		e.log().Error().Err(err).Str("task_id", msg.ID).Msg("failed to persist task result")
	}
}

// ack acks a delivered message on a context detached from any
// revocation-linked cancellation, so a revoked task's ack still goes
// through.
func (e *Executor) ack(ctx context.Context, bm core.BrokerMessage) {
	if e.Broker == nil {
		return
	}
	if err := e.Broker.Ack(context.WithoutCancel(ctx), bm); err != nil {
		e.log().Error().Err(err).Str("task_id", bm.Message.ID).Msg("broker ack failed")
	}
}

// emitOutcomeSignal posts TaskPostRun plus the outcome-specific signal
// for result.State. Signal delivery failures are not this task's
// concern: Publish already isolates its own transport errors from the
// caller's control flow by returning them rather than blocking.
func (e *Executor) emitOutcomeSignal(ctx context.Context, msg core.TaskMessage, result core.TaskResult) {
	if e.Signals == nil {
		return
	}
	_ = e.Signals.Publish(ctx, signalbus.NewSignal(signalbus.TaskPostRun, msg.ID, msg.Task, map[string]any{
		"state": string(result.State),
	}))

	var outcome signalbus.SignalType
	switch result.State {
	case core.StateSuccess:
		outcome = signalbus.TaskSuccess
	case core.StateFailure:
		outcome = signalbus.TaskFailure
	case core.StateRetry, core.StateRequeued:
		outcome = signalbus.TaskRetry
	case core.StateRevoked:
		outcome = signalbus.TaskRevoked
	case core.StateRejected:
		outcome = signalbus.TaskRejected
	default:
		return
	}
	_ = e.Signals.Publish(ctx, signalbus.NewSignal(outcome, msg.ID, msg.Task, nil))
}

func buildException(err error) *core.ExceptionInfo {
	if err == nil {
		return nil
	}
	return &core.ExceptionInfo{Type: fmt.Sprintf("%T", err), Message: err.Error()}
}
