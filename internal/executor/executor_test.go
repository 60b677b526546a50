package executor_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/taskqueue-go/core/internal/broker"
	"github.com/taskqueue-go/core/internal/core"
	"github.com/taskqueue-go/core/internal/deadletter"
	"github.com/taskqueue-go/core/internal/delayed"
	"github.com/taskqueue-go/core/internal/executor"
	"github.com/taskqueue-go/core/internal/exectracker"
	"github.com/taskqueue-go/core/internal/outbox"
	"github.com/taskqueue-go/core/internal/partitionlock"
	"github.com/taskqueue-go/core/internal/ratelimit"
	"github.com/taskqueue-go/core/internal/registry"
	"github.com/taskqueue-go/core/internal/resultbackend"
	"github.com/taskqueue-go/core/internal/revocation"
	"github.com/taskqueue-go/core/internal/serializer"
	"github.com/taskqueue-go/core/internal/signalbus"
)

type harness struct {
	exec     *executor.Executor
	reg      *registry.Registry
	results  resultbackend.Backend
	br       *broker.Memory
	dead     deadletter.Store
	delayedQ delayed.Store
	inbox    outbox.Inbox
	tracker  exectracker.Tracker
	locks    partitionlock.Store
	revoke   *revocation.Manager
	limiter  ratelimit.Limiter
	signals  *signalbus.MemoryBus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ser := serializer.NewRegistry()
	reg := registry.New(ser)
	br := broker.NewMemory()
	results := resultbackend.NewMemory()
	dead := deadletter.NewMemory(nil)
	delayedQ := delayed.NewMemory()
	inbox := outbox.NewMemoryInbox(nil)
	tracker := exectracker.NewMemory()
	locks := partitionlock.NewMemory()
	revStore := revocation.NewMemoryStore()
	revMgr := revocation.NewManager(revStore)
	limiter := ratelimit.NewMemory()
	signals := signalbus.NewMemoryBus()

	exec := executor.New("worker-1", reg, results, br)
	exec.DeadLetters = dead
	exec.Delayed = delayedQ
	exec.Inbox = inbox
	exec.Tracker = tracker
	exec.Locks = locks
	exec.Revocation = revMgr
	exec.RateLimiter = limiter
	exec.Signals = signals
	exec.DefaultRequeueDelay = 10 * time.Millisecond

	return &harness{
		exec: exec, reg: reg, results: results, br: br, dead: dead,
		delayedQ: delayedQ, inbox: inbox, tracker: tracker, locks: locks,
		revoke: revMgr, limiter: limiter, signals: signals,
	}
}

func newMessage(id, task string) core.TaskMessage {
	return core.TaskMessage{
		ID: id, Task: task, Queue: "default", MaxRetries: 3,
		StoreResult: true, Timestamp: time.Now(),
	}
}

func TestExecutor_UnknownTaskGoesToDeadLetter(t *testing.T) {
	h := newHarness(t)
	msg := newMessage("t1", "ghost")
	bm := core.BrokerMessage{Message: msg, DeliveryTag: "t1"}

	result := h.exec.Run(context.Background(), bm)

	if result.State != core.StateRejected {
		t.Fatalf("state = %s, want Rejected", result.State)
	}
	entries, err := h.dead.GetAll(context.Background(), 10, 0)
	if err != nil || len(entries) != 1 {
		t.Fatalf("dead letters = %v, err=%v, want 1 entry", entries, err)
	}
	if entries[0].Reason != core.ReasonUnknownTask {
		t.Fatalf("reason = %s, want UnknownTask", entries[0].Reason)
	}
}

func TestExecutor_ExpiredMessageGoesToDeadLetter(t *testing.T) {
	h := newHarness(t)
	registry.Register(h.reg, "noop", func(ctx context.Context, in struct{}) (struct{}, error) {
		return struct{}{}, nil
	})
	msg := newMessage("t2", "noop")
	past := time.Now().Add(-time.Hour)
	msg.Expires = &past
	bm := core.BrokerMessage{Message: msg, DeliveryTag: "t2"}

	result := h.exec.Run(context.Background(), bm)

	if result.State != core.StateRejected {
		t.Fatalf("state = %s, want Rejected", result.State)
	}
	entries, _ := h.dead.GetAll(context.Background(), 10, 0)
	if len(entries) != 1 || entries[0].Reason != core.ReasonExpired {
		t.Fatalf("dead letters = %v, want one Expired entry", entries)
	}
}

func TestExecutor_IdempotentReplayReturnsStoredResult(t *testing.T) {
	h := newHarness(t)
	registry.Register(h.reg, "noop", func(ctx context.Context, in struct{}) (struct{}, error) {
		return struct{}{}, nil
	})
	msg := newMessage("t3", "noop")

	stored := core.TaskResult{TaskID: msg.ID, State: core.StateSuccess, CompletedAt: time.Now()}
	if err := h.results.StoreResult(context.Background(), stored, nil); err != nil {
		t.Fatalf("seed result: %v", err)
	}
	if err := h.inbox.MarkProcessed(context.Background(), msg.ID, nil); err != nil {
		t.Fatalf("seed inbox: %v", err)
	}

	bm := core.BrokerMessage{Message: msg, DeliveryTag: "t3"}
	result := h.exec.Run(context.Background(), bm)

	if result.State != core.StateSuccess {
		t.Fatalf("state = %s, want Success (replayed)", result.State)
	}
}

func TestExecutor_RevokedTaskReturnsRevoked(t *testing.T) {
	h := newHarness(t)
	registry.Register(h.reg, "noop", func(ctx context.Context, in struct{}) (struct{}, error) {
		return struct{}{}, nil
	})
	msg := newMessage("t4", "noop")
	if err := h.revoke.Revoke(context.Background(), []string{msg.ID}, core.RevocationOptions{Terminate: true, Signal: core.SignalImmediate}); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	bm := core.BrokerMessage{Message: msg, DeliveryTag: "t4"}
	result := h.exec.Run(context.Background(), bm)

	if result.State != core.StateRevoked {
		t.Fatalf("state = %s, want Revoked", result.State)
	}
}

func TestExecutor_RateLimitedTaskRequeuesWithoutCountingRetry(t *testing.T) {
	h := newHarness(t)
	registry.Register(h.reg, "limited", func(ctx context.Context, in struct{}) (struct{}, error) {
		return struct{}{}, nil
	})
	h.reg.WithRateLimit("limited", registry.RateLimitPolicy{Limit: 0, Window: 60})

	msg := newMessage("t5", "limited")
	bm := core.BrokerMessage{Message: msg, DeliveryTag: "t5"}
	result := h.exec.Run(context.Background(), bm)

	if result.State != core.StateRetry {
		t.Fatalf("state = %s, want Retry", result.State)
	}
	if !result.DoNotIncrementRetries {
		t.Fatal("rate-limit retry must not count against MaxRetries")
	}
}

func TestExecutor_SuccessfulDispatchPersistsAndAcks(t *testing.T) {
	h := newHarness(t)
	var invoked bool
	registry.Register(h.reg, "echo", func(ctx context.Context, in struct{}) (struct{}, error) {
		invoked = true
		return struct{}{}, nil
	})
	msg := newMessage("t6", "echo")
	bm := core.BrokerMessage{Message: msg, DeliveryTag: "t6"}

	result := h.exec.Run(context.Background(), bm)

	if !invoked {
		t.Fatal("handler was never invoked")
	}
	if result.State != core.StateSuccess {
		t.Fatalf("state = %s, want Success", result.State)
	}
	stored, err := h.results.GetResult(context.Background(), msg.ID)
	if err != nil || stored == nil || stored.State != core.StateSuccess {
		t.Fatalf("stored result = %v, err=%v, want persisted Success", stored, err)
	}
}

func TestExecutor_RetryRequestedReschedulesViaDelayedStore(t *testing.T) {
	h := newHarness(t)
	registry.Register(h.reg, "flaky", func(ctx context.Context, in struct{}) (struct{}, error) {
		return struct{}{}, core.RetryRequested(time.Minute)
	})
	msg := newMessage("t7", "flaky")
	msg.MaxRetries = 5
	bm := core.BrokerMessage{Message: msg, DeliveryTag: "t7"}

	result := h.exec.Run(context.Background(), bm)

	if result.State != core.StateRetry {
		t.Fatalf("state = %s, want Retry", result.State)
	}
	if result.Retries != 1 {
		t.Fatalf("retries = %d, want 1", result.Retries)
	}
	count, err := h.delayedQ.GetPendingCount(context.Background())
	if err != nil || count != 1 {
		t.Fatalf("pending delayed count = %d, err=%v, want 1", count, err)
	}
}

func TestExecutor_RetryRequestedAtMaxRetriesGoesToDeadLetter(t *testing.T) {
	h := newHarness(t)
	registry.Register(h.reg, "alwaysRetry", func(ctx context.Context, in struct{}) (struct{}, error) {
		return struct{}{}, core.RetryRequested(time.Second)
	})
	msg := newMessage("t8", "alwaysRetry")
	msg.MaxRetries = 1
	msg.Retries = 0
	bm := core.BrokerMessage{Message: msg, DeliveryTag: "t8"}

	result := h.exec.Run(context.Background(), bm)

	if result.State != core.StateFailure {
		t.Fatalf("state = %s, want Failure once MaxRetries is exhausted", result.State)
	}
	entries, _ := h.dead.GetAll(context.Background(), 10, 0)
	if len(entries) != 1 || entries[0].Reason != core.ReasonMaxRetriesExceeded {
		t.Fatalf("dead letters = %v, want one MaxRetriesExceeded entry", entries)
	}
}

func TestExecutor_TimeLimitExceededGoesToDeadLetter(t *testing.T) {
	h := newHarness(t)
	registry.Register(h.reg, "slow", func(ctx context.Context, in struct{}) (struct{}, error) {
		return struct{}{}, core.ErrTimeLimitExceeded
	})
	msg := newMessage("t9", "slow")
	bm := core.BrokerMessage{Message: msg, DeliveryTag: "t9"}

	result := h.exec.Run(context.Background(), bm)

	if result.State != core.StateFailure {
		t.Fatalf("state = %s, want Failure", result.State)
	}
	entries, _ := h.dead.GetAll(context.Background(), 10, 0)
	if len(entries) != 1 || entries[0].Reason != core.ReasonTimeLimitExceeded {
		t.Fatalf("dead letters = %v, want one TimeLimitExceeded entry", entries)
	}
}

func TestExecutor_TaskRejectedGoesToDeadLetterAsRejected(t *testing.T) {
	h := newHarness(t)
	registry.Register(h.reg, "refuse", func(ctx context.Context, in struct{}) (struct{}, error) {
		return struct{}{}, core.ErrTaskRejected
	})
	msg := newMessage("t10", "refuse")
	bm := core.BrokerMessage{Message: msg, DeliveryTag: "t10"}

	result := h.exec.Run(context.Background(), bm)

	if result.State != core.StateRejected {
		t.Fatalf("state = %s, want Rejected", result.State)
	}
	entries, _ := h.dead.GetAll(context.Background(), 10, 0)
	if len(entries) != 1 || entries[0].Reason != core.ReasonRejected {
		t.Fatalf("dead letters = %v, want one Rejected entry", entries)
	}
}

func TestExecutor_CanceledContextDuringDispatchIsRevoked(t *testing.T) {
	h := newHarness(t)
	registry.Register(h.reg, "cancels", func(ctx context.Context, in struct{}) (struct{}, error) {
		return struct{}{}, context.Canceled
	})
	msg := newMessage("t11", "cancels")
	bm := core.BrokerMessage{Message: msg, DeliveryTag: "t11"}

	result := h.exec.Run(context.Background(), bm)

	if result.State != core.StateRevoked {
		t.Fatalf("state = %s, want Revoked", result.State)
	}
}

func TestExecutor_GenericHandlerErrorGoesToDeadLetterAsFailed(t *testing.T) {
	h := newHarness(t)
	boom := errors.New("boom")
	registry.Register(h.reg, "broken", func(ctx context.Context, in struct{}) (struct{}, error) {
		return struct{}{}, boom
	})
	msg := newMessage("t12", "broken")
	bm := core.BrokerMessage{Message: msg, DeliveryTag: "t12"}

	result := h.exec.Run(context.Background(), bm)

	if result.State != core.StateFailure {
		t.Fatalf("state = %s, want Failure", result.State)
	}
	entries, _ := h.dead.GetAll(context.Background(), 10, 0)
	if len(entries) != 1 || entries[0].Reason != core.ReasonFailed {
		t.Fatalf("dead letters = %v, want one Failed entry", entries)
	}
}

func TestExecutor_PanicInHandlerIsRecoveredAsFailure(t *testing.T) {
	h := newHarness(t)
	registry.Register(h.reg, "panics", func(ctx context.Context, in struct{}) (struct{}, error) {
		panic("kaboom")
	})
	msg := newMessage("t13", "panics")
	bm := core.BrokerMessage{Message: msg, DeliveryTag: "t13"}

	result := h.exec.Run(context.Background(), bm)

	if result.State != core.StateFailure {
		t.Fatalf("state = %s, want Failure (recovered panic)", result.State)
	}
	if result.Exception == nil {
		t.Fatal("expected an exception record for the recovered panic")
	}
}

func TestExecutor_PartitionLockedTaskRequeues(t *testing.T) {
	h := newHarness(t)
	registry.Register(h.reg, "partitioned", func(ctx context.Context, in struct{}) (struct{}, error) {
		return struct{}{}, nil
	})
	h.reg.WithPartitionKey("partitioned", func(args []byte) (string, bool) {
		return "shard-1", true
	})

	ctx := context.Background()
	if ok, err := h.locks.TryAcquire(ctx, "shard-1", "someone-else", time.Minute); err != nil || !ok {
		t.Fatalf("seed lock: ok=%v err=%v", ok, err)
	}

	msg := newMessage("t14", "partitioned")
	bm := core.BrokerMessage{Message: msg, DeliveryTag: "t14"}
	result := h.exec.Run(ctx, bm)

	if result.State != core.StateRequeued {
		t.Fatalf("state = %s, want Requeued", result.State)
	}
}

func TestExecutor_SingleFlightBusyRequeues(t *testing.T) {
	h := newHarness(t)
	registry.Register(h.reg, "singleflight", func(ctx context.Context, in struct{}) (struct{}, error) {
		return struct{}{}, nil
	})

	ctx := context.Background()
	if started, err := h.tracker.TryStart(ctx, "singleflight", "someone-else", "", time.Minute); err != nil || !started {
		t.Fatalf("seed tracker: started=%v err=%v", started, err)
	}

	msg := newMessage("t15", "singleflight")
	bm := core.BrokerMessage{Message: msg, DeliveryTag: "t15"}
	result := h.exec.Run(ctx, bm)

	if result.State != core.StateRequeued {
		t.Fatalf("state = %s, want Requeued", result.State)
	}
}
