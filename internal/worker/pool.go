// Package worker implements the C17 worker loop: a pool of goroutines
// that dequeue from the broker and hand each message to the executor,
// plus the orphan-recovery loop and the heartbeat/presence bookkeeping
// the admin API reads.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskqueue-go/core/internal/broker"
	"github.com/taskqueue-go/core/internal/config"
	"github.com/taskqueue-go/core/internal/core"
	"github.com/taskqueue-go/core/internal/executor"
	"github.com/taskqueue-go/core/internal/logger"
)

// Pool drives an Executor over a Broker across Concurrency goroutines.
// Each goroutine polls the configured queues in priority order, blocking
// on the last one so an idle worker doesn't spin the CPU. Pausing a
// worker is driven entirely through the Redis flag the admin API sets
// (see IsWorkerPaused) rather than through a method on Pool, so pause
// state survives a process restart the same way the admin UI expects.
type Pool struct {
	broker      broker.Broker
	exec        *executor.Executor
	heartbeat   *Heartbeat
	redisClient *redis.Client

	id               string
	queues           []string
	concurrency      int
	claimMinIdle     time.Duration
	recoveryInterval time.Duration
	blockTimeout     time.Duration

	activeTasks int32

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPool creates a Pool over exec, dequeuing messages for queues from b.
// queues are polled in the order given; only the last one blocks.
func NewPool(cfg *config.WorkerConfig, queueCfg *config.QueueConfig, b broker.Broker, exec *executor.Executor, redisClient *redis.Client, queues []string) *Pool {
	id := cfg.ID
	if id == "" {
		id = fmt.Sprintf("worker-%d", time.Now().UnixNano())
	}
	exec.WorkerID = id

	return &Pool{
		broker:           b,
		exec:             exec,
		redisClient:      redisClient,
		id:               id,
		queues:           queues,
		concurrency:      cfg.Concurrency,
		claimMinIdle:     queueCfg.ClaimMinIdle,
		recoveryInterval: queueCfg.RecoveryInterval,
		blockTimeout:     queueCfg.BlockTimeout,
		stopCh:           make(chan struct{}),
		heartbeat:        NewHeartbeat(redisClient, id, cfg.HeartbeatInterval, cfg.HeartbeatTimeout),
	}
}

// ID returns the worker's identity, as registered with the heartbeat.
func (p *Pool) ID() string { return p.id }

// Start launches the dequeue goroutines, the orphan-recovery loop, and
// the heartbeat.
func (p *Pool) Start(ctx context.Context) error {
	if p.concurrency <= 0 {
		p.concurrency = 1
	}
	if len(p.queues) == 0 {
		return fmt.Errorf("worker: pool started with no queues to poll")
	}

	p.heartbeat.UpdateConcurrency(p.concurrency)
	p.heartbeat.Start(ctx)

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.workerLoop(ctx, i)
	}

	if p.claimMinIdle > 0 && p.recoveryInterval > 0 {
		p.wg.Add(1)
		go p.recoveryLoop(ctx)
	}

	logger.WithWorker(p.id).Info().
		Int("concurrency", p.concurrency).
		Strs("queues", p.queues).
		Msg("worker pool started")
	return nil
}

func (p *Pool) workerLoop(ctx context.Context, slot int) {
	defer p.wg.Done()
	consumerID := fmt.Sprintf("%s-%d", p.id, slot)
	log := logger.WithWorker(p.id)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		default:
		}

		if paused, err := IsWorkerPaused(ctx, p.redisClient, p.id); err == nil && paused {
			time.Sleep(time.Second)
			continue
		}

		bm := p.dequeueNext(ctx, consumerID)
		if bm == nil {
			continue
		}

		n := atomic.AddInt32(&p.activeTasks, 1)
		p.heartbeat.UpdateActiveTasks(int(n))
		p.heartbeat.UpdateState("busy")

		start := time.Now()
		result := p.exec.Run(ctx, *bm)
		log.Debug().
			Str("task_id", bm.Message.ID).
			Str("state", string(result.State)).
			Dur("duration", time.Since(start)).
			Msg("task processed")

		n = atomic.AddInt32(&p.activeTasks, -1)
		p.heartbeat.UpdateActiveTasks(int(n))
		if n == 0 {
			p.heartbeat.UpdateState("idle")
		}
	}
}

// dequeueNext polls queues in priority order. Only the final queue
// blocks for blockTimeout; earlier ones are checked non-blocking so a
// critical-priority message never waits behind a blocking read on a
// lower-priority queue.
func (p *Pool) dequeueNext(ctx context.Context, consumerID string) *core.BrokerMessage {
	for i, q := range p.queues {
		var (
			bm  *core.BrokerMessage
			err error
		)
		if i == len(p.queues)-1 {
			bm, err = p.broker.DequeueBlocking(ctx, q, consumerID, p.blockTimeout)
		} else {
			bm, err = p.broker.Dequeue(ctx, q, consumerID)
		}
		if err != nil {
			logger.WithWorker(p.id).Error().Err(err).Str("queue", q).Msg("dequeue failed")
			continue
		}
		if bm != nil {
			return bm
		}
	}
	return nil
}

func (p *Pool) recoveryLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.recoveryInterval)
	defer ticker.Stop()
	consumerID := p.id + "-recovery"
	log := logger.WithWorker(p.id)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			for _, q := range p.queues {
				claimed, err := p.broker.ClaimOrphaned(ctx, q, consumerID, p.claimMinIdle)
				if err != nil {
					log.Error().Err(err).Str("queue", q).Msg("orphan claim failed")
					continue
				}
				for _, bm := range claimed {
					log.Warn().Str("task_id", bm.Message.ID).Str("queue", q).Msg("reclaimed orphaned task")
					p.exec.Run(ctx, bm)
				}
			}
		}
	}
}

// Stop signals every worker goroutine to finish its current task and
// exit, waiting up to ctx's deadline for them to drain before giving up.
func (p *Pool) Stop(ctx context.Context) error {
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		logger.WithWorker(p.id).Warn().
			Int32("active_tasks", atomic.LoadInt32(&p.activeTasks)).
			Msg("shutdown deadline reached with tasks still in flight")
	}

	p.heartbeat.Stop()
	return nil
}

// ActiveTasks reports how many tasks this pool is currently executing.
func (p *Pool) ActiveTasks() int {
	return int(atomic.LoadInt32(&p.activeTasks))
}
