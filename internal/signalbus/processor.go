package signalbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/taskqueue-go/core/internal/logger"
)

// MaxSignalAttempts bounds how many times a persisted signal is retried
// before the processor gives up and drops it (acking it away) rather than
// requeuing forever.
const MaxSignalAttempts = 5

// Processor drains a Queue in bounded-concurrency batches, resolving and
// invoking handlers from a Registry for each signal. A handler's error or
// panic is isolated: it never stops sibling handlers for the same signal
// from running, and never reaches the originating task's outcome — the
// task pipeline that raised the signal has already moved on.
type Processor struct {
	queue      Queue
	registry   *Registry
	BatchSize  int
	Concurrency int
	PollInterval time.Duration
	OnError    func(err error)
}

// NewProcessor creates a Processor over a Queue and Registry with
// reasonable batch defaults.
func NewProcessor(queue Queue, registry *Registry) *Processor {
	return &Processor{
		queue:        queue,
		registry:     registry,
		BatchSize:    20,
		Concurrency:  8,
		PollInterval: 200 * time.Millisecond,
	}
}

func (p *Processor) reportError(err error) {
	if p.OnError != nil {
		p.OnError(err)
	}
}

// Run polls the queue until ctx is cancelled, dispatching each batch item
// to a bounded worker pool.
func (p *Processor) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.poll(ctx); err != nil {
				p.reportError(err)
			}
		}
	}
}

func (p *Processor) poll(ctx context.Context) error {
	batch, err := p.queue.Dequeue(ctx, p.BatchSize)
	if err != nil {
		return fmt.Errorf("signalbus: dequeue: %w", err)
	}
	if len(batch) == 0 {
		return nil
	}

	sem := make(chan struct{}, p.Concurrency)
	var wg sync.WaitGroup
	for _, item := range batch {
		item := item
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			p.process(ctx, item)
		}()
	}
	wg.Wait()
	return nil
}

func (p *Processor) process(ctx context.Context, item QueuedSignal) {
	handlers := p.registry.Resolve(item.Signal.Type)

	anyFailed := false
	for _, h := range handlers {
		if err := p.invoke(ctx, h, item.Signal); err != nil {
			anyFailed = true
			logger.WithComponent("signalbus").Error().
				Str("signal_type", string(item.Signal.Type)).
				Str("signal_id", item.ID).
				Err(err).
				Msg("signal handler failed")
		}
	}

	if !anyFailed {
		if err := p.queue.Ack(ctx, item.ID); err != nil {
			p.reportError(fmt.Errorf("signalbus: ack %s: %w", item.ID, err))
		}
		return
	}

	if item.Attempts+1 >= MaxSignalAttempts {
		logger.WithComponent("signalbus").Warn().
			Str("signal_id", item.ID).
			Int("attempts", item.Attempts+1).
			Msg("signal exceeded max attempts, dropping")
		_ = p.queue.Ack(ctx, item.ID)
		return
	}
	if err := p.queue.Nack(ctx, item.ID); err != nil {
		p.reportError(fmt.Errorf("signalbus: nack %s: %w", item.ID, err))
	}
}

// invoke calls a handler with panic isolation: a panicking handler is
// converted into an error rather than crashing the batch worker.
func (p *Processor) invoke(ctx context.Context, h HandlerFunc, s Signal) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("signalbus: handler panicked: %v", r)
		}
	}()
	return h(ctx, s)
}
