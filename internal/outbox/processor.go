package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/taskqueue-go/core/internal/core"
)

// Run drains the store at PollInterval until ctx is cancelled. Each poll
// fetches up to BatchSize pending rows and dispatches them concurrently,
// bounded by a semaphore the same way the worker pool bounds task
// concurrency.
func (p *Processor) Run(ctx context.Context, concurrency int) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)

	ticker := time.NewTicker(p.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.poll(ctx, sem)
		}
	}
}

func (p *Processor) poll(ctx context.Context, sem chan struct{}) {
	pending, err := p.store.GetPending(ctx, p.BatchSize)
	if err != nil {
		p.reportError(err)
		return
	}

	var wg sync.WaitGroup
	for _, row := range pending {
		row := row
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			p.dispatch(ctx, row)
		}()
	}
	wg.Wait()
}

func (p *Processor) dispatch(ctx context.Context, row core.OutboxMessage) {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	err := backoff.Retry(func() error {
		return p.publish(ctx, row.Message)
	}, bo)

	if err != nil {
		if markErr := p.store.MarkFailed(ctx, row.ID, err); markErr != nil {
			p.reportError(markErr)
		}
		p.reportError(err)
		return
	}
	if err := p.store.MarkDispatched(ctx, row.ID); err != nil {
		p.reportError(err)
	}
}

// CleanupLoop periodically purges dispatched rows older than CleanupAge
// until ctx is cancelled.
func (p *Processor) CleanupLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.store.CleanupOlderThan(ctx, p.CleanupAge); err != nil {
				p.reportError(err)
			}
		}
	}
}
