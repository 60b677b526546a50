// Package outbox implements the C9 transactional outbox and inbox: a
// durable publish-intent log so a producer's business effect and its
// message publish commit together, plus a consume-once ledger for
// idempotent message processing.
package outbox

import (
	"context"
	"time"

	"github.com/taskqueue-go/core/internal/core"
)

// Store is the outbox half of C9. Store assigns a server-side monotonic
// sequence number so GetPending can return rows in publish order even
// when the underlying engine has no native ordering guarantee across
// concurrent writers.
type Store interface {
	Store(ctx context.Context, msg core.OutboxMessage) (core.OutboxMessage, error)
	GetPending(ctx context.Context, limit int) ([]core.OutboxMessage, error)
	MarkDispatched(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, cause error) error
	CleanupOlderThan(ctx context.Context, age time.Duration) (int64, error)
}

// Inbox is the consume-once half of C9. Tx is an opaque handle an
// implementation may use to make MarkProcessed atomic with the
// consumer's own business effect; implementations that have no such
// notion may ignore it.
type Inbox interface {
	IsProcessed(ctx context.Context, messageID string) (bool, error)
	MarkProcessed(ctx context.Context, messageID string, tx any) error
}

// Processor drains a Store and hands each pending row to publish,
// advancing its status based on the outcome.
type Processor struct {
	store        Store
	publish      func(ctx context.Context, msg core.TaskMessage) error
	clock        func() time.Time
	PollInterval time.Duration
	BatchSize    int
	CleanupAge   time.Duration
	onError      func(error)
}

// NewProcessor creates a Processor over store; pass time.Now as clock in
// production. The Processor stores clock but does not read it:
// CleanupOlderThan's cutoff comes from the Store itself (Memory uses its
// own injectable clock, Redis and Postgres use time.Now).
func NewProcessor(store Store, publish func(ctx context.Context, msg core.TaskMessage) error, clock func() time.Time) *Processor {
	return &Processor{
		store:        store,
		publish:      publish,
		clock:        clock,
		PollInterval: time.Second,
		BatchSize:    100,
		CleanupAge:   24 * time.Hour,
	}
}

// OnError installs a callback invoked when a dispatch attempt fails
// after retries are exhausted for that attempt.
func (p *Processor) OnError(fn func(error)) { p.onError = fn }

func (p *Processor) reportError(err error) {
	if p.onError != nil && err != nil {
		p.onError(err)
	}
}
