// Package delayed implements the C8 delayed-message store and the C16
// dispatcher loop that drains it once messages become due.
package delayed

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/taskqueue-go/core/internal/core"
)

// Store is the C8 contract. AddAsync replaces any existing row for the
// same task ID so rescheduling a task is idempotent.
type Store interface {
	AddAsync(ctx context.Context, msg core.TaskMessage, deliveryTime time.Time) error
	// GetDueMessages atomically removes and returns every message whose
	// delivery time is at or before now, so two concurrent dispatchers
	// never both deliver the same message.
	GetDueMessages(ctx context.Context, now time.Time) ([]core.DelayedMessage, error)
	GetNextDeliveryTime(ctx context.Context) (time.Time, bool, error)
	Remove(ctx context.Context, taskID string) error
	GetPendingCount(ctx context.Context) (int64, error)
}

// Dispatcher drains a Store at an adaptive cadence and hands due
// messages to Publish.
type Dispatcher struct {
	store        Store
	publish      func(ctx context.Context, msg core.TaskMessage) error
	MinInterval  time.Duration
	MaxInterval  time.Duration
	onError      func(error)
}

// NewDispatcher creates a Dispatcher over store. A failed publish of a due
// message is retried up to three more times with exponential backoff; if
// it still fails, the error is reported to onError (if set) and the
// message is added back to the store for delivery MaxInterval later. The
// retry delays are not separately configurable, and a failure never stops
// the loop.
func NewDispatcher(store Store, publish func(ctx context.Context, msg core.TaskMessage) error) *Dispatcher {
	return &Dispatcher{
		store:       store,
		publish:     publish,
		MinInterval: 50 * time.Millisecond,
		MaxInterval: 5 * time.Second,
	}
}

// OnError installs a callback invoked when GetDueMessages or a publish
// fails. Optional.
func (d *Dispatcher) OnError(fn func(error)) { d.onError = fn }

func (d *Dispatcher) reportError(err error) {
	if d.onError != nil && err != nil {
		d.onError(err)
	}
}

// Run drives the adaptive sleep loop until ctx is cancelled: after every
// sweep it sleeps until the next known delivery time (clamped to
// [MinInterval, MaxInterval]) instead of polling at a fixed rate.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		due, err := d.store.GetDueMessages(ctx, time.Now())
		if err != nil {
			d.reportError(err)
		}
		for _, dm := range due {
			msg := dm.Message
			bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
			if err := backoff.Retry(func() error { return d.publish(ctx, msg) }, bo); err != nil {
				d.reportError(err)
				if err := d.store.AddAsync(context.WithoutCancel(ctx), msg, time.Now().Add(d.MaxInterval)); err != nil {
					d.reportError(err)
				}
			}
		}

		wait := d.nextWait(ctx)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (d *Dispatcher) nextWait(ctx context.Context) time.Duration {
	next, ok, err := d.store.GetNextDeliveryTime(ctx)
	if err != nil || !ok {
		return d.MaxInterval
	}
	wait := time.Until(next)
	if wait < d.MinInterval {
		wait = d.MinInterval
	}
	if wait > d.MaxInterval {
		wait = d.MaxInterval
	}
	return wait
}
