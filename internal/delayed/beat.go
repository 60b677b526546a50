package delayed

import (
	"context"

	"github.com/robfig/cron/v3"

	"github.com/taskqueue-go/core/internal/core"
)

// Beat runs recurring task submissions on cron schedules, handing each
// fire to the same publish function the Dispatcher uses for one-shot
// delayed messages.
type Beat struct {
	cron    *cron.Cron
	publish func(ctx context.Context, msg core.TaskMessage) error
	onError func(error)
}

// NewBeat creates a Beat bound to publish. Schedules use standard
// five-field cron expressions.
func NewBeat(publish func(ctx context.Context, msg core.TaskMessage) error) *Beat {
	return &Beat{cron: cron.New(), publish: publish}
}

// OnError installs a callback invoked when a scheduled publish fails.
func (b *Beat) OnError(fn func(error)) { b.onError = fn }

// AddSchedule registers a recurring submission of sig under the given
// cron expression. sig is converted to a fresh TaskMessage (with a new
// task ID) on every fire.
func (b *Beat) AddSchedule(expr string, sig core.Signature) (cron.EntryID, error) {
	return b.cron.AddFunc(expr, func() {
		msg := sig.ToMessage()
		if err := b.publish(context.Background(), msg); err != nil && b.onError != nil {
			b.onError(err)
		}
	})
}

// Remove cancels a previously registered schedule.
func (b *Beat) Remove(id cron.EntryID) { b.cron.Remove(id) }

// Start begins firing registered schedules in a background goroutine.
func (b *Beat) Start() { b.cron.Start() }

// Stop halts the scheduler and waits for any running job to finish.
func (b *Beat) Stop(ctx context.Context) error {
	done := b.cron.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
