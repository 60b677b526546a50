// Package revocation implements the C4 Revocation Store/Manager: a
// registry of cancellation handles for locally running tasks plus a
// pending-revocations map so a task that registers after a revoke event
// is still cancelled before its body runs.
package revocation

import (
	"context"
	"sync"
	"time"

	"github.com/taskqueue-go/core/internal/core"
)

// Store persists revoke orders broker-wide; Manager subscribes to it.
type Store interface {
	Revoke(ctx context.Context, taskIDs []string, opts core.RevocationOptions) error
	IsRevoked(ctx context.Context, taskID string) (bool, error)
	LoadAll(ctx context.Context) ([]core.RevocationRecord, error)
}

// localHandle is what RegisterTask hands back: cancel stops the task and
// unregister removes its bookkeeping once it's done.
type localHandle struct {
	cancel context.CancelFunc
}

// Manager correlates remote revoke orders with in-flight cancellation
// tokens.
type Manager struct {
	store Store

	mu      sync.Mutex
	running map[string]localHandle
	pending map[string]core.RevocationOptions
}

// NewManager creates a Manager bound to a revocation Store.
func NewManager(store Store) *Manager {
	return &Manager{
		store:   store,
		running: make(map[string]localHandle),
		pending: make(map[string]core.RevocationOptions),
	}
}

// LoadPending seeds the pending-revocations map from the store at startup,
// so a task that hasn't yet registered is still known to be revoked.
func (m *Manager) LoadPending(ctx context.Context) error {
	records, err := m.store.LoadAll(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range records {
		m.pending[rec.TaskID] = rec.Options
	}
	return nil
}

// RegisterTask registers a locally running task and returns a child
// context descending from parent. If the task was already revoked with
// Terminate=true (registered in pending before this call), the returned
// context is pre-cancelled — "a task that registers after a revoke event
// with terminate=true is cancelled before its body runs."
func (m *Manager) RegisterTask(parent context.Context, taskID string) context.Context {
	ctx, cancel := context.WithCancel(parent)

	m.mu.Lock()
	opts, wasRevoked := m.pending[taskID]
	m.running[taskID] = localHandle{cancel: cancel}
	m.mu.Unlock()

	if wasRevoked && opts.Terminate {
		cancel()
	}
	return ctx
}

// UnregisterTask drops the bookkeeping for a task once it has finished.
func (m *Manager) UnregisterTask(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.running, taskID)
	delete(m.pending, taskID)
}

// IsRevoked reports whether taskID has a pending or applied revocation.
func (m *Manager) IsRevoked(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[taskID]
	return ok
}

// Revoke persists the revoke order and applies it to any locally running
// task. Immediate cancellation runs synchronously on the calling
// goroutine; Graceful posts the cancel to run asynchronously so the
// caller's own computation can yield first.
func (m *Manager) Revoke(ctx context.Context, taskIDs []string, opts core.RevocationOptions) error {
	if err := m.store.Revoke(ctx, taskIDs, opts); err != nil {
		return err
	}
	m.applyLocally(taskIDs, opts)
	return nil
}

// OnRemoteRevoke is invoked by the subscription loop for a revoke event
// observed on the broker-wide channel (including ones this process itself
// issued).
func (m *Manager) OnRemoteRevoke(taskIDs []string, opts core.RevocationOptions) {
	m.applyLocally(taskIDs, opts)
}

func (m *Manager) applyLocally(taskIDs []string, opts core.RevocationOptions) {
	m.mu.Lock()
	var toCancel []context.CancelFunc
	for _, id := range taskIDs {
		m.pending[id] = opts
		if opts.Terminate {
			if h, ok := m.running[id]; ok {
				toCancel = append(toCancel, h.cancel)
			}
		}
	}
	m.mu.Unlock()

	if len(toCancel) == 0 {
		return
	}

	switch opts.Signal {
	case core.SignalImmediate:
		for _, cancel := range toCancel {
			cancel()
		}
	default: // Graceful
		go func() {
			for _, cancel := range toCancel {
				cancel()
			}
		}()
	}
}

// Subscription is satisfied by a pub/sub transport carrying revoke events.
type Subscription interface {
	SubscribeRevocations(ctx context.Context) (<-chan RevokeEvent, error)
}

// RevokeEvent is what a Subscription delivers per revoke order.
type RevokeEvent struct {
	TaskIDs []string
	Options core.RevocationOptions
}

// Run drives the subscription loop until ctx is cancelled, applying every
// observed revoke event to the local manager state.
func (m *Manager) Run(ctx context.Context, sub Subscription) error {
	events, err := sub.SubscribeRevocations(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			m.OnRemoteRevoke(ev.TaskIDs, ev.Options)
		}
	}
}

// expirySweepInterval bounds how often a Store implementation should prune
// stale revocation records it may keep for audit purposes; stores are free
// to ignore this if they have no such retention.
const expirySweepInterval = time.Hour
