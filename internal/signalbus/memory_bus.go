package signalbus

import (
	"context"
	"sync"
)

type subscription struct {
	types  []SignalType
	ch     chan Signal
	once   sync.Once
}

func (s *subscription) closeOnce() {
	s.once.Do(func() { close(s.ch) })
}

func (s subscription) wants(t SignalType) bool {
	for _, want := range s.types {
		if want == t {
			return true
		}
	}
	return false
}

// MemoryBus is an in-process Bus for tests and single-binary deployments.
type MemoryBus struct {
	mu   sync.Mutex
	subs []*subscription
}

// NewMemoryBus creates an empty in-memory Bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

func (b *MemoryBus) Publish(_ context.Context, s Signal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if !sub.wants(s.Type) {
			continue
		}
		select {
		case sub.ch <- s:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, types ...SignalType) (<-chan Signal, error) {
	sub := &subscription{types: types, ch: make(chan Signal, 100)}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s == sub {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
		sub.closeOnce()
	}()

	return sub.ch, nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		sub.closeOnce()
	}
	b.subs = nil
	return nil
}
