package signalbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/taskqueue-go/core/internal/logger"
)

const channelPrefix = "taskqueue:signals:"

// RedisBus implements Bus over Redis Pub/Sub.
type RedisBus struct {
	client *redis.Client
	mu     sync.Mutex
	closed []*redis.PubSub
}

// NewRedisBus creates a Bus over an existing client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

func (b *RedisBus) channelName(t SignalType) string {
	return channelPrefix + string(t)
}

func (b *RedisBus) Publish(ctx context.Context, s Signal) error {
	data, err := s.toJSON()
	if err != nil {
		return fmt.Errorf("signalbus: marshal: %w", err)
	}
	if err := b.client.Publish(ctx, b.channelName(s.Type), data).Err(); err != nil {
		return fmt.Errorf("signalbus: publish: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, types ...SignalType) (<-chan Signal, error) {
	channels := make([]string, len(types))
	for i, t := range types {
		channels[i] = b.channelName(t)
	}
	pubsub := b.client.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("signalbus: subscribe: %w", err)
	}

	b.mu.Lock()
	b.closed = append(b.closed, pubsub)
	b.mu.Unlock()

	out := make(chan Signal, 100)
	go func() {
		defer close(out)
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				s, err := signalFromJSON([]byte(msg.Payload))
				if err != nil {
					logger.WithComponent("signalbus").Error().Err(err).Msg("failed to parse signal")
					continue
				}
				select {
				case out <- s:
				default:
					logger.WithComponent("signalbus").Warn().
						Str("signal_type", string(s.Type)).
						Msg("signal channel full, dropping signal")
				}
			}
		}
	}()
	return out, nil
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, pubsub := range b.closed {
		_ = pubsub.Close()
	}
	b.closed = nil
	return nil
}
