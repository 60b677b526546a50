package revocation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskqueue-go/core/internal/core"
)

const (
	revokedSetKey  = "taskqueue:revoked"
	revokeChannel  = "taskqueue:events:revoke"
)

// RedisStore persists revocations in a Redis hash and fans them out over
// a Pub/Sub channel for cross-process delivery.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a RedisStore over an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

type wireRevokeEvent struct {
	TaskIDs []string                `json:"taskIds"`
	Options core.RevocationOptions  `json:"options"`
}

func (s *RedisStore) Revoke(ctx context.Context, taskIDs []string, opts core.RevocationOptions) error {
	now := time.Now()
	pipe := s.client.Pipeline()
	for _, id := range taskIDs {
		rec := core.RevocationRecord{TaskID: id, Options: opts, CreatedAt: now}
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("revocation: marshal record: %w", err)
		}
		pipe.HSet(ctx, revokedSetKey, id, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("revocation: persist revoke: %w", err)
	}

	event := wireRevokeEvent{TaskIDs: taskIDs, Options: opts}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("revocation: marshal event: %w", err)
	}
	if err := s.client.Publish(ctx, revokeChannel, data).Err(); err != nil {
		return fmt.Errorf("revocation: publish revoke: %w", err)
	}
	return nil
}

func (s *RedisStore) IsRevoked(ctx context.Context, taskID string) (bool, error) {
	exists, err := s.client.HExists(ctx, revokedSetKey, taskID).Result()
	if err != nil {
		return false, fmt.Errorf("revocation: check revoked: %w", err)
	}
	return exists, nil
}

func (s *RedisStore) LoadAll(ctx context.Context) ([]core.RevocationRecord, error) {
	raw, err := s.client.HGetAll(ctx, revokedSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("revocation: load all: %w", err)
	}
	records := make([]core.RevocationRecord, 0, len(raw))
	for _, v := range raw {
		var rec core.RevocationRecord
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// SubscribeRevocations satisfies the Subscription interface over Redis
// Pub/Sub.
func (s *RedisStore) SubscribeRevocations(ctx context.Context) (<-chan RevokeEvent, error) {
	pubsub := s.client.Subscribe(ctx, revokeChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("revocation: subscribe: %w", err)
	}

	out := make(chan RevokeEvent, 64)
	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event wireRevokeEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					continue
				}
				select {
				case out <- RevokeEvent{TaskIDs: event.TaskIDs, Options: event.Options}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
