package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskqueue-go/core/internal/core"
)

const (
	outboxDataKey     = "taskqueue:outbox:data"
	outboxPendingKey  = "taskqueue:outbox:pending"
	outboxSequenceKey = "taskqueue:outbox:sequence"
	inboxProcessedKey = "taskqueue:inbox:processed"
)

// Redis is a Redis-backed Store: a hash holds each row's serialized
// state, a sorted set (scored by sequence number) tracks pending IDs so
// GetPending can return rows in publish order, and an INCR counter hands
// out the monotonic sequence number.
type Redis struct {
	client *redis.Client
}

// NewRedis creates a Redis-backed Store over an existing client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) save(ctx context.Context, msg core.OutboxMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("outbox: marshal: %w", err)
	}
	return r.client.HSet(ctx, outboxDataKey, msg.ID, data).Err()
}

func (r *Redis) Store(ctx context.Context, msg core.OutboxMessage) (core.OutboxMessage, error) {
	seq, err := r.client.Incr(ctx, outboxSequenceKey).Result()
	if err != nil {
		return core.OutboxMessage{}, fmt.Errorf("outbox: sequence: %w", err)
	}
	msg.SequenceNumber = seq
	msg.Status = core.OutboxPending
	msg.CreatedAt = time.Now()

	if err := r.save(ctx, msg); err != nil {
		return core.OutboxMessage{}, err
	}
	if err := r.client.ZAdd(ctx, outboxPendingKey, redis.Z{Score: float64(seq), Member: msg.ID}).Err(); err != nil {
		return core.OutboxMessage{}, fmt.Errorf("outbox: index pending: %w", err)
	}
	return msg, nil
}

func (r *Redis) load(ctx context.Context, id string) (core.OutboxMessage, bool, error) {
	data, err := r.client.HGet(ctx, outboxDataKey, id).Bytes()
	if err == redis.Nil {
		return core.OutboxMessage{}, false, nil
	}
	if err != nil {
		return core.OutboxMessage{}, false, fmt.Errorf("outbox: load: %w", err)
	}
	var msg core.OutboxMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return core.OutboxMessage{}, false, fmt.Errorf("outbox: unmarshal: %w", err)
	}
	return msg, true, nil
}

func (r *Redis) GetPending(ctx context.Context, limit int) ([]core.OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := r.client.ZRange(ctx, outboxPendingKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("outbox: get pending: %w", err)
	}
	out := make([]core.OutboxMessage, 0, len(ids))
	for _, id := range ids {
		msg, ok, err := r.load(ctx, id)
		if err != nil || !ok {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func (r *Redis) MarkDispatched(ctx context.Context, id string) error {
	msg, ok, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return core.ErrNotFound
	}
	msg.Status = core.OutboxDispatched
	now := time.Now()
	msg.DispatchedAt = &now

	pipe := r.client.Pipeline()
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("outbox: marshal: %w", err)
	}
	pipe.HSet(ctx, outboxDataKey, id, data)
	pipe.ZRem(ctx, outboxPendingKey, id)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("outbox: mark dispatched: %w", err)
	}
	return nil
}

func (r *Redis) MarkFailed(ctx context.Context, id string, cause error) error {
	msg, ok, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return core.ErrNotFound
	}
	msg.Attempts++
	if cause != nil {
		msg.LastError = cause.Error()
	}

	pipe := r.client.Pipeline()
	if msg.Attempts >= core.MaxOutboxAttempts {
		msg.Status = core.OutboxFailed
		pipe.ZRem(ctx, outboxPendingKey, id)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("outbox: marshal: %w", err)
	}
	pipe.HSet(ctx, outboxDataKey, id, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("outbox: mark failed: %w", err)
	}
	return nil
}

func (r *Redis) CleanupOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	ids, err := r.client.HKeys(ctx, outboxDataKey).Result()
	if err != nil {
		return 0, fmt.Errorf("outbox: cleanup scan: %w", err)
	}
	cutoff := time.Now().Add(-age)

	var removed int64
	for _, id := range ids {
		msg, ok, err := r.load(ctx, id)
		if err != nil || !ok {
			continue
		}
		if msg.Status == core.OutboxDispatched && msg.DispatchedAt != nil && msg.DispatchedAt.Before(cutoff) {
			if err := r.client.HDel(ctx, outboxDataKey, id).Err(); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// RedisInbox is a Redis-backed Inbox: a hash entry per processed message
// id, checked with HEXISTS and written with HSET. The check and the write
// are separate calls, so two concurrent consumers of the same message can
// both see it as unprocessed; a second MarkProcessed overwrites the
// timestamp and reports no conflict.
type RedisInbox struct {
	client *redis.Client
}

// NewRedisInbox creates a Redis-backed Inbox over an existing client.
func NewRedisInbox(client *redis.Client) *RedisInbox {
	return &RedisInbox{client: client}
}

func (ib *RedisInbox) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	exists, err := ib.client.HExists(ctx, inboxProcessedKey, messageID).Result()
	if err != nil {
		return false, fmt.Errorf("inbox: is processed: %w", err)
	}
	return exists, nil
}

func (ib *RedisInbox) MarkProcessed(ctx context.Context, messageID string, _ any) error {
	if err := ib.client.HSet(ctx, inboxProcessedKey, messageID, time.Now().Unix()).Err(); err != nil {
		return fmt.Errorf("inbox: mark processed: %w", err)
	}
	return nil
}
