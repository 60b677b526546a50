package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskqueue-go/core/internal/core"
)

const (
	dlqDataKey = "taskqueue:dlq:data"
	dlqZSetKey = "taskqueue:dlq:by_time"
)

// Redis is a Redis-backed Store: a hash holds each entry's JSON payload
// and a ZSET scored by Timestamp supports ordered, paginated listing
// without a full table scan.
type Redis struct {
	client *redis.Client
}

// NewRedis creates a Redis-backed Store over an existing client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Store(ctx context.Context, msg core.DeadLetterMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("deadletter: marshal: %w", err)
	}
	pipe := r.client.Pipeline()
	pipe.HSet(ctx, dlqDataKey, msg.ID, data)
	pipe.ZAdd(ctx, dlqZSetKey, redis.Z{Score: float64(msg.Timestamp.UnixNano()), Member: msg.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deadletter: store: %w", err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, id string) (*core.DeadLetterMessage, error) {
	data, err := r.client.HGet(ctx, dlqDataKey, id).Bytes()
	if err == redis.Nil {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("deadletter: get: %w", err)
	}
	var msg core.DeadLetterMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("deadletter: unmarshal: %w", err)
	}
	return &msg, nil
}

// GetAll returns non-expired entries ordered by Timestamp descending,
// applying offset/limit after filtering.
func (r *Redis) GetAll(ctx context.Context, limit, offset int) ([]core.DeadLetterMessage, error) {
	ids, err := r.client.ZRevRange(ctx, dlqZSetKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("deadletter: list ids: %w", err)
	}

	now := time.Now()
	out := make([]core.DeadLetterMessage, 0, len(ids))
	for _, id := range ids {
		msg, err := r.Get(ctx, id)
		if err != nil {
			continue
		}
		if !msg.ExpiresAt.IsZero() && msg.ExpiresAt.Before(now) {
			continue
		}
		out = append(out, *msg)
	}

	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Redis) Delete(ctx context.Context, id string) error {
	pipe := r.client.Pipeline()
	pipe.HDel(ctx, dlqDataKey, id)
	pipe.ZRem(ctx, dlqZSetKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deadletter: delete: %w", err)
	}
	return nil
}

func (r *Redis) Purge(ctx context.Context) error {
	if err := r.client.Del(ctx, dlqDataKey, dlqZSetKey).Err(); err != nil {
		return fmt.Errorf("deadletter: purge: %w", err)
	}
	return nil
}

func (r *Redis) CleanupExpired(ctx context.Context) (int, error) {
	ids, err := r.client.ZRange(ctx, dlqZSetKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("deadletter: cleanup scan: %w", err)
	}
	now := time.Now()
	removed := 0
	for _, id := range ids {
		msg, err := r.Get(ctx, id)
		if err != nil {
			continue
		}
		if msg.ExpiresAt.IsZero() || !msg.ExpiresAt.Before(now) {
			continue
		}
		if err := r.Delete(ctx, id); err == nil {
			removed++
		}
	}
	return removed, nil
}

func (r *Redis) GetCount(ctx context.Context) (int, error) {
	all, err := r.GetAll(ctx, 0, 0)
	if err != nil {
		return 0, err
	}
	return len(all), nil
}

var _ sort.Interface = (*byTimestampDesc)(nil)

type byTimestampDesc []core.DeadLetterMessage

func (b byTimestampDesc) Len() int           { return len(b) }
func (b byTimestampDesc) Swap(i, j int)      { b[i], b[j] = b[j], b[i] }
func (b byTimestampDesc) Less(i, j int) bool { return b[i].Timestamp.After(b[j].Timestamp) }
