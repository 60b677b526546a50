package signalbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskqueue-go/core/internal/core"
)

const (
	signalPendingKey    = "taskqueue:signals:pending"
	signalProcessingKey = "taskqueue:signals:processing"
	signalDataKey       = "taskqueue:signals:data"
)

// RedisQueue implements Queue as a reliable list: Dequeue atomically
// moves ids from the pending list to a processing list (LMOVE), so an
// item is never visible to two concurrent Dequeue calls at once. Ack
// removes it from the processing list for good; Nack removes it from
// processing and pushes it back onto pending for another attempt.
type RedisQueue struct {
	client *redis.Client
}

// NewRedisQueue creates a Queue over an existing client.
func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

type queuedPayload struct {
	Signal   Signal    `json:"signal"`
	Attempts int       `json:"attempts"`
	QueuedAt time.Time `json:"queuedAt"`
}

func (q *RedisQueue) Enqueue(ctx context.Context, s Signal) (string, error) {
	id := core.NewTaskID()
	data, err := json.Marshal(queuedPayload{Signal: s, QueuedAt: time.Now()})
	if err != nil {
		return "", fmt.Errorf("signalbus: marshal: %w", err)
	}
	pipe := q.client.Pipeline()
	pipe.HSet(ctx, signalDataKey, id, data)
	pipe.RPush(ctx, signalPendingKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("signalbus: enqueue: %w", err)
	}
	return id, nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, n int) ([]QueuedSignal, error) {
	batch := make([]QueuedSignal, 0, n)
	for i := 0; i < n; i++ {
		id, err := q.client.LMove(ctx, signalPendingKey, signalProcessingKey, "LEFT", "RIGHT").Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return batch, fmt.Errorf("signalbus: dequeue: %w", err)
		}
		raw, err := q.client.HGet(ctx, signalDataKey, id).Bytes()
		if err != nil {
			continue
		}
		var payload queuedPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			continue
		}
		batch = append(batch, QueuedSignal{ID: id, Signal: payload.Signal, Attempts: payload.Attempts, QueuedAt: payload.QueuedAt})
	}
	return batch, nil
}

func (q *RedisQueue) Ack(ctx context.Context, id string) error {
	pipe := q.client.Pipeline()
	pipe.LRem(ctx, signalProcessingKey, 1, id)
	pipe.HDel(ctx, signalDataKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("signalbus: ack: %w", err)
	}
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, id string) error {
	raw, err := q.client.HGet(ctx, signalDataKey, id).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("signalbus: nack load: %w", err)
	}
	var payload queuedPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("signalbus: nack unmarshal: %w", err)
	}
	payload.Attempts++
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("signalbus: nack marshal: %w", err)
	}

	pipe := q.client.Pipeline()
	pipe.LRem(ctx, signalProcessingKey, 1, id)
	pipe.HSet(ctx, signalDataKey, id, data)
	pipe.RPush(ctx, signalPendingKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("signalbus: nack: %w", err)
	}
	return nil
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, signalPendingKey).Result()
	if err != nil {
		return 0, fmt.Errorf("signalbus: len: %w", err)
	}
	return int(n), nil
}
