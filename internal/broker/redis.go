package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskqueue-go/core/internal/config"
	"github.com/taskqueue-go/core/internal/core"
)

// Redis implements Broker over Redis Streams. Unlike a fixed set of
// priority streams, each distinct TaskMessage.Queue gets its own stream
// and consumer group, created lazily on first use.
type Redis struct {
	client            *redis.Client
	streamPrefix      string
	consumerGroup     string
	claimMinIdle      time.Duration
	taskRetentionDays int

	mu     sync.Mutex
	readyQ map[string]bool
}

// NewRedis creates a Redis-backed Broker over an existing client.
func NewRedis(client *redis.Client, cfg config.QueueConfig) *Redis {
	return &Redis{
		client:            client,
		streamPrefix:      cfg.StreamPrefix,
		consumerGroup:     cfg.ConsumerGroup,
		claimMinIdle:      cfg.ClaimMinIdle,
		taskRetentionDays: cfg.TaskRetentionDays,
		readyQ:            make(map[string]bool),
	}
}

func (r *Redis) streamName(queue string) string {
	return fmt.Sprintf("%s:%s", r.streamPrefix, queue)
}

func (r *Redis) messageKey(id string) string {
	return fmt.Sprintf("broker:message:%s", id)
}

// ensureStream creates the stream and consumer group for queue the first
// time it is seen by this broker instance.
func (r *Redis) ensureStream(ctx context.Context, queue string) error {
	r.mu.Lock()
	ready := r.readyQ[queue]
	r.mu.Unlock()
	if ready {
		return nil
	}

	streamName := r.streamName(queue)
	err := r.client.XGroupCreateMkStream(ctx, streamName, r.consumerGroup, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("broker: create consumer group for %s: %w", streamName, err)
	}

	r.mu.Lock()
	r.readyQ[queue] = true
	r.mu.Unlock()
	return nil
}

func (r *Redis) Publish(ctx context.Context, msg core.TaskMessage) error {
	if err := r.ensureStream(ctx, msg.Queue); err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("broker: marshal message: %w", err)
	}

	key := r.messageKey(msg.ID)
	if err := r.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("broker: store message data: %w", err)
	}

	_, err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.streamName(msg.Queue),
		Values: map[string]interface{}{
			"task_id": msg.ID,
			"task":    msg.Task,
		},
	}).Result()
	if err != nil {
		r.client.Del(ctx, key)
		return fmt.Errorf("broker: add to stream: %w", err)
	}

	return nil
}

func (r *Redis) loadMessage(ctx context.Context, taskID string) (core.TaskMessage, error) {
	data, err := r.client.Get(ctx, r.messageKey(taskID)).Bytes()
	if err == redis.Nil {
		return core.TaskMessage{}, core.ErrNotFound
	}
	if err != nil {
		return core.TaskMessage{}, fmt.Errorf("broker: load message: %w", err)
	}

	var msg core.TaskMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return core.TaskMessage{}, fmt.Errorf("broker: unmarshal message: %w", err)
	}
	return msg, nil
}

func (r *Redis) Dequeue(ctx context.Context, queue, consumerID string) (*core.BrokerMessage, error) {
	if err := r.ensureStream(ctx, queue); err != nil {
		return nil, err
	}
	streamName := r.streamName(queue)

	// A negative Block omits the BLOCK option entirely; Block:0 would
	// ask Redis to block forever, which is not what a non-blocking
	// Dequeue wants.
	streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    r.consumerGroup,
		Consumer: consumerID,
		Streams:  []string{streamName, ">"},
		Count:    1,
		Block:    -1,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("broker: read from stream %s: %w", streamName, err)
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}

	return r.resolveDelivery(ctx, streamName, queue, streams[0].Messages[0])
}

func (r *Redis) DequeueBlocking(ctx context.Context, queue, consumerID string, blockFor time.Duration) (*core.BrokerMessage, error) {
	if err := r.ensureStream(ctx, queue); err != nil {
		return nil, err
	}
	streamName := r.streamName(queue)

	result, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    r.consumerGroup,
		Consumer: consumerID,
		Streams:  []string{streamName, ">"},
		Count:    1,
		Block:    blockFor,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("broker: read from stream %s: %w", streamName, err)
	}
	if len(result) == 0 || len(result[0].Messages) == 0 {
		return nil, nil
	}

	return r.resolveDelivery(ctx, streamName, queue, result[0].Messages[0])
}

// resolveDelivery turns a raw stream entry into a BrokerMessage, acking
// and dropping it immediately if its payload is missing or malformed
// since redelivery would never succeed.
func (r *Redis) resolveDelivery(ctx context.Context, streamName, queue string, entry redis.XMessage) (*core.BrokerMessage, error) {
	taskID, ok := entry.Values["task_id"].(string)
	if !ok {
		r.client.XAck(ctx, streamName, r.consumerGroup, entry.ID)
		return nil, nil
	}

	msg, err := r.loadMessage(ctx, taskID)
	if err != nil {
		r.client.XAck(ctx, streamName, r.consumerGroup, entry.ID)
		return nil, nil
	}

	return &core.BrokerMessage{
		Message:     msg,
		DeliveryTag: entry.ID,
		Queue:       queue,
		ReceivedAt:  time.Now(),
	}, nil
}

func (r *Redis) Ack(ctx context.Context, msg core.BrokerMessage) error {
	streamName := r.streamName(msg.Queue)
	if err := r.client.XAck(ctx, streamName, r.consumerGroup, msg.DeliveryTag).Err(); err != nil {
		return fmt.Errorf("broker: ack %s: %w", msg.DeliveryTag, err)
	}
	if r.taskRetentionDays <= 0 {
		return r.client.Del(ctx, r.messageKey(msg.Message.ID)).Err()
	}
	ttl := time.Duration(r.taskRetentionDays) * 24 * time.Hour
	return r.client.Expire(ctx, r.messageKey(msg.Message.ID), ttl).Err()
}

func (r *Redis) ClaimOrphaned(ctx context.Context, queue, consumerID string, minIdle time.Duration) ([]core.BrokerMessage, error) {
	if err := r.ensureStream(ctx, queue); err != nil {
		return nil, err
	}
	streamName := r.streamName(queue)

	pending, err := r.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: streamName,
		Group:  r.consumerGroup,
		Start:  "-",
		End:    "+",
		Count:  100,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("broker: list pending on %s: %w", streamName, err)
	}

	var claimed []core.BrokerMessage
	for _, p := range pending {
		if p.Idle < minIdle {
			continue
		}

		entries, err := r.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   streamName,
			Group:    r.consumerGroup,
			Consumer: consumerID,
			MinIdle:  minIdle,
			Messages: []string{p.ID},
		}).Result()
		if err != nil || len(entries) == 0 {
			continue
		}

		bm, err := r.resolveDelivery(ctx, streamName, queue, entries[0])
		if err != nil || bm == nil {
			continue
		}
		claimed = append(claimed, *bm)
	}

	return claimed, nil
}

func (r *Redis) QueueDepth(ctx context.Context, queue string) (int64, error) {
	streamName := r.streamName(queue)
	info, err := r.client.XInfoGroups(ctx, streamName).Result()
	if err != nil {
		return 0, nil
	}
	for _, group := range info {
		if group.Name == r.consumerGroup {
			return group.Pending, nil
		}
	}
	return 0, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
