package delayed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskqueue-go/core/internal/core"
)

const (
	delayedSetKey  = "taskqueue:delayed:due"
	delayedDataKey = "taskqueue:delayed:data"
	popBatchSize   = 200
)

// popDueScript finds members due at or before now, removes them from both
// the sorted set and the data hash, and returns their payloads — so a
// message is deleted before it is handed to the caller, not after,
// closing the window where two dispatchers could both see it pending.
var popDueScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
if #due == 0 then
	return {}
end
local payloads = {}
for i, id in ipairs(due) do
	local payload = redis.call("HGET", KEYS[2], id)
	if payload then
		table.insert(payloads, payload)
	end
	redis.call("HDEL", KEYS[2], id)
end
redis.call("ZREM", KEYS[1], unpack(due))
return payloads
`)

// Redis is a Redis sorted-set backed Store: the set orders task IDs by
// delivery time, the hash holds each task's serialized message.
type Redis struct {
	client *redis.Client
}

// NewRedis creates a Redis-backed Store over an existing client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) AddAsync(ctx context.Context, msg core.TaskMessage, deliveryTime time.Time) error {
	data, err := json.Marshal(core.DelayedMessage{TaskID: msg.ID, Message: msg, DeliveryTime: deliveryTime})
	if err != nil {
		return fmt.Errorf("delayed: marshal message: %w", err)
	}

	pipe := r.client.Pipeline()
	pipe.HSet(ctx, delayedDataKey, msg.ID, data)
	pipe.ZAdd(ctx, delayedSetKey, redis.Z{Score: float64(deliveryTime.UnixMilli()), Member: msg.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delayed: add: %w", err)
	}
	return nil
}

func (r *Redis) GetDueMessages(ctx context.Context, now time.Time) ([]core.DelayedMessage, error) {
	res, err := popDueScript.Run(ctx, r.client,
		[]string{delayedSetKey, delayedDataKey}, now.UnixMilli(), popBatchSize,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("delayed: get due: %w", err)
	}

	raw, ok := res.([]interface{})
	if !ok {
		return nil, nil
	}
	out := make([]core.DelayedMessage, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var dm core.DelayedMessage
		if err := json.Unmarshal([]byte(s), &dm); err != nil {
			continue
		}
		out = append(out, dm)
	}
	return out, nil
}

func (r *Redis) GetNextDeliveryTime(ctx context.Context) (time.Time, bool, error) {
	res, err := r.client.ZRangeWithScores(ctx, delayedSetKey, 0, 0).Result()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("delayed: next delivery time: %w", err)
	}
	if len(res) == 0 {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(int64(res[0].Score)), true, nil
}

func (r *Redis) Remove(ctx context.Context, taskID string) error {
	pipe := r.client.Pipeline()
	pipe.ZRem(ctx, delayedSetKey, taskID)
	pipe.HDel(ctx, delayedDataKey, taskID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delayed: remove: %w", err)
	}
	return nil
}

func (r *Redis) GetPendingCount(ctx context.Context) (int64, error) {
	n, err := r.client.ZCard(ctx, delayedSetKey).Result()
	if err != nil {
		return 0, fmt.Errorf("delayed: pending count: %w", err)
	}
	return n, nil
}
