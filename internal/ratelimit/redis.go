package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "taskqueue:ratelimit:"

// slidingWindowScript atomically prunes expired samples, counts the
// remainder, and admits the new sample only if under the limit, using a
// sorted set as a rolling window instead of a due-time index.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window_ms)
local count = redis.call("ZCARD", key)

if count < limit then
	redis.call("ZADD", key, now, member)
	redis.call("PEXPIRE", key, window_ms)
	return {1, 0}
end

local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
local retry_after_ms = window_ms
if oldest[2] ~= nil then
	retry_after_ms = window_ms - (now - tonumber(oldest[2]))
end
return {0, retry_after_ms}
`)

// Redis is a Redis sorted-set backed sliding-window Limiter.
type Redis struct {
	client *redis.Client
	seq    func() string
}

// NewRedis creates a Redis-backed Limiter over an existing client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, seq: newSequence()}
}

func (r *Redis) TryAcquire(ctx context.Context, key string, policy Policy) (Decision, error) {
	now := time.Now()
	res, err := slidingWindowScript.Run(ctx, r.client,
		[]string{keyPrefix + key},
		now.UnixMilli(), policy.Window.Milliseconds(), policy.Limit, r.seq(),
	).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: acquire: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected script result %v", res)
	}
	allowed := toInt64(vals[0]) == 1
	retryAfterMS := toInt64(vals[1])
	return Decision{
		Allowed:    allowed,
		RetryAfter: time.Duration(retryAfterMS) * time.Millisecond,
	}, nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	default:
		return 0
	}
}

// newSequence returns a monotonically distinct member generator so
// concurrent acquires in the same millisecond don't collide as sorted-set
// members.
func newSequence() func() string {
	var counter int64
	return func() string {
		counter++
		return fmt.Sprintf("%d-%d", time.Now().UnixNano(), counter)
	}
}
