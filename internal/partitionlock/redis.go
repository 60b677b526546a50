package partitionlock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "taskqueue:partitionlock:"

// releaseScript deletes the lock only if it is still held by the caller,
// a compare-and-delete generalized to an arbitrary holder token instead
// of a fixed lock name.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript resets the lock's TTL only if it is still held by the
// caller.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Redis is a Redis SET-NX backed Store.
type Redis struct {
	client *redis.Client
}

// NewRedis creates a Redis-backed Store over an existing client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) TryAcquire(ctx context.Context, partitionKey, holderTaskID string, timeout time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, keyPrefix+partitionKey, holderTaskID, timeout).Result()
	if err != nil {
		return false, fmt.Errorf("partitionlock: acquire: %w", err)
	}
	return ok, nil
}

func (r *Redis) Release(ctx context.Context, partitionKey, holderTaskID string) error {
	res, err := releaseScript.Run(ctx, r.client, []string{keyPrefix + partitionKey}, holderTaskID).Result()
	if err != nil {
		return fmt.Errorf("partitionlock: release: %w", err)
	}
	_ = res
	return nil
}

func (r *Redis) IsLocked(ctx context.Context, partitionKey string) (bool, error) {
	n, err := r.client.Exists(ctx, keyPrefix+partitionKey).Result()
	if err != nil {
		return false, fmt.Errorf("partitionlock: exists: %w", err)
	}
	return n > 0, nil
}

func (r *Redis) GetLockHolder(ctx context.Context, partitionKey string) (string, bool, error) {
	holder, err := r.client.Get(ctx, keyPrefix+partitionKey).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("partitionlock: get holder: %w", err)
	}
	return holder, true, nil
}

func (r *Redis) Extend(ctx context.Context, partitionKey, holderTaskID string, timeout time.Duration) (bool, error) {
	res, err := extendScript.Run(ctx, r.client,
		[]string{keyPrefix + partitionKey}, holderTaskID, timeout.Milliseconds(),
	).Result()
	if err != nil {
		return false, fmt.Errorf("partitionlock: extend: %w", err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}
