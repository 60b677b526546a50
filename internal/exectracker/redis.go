package exectracker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "taskqueue:exectracker:"

// stopScript deletes the single-flight record only if it is still held
// by the stopping task, mirroring the compare-and-delete idiom used by
// internal/partitionlock.
var stopScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Redis SET-NX-EX backed Tracker. Expiry is native TTL, so no
// background sweep is needed on this implementation.
type Redis struct {
	client *redis.Client
}

// NewRedis creates a Redis-backed Tracker over an existing client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) TryStart(ctx context.Context, name, taskID, key string, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = time.Hour
	}
	ok, err := r.client.SetNX(ctx, keyPrefix+slot(name, key), taskID, timeout).Result()
	if err != nil {
		return false, fmt.Errorf("exectracker: try start: %w", err)
	}
	return ok, nil
}

func (r *Redis) Stop(ctx context.Context, name, taskID, key string) error {
	if _, err := stopScript.Run(ctx, r.client, []string{keyPrefix + slot(name, key)}, taskID).Result(); err != nil {
		return fmt.Errorf("exectracker: stop: %w", err)
	}
	return nil
}
