package resultbackend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskqueue-go/core/internal/core"
)

const resultKeyPrefix = "taskqueue:result:"

// Redis is the production Backend. WaitForResult combines a local
// rendezvous (woken immediately by StoreResult calls made in this
// process) with polling at PollInterval, since Redis alone gives us no
// change notification without Keyspace Notifications configured.
type Redis struct {
	client       *redis.Client
	PollInterval time.Duration

	mu      sync.Mutex
	waiters map[string][]chan core.TaskResult
}

// NewRedis creates a Redis-backed Backend over an existing client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{
		client:       client,
		PollInterval: 250 * time.Millisecond,
		waiters:      make(map[string][]chan core.TaskResult),
	}
}

func (r *Redis) key(taskID string) string {
	return resultKeyPrefix + taskID
}

func (r *Redis) StoreResult(ctx context.Context, result core.TaskResult, expiry *time.Duration) error {
	key := r.key(result.TaskID)

	existing, err := r.GetResult(ctx, result.TaskID)
	if err != nil {
		return err
	}
	if existing != nil && existing.State.IsTerminal() && !result.State.IsTerminal() {
		return nil
	}

	if existing == nil {
		now := time.Now()
		result.CompletedAt = now
		if expiry != nil {
			t := now.Add(*expiry)
			result.ExpiresAt = &t
		}
	} else {
		result.ExpiresAt = existing.ExpiresAt
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("resultbackend: marshal result: %w", err)
	}

	ttl := time.Duration(0)
	if result.ExpiresAt != nil {
		if d := time.Until(*result.ExpiresAt); d > 0 {
			ttl = d
		}
	}
	if err := r.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("resultbackend: store result: %w", err)
	}

	if result.State.IsTerminal() {
		r.wake(result)
	}
	return nil
}

func (r *Redis) wake(result core.TaskResult) {
	r.mu.Lock()
	chans := r.waiters[result.TaskID]
	delete(r.waiters, result.TaskID)
	r.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- result:
		default:
		}
	}
}

func (r *Redis) GetResult(ctx context.Context, taskID string) (*core.TaskResult, error) {
	data, err := r.client.Get(ctx, r.key(taskID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resultbackend: get result: %w", err)
	}
	var result core.TaskResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("resultbackend: unmarshal result: %w", err)
	}
	return &result, nil
}

func (r *Redis) WaitForResult(ctx context.Context, taskID string, timeout time.Duration) (*core.TaskResult, error) {
	if res, err := r.GetResult(ctx, taskID); err != nil {
		return nil, err
	} else if res != nil && res.State.IsTerminal() {
		return res, nil
	}

	ch := make(chan core.TaskResult, 1)
	r.mu.Lock()
	r.waiters[taskID] = append(r.waiters[taskID], ch)
	r.mu.Unlock()

	if res, err := r.GetResult(ctx, taskID); err == nil && res != nil && res.State.IsTerminal() {
		return res, nil
	}

	var timerC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timerC = timer.C
	}

	poll := time.NewTicker(r.PollInterval)
	defer poll.Stop()

	for {
		select {
		case result := <-ch:
			return &result, nil
		case <-timerC:
			return nil, core.ErrTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-poll.C:
			if res, err := r.GetResult(ctx, taskID); err == nil && res != nil && res.State.IsTerminal() {
				return res, nil
			}
		}
	}
}

func (r *Redis) UpdateState(ctx context.Context, taskID string, state core.TaskState, metadata map[string]any) error {
	existing, err := r.GetResult(ctx, taskID)
	if err != nil {
		return err
	}
	if existing != nil && existing.State.IsTerminal() && !state.IsTerminal() {
		return nil
	}

	var result core.TaskResult
	if existing != nil {
		result = *existing
	} else {
		result = core.TaskResult{TaskID: taskID}
	}
	result.State = state
	if metadata != nil {
		result.Metadata = metadata
	}
	if state.IsTerminal() {
		result.CompletedAt = time.Now()
	}

	return r.StoreResult(ctx, result, nil)
}

func (r *Redis) GetState(ctx context.Context, taskID string) (core.TaskState, bool, error) {
	res, err := r.GetResult(ctx, taskID)
	if err != nil {
		return "", false, err
	}
	if res == nil {
		return "", false, nil
	}
	return res.State, true, nil
}
