// Package tasks registers the example task handlers shared by the worker
// and API server: an echo, a sleep, a CPU-bound compute, and a task that
// always fails so dead-letter routing has something to exercise. The API
// server registers the same descriptors so it can validate a submitted
// task name without dispatching it.
package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/taskqueue-go/core/internal/logger"
	"github.com/taskqueue-go/core/internal/registry"
)

type EchoArgs struct {
	Payload any `json:"payload"`
}

type EchoResult struct {
	Echoed any `json:"echoed"`
}

func echoHandler(ctx context.Context, in EchoArgs) (EchoResult, error) {
	logger.Get().Info().Interface("payload", in.Payload).Msg("echo handler processing task")
	return EchoResult{Echoed: in.Payload}, nil
}

type SleepArgs struct {
	DurationMS int64 `json:"duration_ms"`
}

type SleepResult struct {
	SleptFor string `json:"slept_for"`
}

func sleepHandler(ctx context.Context, in SleepArgs) (SleepResult, error) {
	duration := time.Second
	if in.DurationMS > 0 {
		duration = time.Duration(in.DurationMS) * time.Millisecond
	}

	logger.Get().Info().Dur("duration", duration).Msg("sleep handler processing task")

	select {
	case <-time.After(duration):
		return SleepResult{SleptFor: duration.String()}, nil
	case <-ctx.Done():
		return SleepResult{}, ctx.Err()
	}
}

type ComputeArgs struct {
	Iterations int `json:"iterations"`
}

type ComputeResult struct {
	Result int `json:"result"`
}

func computeHandler(ctx context.Context, in ComputeArgs) (ComputeResult, error) {
	iterations := in.Iterations
	if iterations <= 0 {
		iterations = 1_000_000
	}

	logger.Get().Info().Int("iterations", iterations).Msg("compute handler processing task")

	sum := 0
	for i := 0; i < iterations; i++ {
		select {
		case <-ctx.Done():
			return ComputeResult{}, ctx.Err()
		default:
			sum += i
		}
	}

	return ComputeResult{Result: sum}, nil
}

type FailArgs struct{}

type FailResult struct{}

func failHandler(ctx context.Context, _ FailArgs) (FailResult, error) {
	return FailResult{}, fmt.Errorf("intentional failure for testing")
}

// Register wires every example task descriptor into reg.
func Register(reg *registry.Registry) {
	registry.Register(reg, "echo", echoHandler)
	registry.Register(reg, "sleep", sleepHandler)
	registry.Register(reg, "compute", computeHandler)
	registry.Register(reg, "fail", failHandler)

	reg.WithRateLimit("compute", registry.RateLimitPolicy{Limit: 50, Window: 1})
	reg.WithIdempotent("echo", true)
}
