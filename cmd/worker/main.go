package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskqueue-go/core/internal/breaker"
	"github.com/taskqueue-go/core/internal/broker"
	"github.com/taskqueue-go/core/internal/config"
	"github.com/taskqueue-go/core/internal/deadletter"
	"github.com/taskqueue-go/core/internal/delayed"
	"github.com/taskqueue-go/core/internal/exectracker"
	"github.com/taskqueue-go/core/internal/executor"
	"github.com/taskqueue-go/core/internal/logger"
	"github.com/taskqueue-go/core/internal/metricsstore"
	"github.com/taskqueue-go/core/internal/outbox"
	"github.com/taskqueue-go/core/internal/partitionlock"
	"github.com/taskqueue-go/core/internal/ratelimit"
	"github.com/taskqueue-go/core/internal/registry"
	"github.com/taskqueue-go/core/internal/resultbackend"
	"github.com/taskqueue-go/core/internal/revocation"
	"github.com/taskqueue-go/core/internal/saga"
	"github.com/taskqueue-go/core/internal/serializer"
	"github.com/taskqueue-go/core/internal/signalbus"
	"github.com/taskqueue-go/core/internal/tasks"
	"github.com/taskqueue-go/core/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel, os.Getenv("ENV") != "production")
	log := logger.Get()
	log.Info().Msg("Starting worker...")

	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		MaxRetries:   cfg.Redis.MaxRetries,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = redisClient.Ping(pingCtx).Err()
	pingCancel()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer redisClient.Close()

	ser := serializer.NewRegistry()
	ser.Register(serializer.JSON{})
	ser.Register(serializer.Gob{})

	reg := registry.New(ser)
	tasks.Register(reg)

	b := broker.NewRedis(redisClient, cfg.Queue)
	results := resultbackend.NewRedis(redisClient)
	dlStore := deadletter.NewRedis(redisClient)

	revStore := revocation.NewRedisStore(redisClient)
	revManager := revocation.NewManager(revStore)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := revManager.LoadPending(ctx); err != nil {
		log.Error().Err(err).Msg("failed to load pending revocations")
	}
	go func() {
		if err := revManager.Run(ctx, revStore); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("revocation subscription loop exited")
		}
	}()

	limiter := ratelimit.NewRedis(redisClient)
	locks := partitionlock.NewRedis(redisClient)
	tracker := exectracker.NewRedis(redisClient)

	delayedStore := delayed.NewRedis(redisClient)
	delayedDispatcher := delayed.NewDispatcher(delayedStore, b.Publish)
	delayedDispatcher.OnError(func(err error) {
		logger.WithComponent("delayed").Error().Err(err).Msg("delayed dispatch failed")
	})
	go func() {
		if err := delayedDispatcher.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("delayed dispatcher exited")
		}
	}()

	inbox := outbox.NewRedisInbox(redisClient)
	outboxStore := outbox.NewRedis(redisClient)
	outboxProcessor := outbox.NewProcessor(outboxStore, b.Publish, time.Now)
	outboxProcessor.OnError(func(err error) {
		logger.WithOutbox("").Error().Err(err).Msg("outbox dispatch failed")
	})
	go func() {
		if err := outboxProcessor.Run(ctx, cfg.Worker.Concurrency); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("outbox processor exited")
		}
	}()
	go func() {
		if err := outboxProcessor.CleanupLoop(ctx, time.Hour); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("outbox cleanup loop exited")
		}
	}()

	sagaStore := saga.NewRedis(redisClient)

	signals := signalbus.NewRedisBus(redisClient)

	metricsStore := metricsstore.NewMemory(7 * 24 * time.Hour)
	metricsCollector := metricsstore.NewCollector(metricsStore)

	breakerCfg := breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		FailureWindow:    cfg.Breaker.FailureWindow,
		OpenDuration:     cfg.Breaker.OpenDuration,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
	}
	breakers := breaker.NewRegistry(func(string) breaker.Config { return breakerCfg })

	exec := executor.New("", reg, results, b)
	exec.Revocation = revManager
	exec.RateLimiter = limiter
	exec.Tracker = tracker
	exec.Locks = locks
	exec.Delayed = delayedStore
	exec.Inbox = inbox
	exec.DeadLetters = dlStore
	exec.Sagas = sagaStore
	exec.Signals = signals
	exec.Metrics = metricsCollector
	exec.Breaker = breakers
	if cfg.Executor.TrackerTimeout > 0 {
		exec.TrackerTimeout = cfg.Executor.TrackerTimeout
	}
	if cfg.Executor.PartitionLockTimeout > 0 {
		exec.PartitionLockTimeout = cfg.Executor.PartitionLockTimeout
	}
	if cfg.Executor.DefaultRequeueDelay > 0 {
		exec.DefaultRequeueDelay = cfg.Executor.DefaultRequeueDelay
	}
	if cfg.Executor.DeadLetterRetention > 0 {
		exec.DeadLetterRetention = cfg.Executor.DeadLetterRetention
	}

	queues := cfg.Queue.Priorities
	if len(queues) == 0 {
		queues = []string{"critical", "high", "normal", "low"}
	}

	pool := worker.NewPool(&cfg.Worker, &cfg.Queue, b, exec, redisClient, queues)

	if err := pool.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start worker pool")
	}

	go reportGauges(ctx, redisClient, b, queues)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down worker...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	if err := pool.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Worker shutdown error")
	}
	cancel()

	log.Info().Msg("Worker stopped")
}

// reportGauges periodically refreshes the queue-depth and active-worker
// Prometheus gauges; the rest of metricsstore's counters/histograms are
// updated inline as tasks complete.
func reportGauges(ctx context.Context, redisClient *redis.Client, b broker.Broker, queues []string) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, q := range queues {
				depth, err := b.QueueDepth(ctx, q)
				if err != nil {
					continue
				}
				metricsstore.SetQueueDepth(q, float64(depth))
			}

			active, err := worker.GetActiveWorkers(ctx, redisClient)
			if err == nil {
				metricsstore.SetActiveWorkers(float64(len(active)))
			}
		}
	}
}
