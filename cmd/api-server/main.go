package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskqueue-go/core/internal/api"
	"github.com/taskqueue-go/core/internal/broker"
	"github.com/taskqueue-go/core/internal/config"
	"github.com/taskqueue-go/core/internal/deadletter"
	"github.com/taskqueue-go/core/internal/delayed"
	"github.com/taskqueue-go/core/internal/logger"
	"github.com/taskqueue-go/core/internal/metricsstore"
	"github.com/taskqueue-go/core/internal/registry"
	"github.com/taskqueue-go/core/internal/resultbackend"
	"github.com/taskqueue-go/core/internal/revocation"
	"github.com/taskqueue-go/core/internal/serializer"
	"github.com/taskqueue-go/core/internal/signalbus"
	"github.com/taskqueue-go/core/internal/tasks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel, os.Getenv("ENV") != "production")
	log := logger.Get()
	log.Info().Msg("Starting API server...")

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
	defer b.Close()

	results := resultbackend.NewRedis(redisClient)
	dlStore := deadletter.NewRedis(redisClient)
	delayedStore := delayed.NewRedis(redisClient)
	revStore := revocation.NewRedisStore(redisClient)
	revManager := revocation.NewManager(revStore)
	metricsStore := metricsstore.NewMemory(7 * 24 * time.Hour)
	signals := signalbus.NewRedisBus(redisClient)

	queues := cfg.Queue.Priorities
	if len(queues) == 0 {
		queues = []string{"critical", "high", "normal", "low"}
	}

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

	server := api.NewServer(cfg, api.Deps{
		RedisClient: redisClient,
		Registry:    reg,
		Broker:      b,
		Results:     results,
		Delayed:     delayedStore,
		DeadLetters: dlStore,
		Revocation:  revManager,
		Metrics:     metricsStore,
		Signals:     signals,
		Queues:      queues,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	server.Start(ctx)

	go func() {
		log.Info().
			Str("addr", httpServer.Addr).
			Msg("HTTP server listening")

		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	server.Stop()
	cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("Server stopped")
}
