//go:build integration
// +build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskqueue-go/core/internal/api"
	"github.com/taskqueue-go/core/internal/api/handlers"
	"github.com/taskqueue-go/core/internal/broker"
	"github.com/taskqueue-go/core/internal/config"
	"github.com/taskqueue-go/core/internal/core"
	"github.com/taskqueue-go/core/internal/deadletter"
	"github.com/taskqueue-go/core/internal/delayed"
	"github.com/taskqueue-go/core/internal/executor"
	"github.com/taskqueue-go/core/internal/logger"
	"github.com/taskqueue-go/core/internal/metricsstore"
	"github.com/taskqueue-go/core/internal/registry"
	"github.com/taskqueue-go/core/internal/resultbackend"
	"github.com/taskqueue-go/core/internal/revocation"
	"github.com/taskqueue-go/core/internal/serializer"
	"github.com/taskqueue-go/core/internal/signalbus"
	"github.com/taskqueue-go/core/internal/tasks"
	"github.com/taskqueue-go/core/internal/worker"
)

func init() {
	logger.Init("error", false)
}

func testConfig() *config.Config {
	return &config.Config{
		Redis: config.RedisConfig{
			Addr:         "localhost:6379",
			DB:           15, // separate DB for tests
			PoolSize:     10,
			MinIdleConns: 2,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Queue: config.QueueConfig{
			StreamPrefix:        "test_tasks",
			ConsumerGroup:       "test_workers",
			MaxQueueSize:        10000,
			BlockTimeout:        1 * time.Second,
			ClaimMinIdle:        5 * time.Second,
			RecoveryInterval:    5 * time.Second,
			RetryMaxAttempts:    3,
			RetryInitialBackoff: 100 * time.Millisecond,
			RetryMaxBackoff:     1 * time.Second,
			RetryBackoffFactor:  2.0,
			Priorities:          []string{"critical", "high", "normal", "low"},
		},
		Server: config.ServerConfig{
			Host:         "localhost",
			Port:         8080,
			AdminPort:    8081,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Metrics: config.MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

func setupTestServer(t *testing.T) (*api.Server, *redis.Client, func()) {
	cfg := testConfig()

	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.Redis.Addr,
		DB:   cfg.Redis.DB,
	})
	require.NoError(t, redisClient.Ping(context.Background()).Err())

	ser := serializer.NewRegistry()
	ser.Register(serializer.JSON{})
	ser.Register(serializer.Gob{})

	reg := registry.New(ser)
	tasks.Register(reg)

	b := broker.NewRedis(redisClient, cfg.Queue)
	results := resultbackend.NewRedis(redisClient)
	dlStore := deadletter.NewRedis(redisClient)
	delayedStore := delayed.NewRedis(redisClient)
	revManager := revocation.NewManager(revocation.NewRedisStore(redisClient))
	metricsStore := metricsstore.NewMemory(time.Hour)
	signals := signalbus.NewRedisBus(redisClient)

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
		Queues:      cfg.Queue.Priorities,
	})

	cleanup := func() {
		ctx := context.Background()
		redisClient.FlushDB(ctx)
		b.Close()
		redisClient.Close()
	}

	return server, redisClient, cleanup
}

func TestTaskLifecycle_CreateAndGet(t *testing.T) {
	server, _, cleanup := setupTestServer(t)
	defer cleanup()

	createReq := handlers.CreateTaskRequest{
		Task:       "echo",
		Args:       json.RawMessage(`{"payload":"hello"}`),
		Queue:      "high",
		MaxRetries: 5,
	}
	body, _ := json.Marshal(createReq)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	server.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)

	var createResp core.TaskMessage
	err := json.Unmarshal(w.Body.Bytes(), &createResp)
	require.NoError(t, err)

	assert.NotEmpty(t, createResp.ID)
	assert.Equal(t, "echo", createResp.Task)
	assert.Equal(t, "high", createResp.Queue)

	// The task hasn't run yet, so there's no result to fetch.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/tasks/"+createResp.ID, nil)
	w = httptest.NewRecorder()

	server.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTaskLifecycle_CreateUnknownTask(t *testing.T) {
	server, _, cleanup := setupTestServer(t)
	defer cleanup()

	createReq := handlers.CreateTaskRequest{
		Task: "does-not-exist",
	}
	body, _ := json.Marshal(createReq)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	server.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTaskLifecycle_Cancel(t *testing.T) {
	server, _, cleanup := setupTestServer(t)
	defer cleanup()

	createReq := handlers.CreateTaskRequest{
		Task:  "sleep",
		Args:  json.RawMessage(`{"duration_ms":60000}`),
		Queue: "normal",
	}
	body, _ := json.Marshal(createReq)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	server.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	var createResp core.TaskMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &createResp))

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/tasks/"+createResp.ID, nil)
	w = httptest.NewRecorder()

	server.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var cancelResp map[string]string
	err := json.Unmarshal(w.Body.Bytes(), &cancelResp)
	require.NoError(t, err)

	assert.Equal(t, createResp.ID, cancelResp["taskId"])
	assert.Equal(t, "revoked", cancelResp["status"])
}

func TestTaskLifecycle_ListQueues(t *testing.T) {
	server, _, cleanup := setupTestServer(t)
	defer cleanup()

	for _, q := range []string{"critical", "high", "normal", "low"} {
		createReq := handlers.CreateTaskRequest{
			Task:  "echo",
			Args:  json.RawMessage(`{"payload":"x"}`),
			Queue: q,
		}
		body, _ := json.Marshal(createReq)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		server.ServeHTTP(w, req)
		require.Equal(t, http.StatusCreated, w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
	w := httptest.NewRecorder()

	server.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var listResp map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &listResp)
	require.NoError(t, err)

	assert.Contains(t, listResp, "queue_depths")
	assert.Contains(t, listResp, "total_pending")
}

func TestTaskLifecycle_GetNotFound(t *testing.T) {
	server, _, cleanup := setupTestServer(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/nonexistent-id", nil)
	w := httptest.NewRecorder()

	server.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminEndpoints_Health(t *testing.T) {
	server, _, cleanup := setupTestServer(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/admin/health", nil)
	w := httptest.NewRecorder()

	server.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	require.NoError(t, err)

	assert.Equal(t, "healthy", resp["status"])
	assert.Equal(t, "connected", resp["redis"])
}

func TestAdminEndpoints_ListWorkers(t *testing.T) {
	server, _, cleanup := setupTestServer(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/admin/workers", nil)
	w := httptest.NewRecorder()

	server.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	require.NoError(t, err)

	assert.Contains(t, resp, "workers")
	assert.Contains(t, resp, "count")
}

func TestAdminEndpoints_GetQueues(t *testing.T) {
	server, _, cleanup := setupTestServer(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/admin/queues", nil)
	w := httptest.NewRecorder()

	server.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	require.NoError(t, err)

	assert.Contains(t, resp, "queues")
	assert.Contains(t, resp, "total_depth")
}

func TestAdminEndpoints_DLQ(t *testing.T) {
	server, _, cleanup := setupTestServer(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/admin/dlq", nil)
	w := httptest.NewRecorder()

	server.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	require.NoError(t, err)

	assert.Contains(t, resp, "entries")
	assert.Contains(t, resp, "size")
}

func TestAdminEndpoints_Metrics(t *testing.T) {
	server, _, cleanup := setupTestServer(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/admin/metrics/summary", nil)
	w := httptest.NewRecorder()

	server.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWorkerPool_StartStop(t *testing.T) {
	cfg := testConfig()
	cfg.Worker = config.WorkerConfig{
		ID:                "test-worker",
		Concurrency:       2,
		HeartbeatInterval: 1 * time.Second,
		HeartbeatTimeout:  3 * time.Second,
		ShutdownTimeout:   5 * time.Second,
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.Redis.Addr,
		DB:   cfg.Redis.DB,
	})
	require.NoError(t, redisClient.Ping(context.Background()).Err())
	defer redisClient.Close()

	ser := serializer.NewRegistry()
	ser.Register(serializer.JSON{})
	reg := registry.New(ser)
	tasks.Register(reg)

	b := broker.NewRedis(redisClient, cfg.Queue)
	defer b.Close()
	results := resultbackend.NewRedis(redisClient)

	exec := executor.New(cfg.Worker.ID, reg, results, b)

	pool := worker.NewPool(&cfg.Worker, &cfg.Queue, b, exec, redisClient, cfg.Queue.Priorities)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := pool.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, "test-worker", pool.ID())

	time.Sleep(100 * time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()

	err = pool.Stop(stopCtx)
	require.NoError(t, err)

	redisClient.FlushDB(context.Background())
}
