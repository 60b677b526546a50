package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/taskqueue-go/core/internal/broker"
	"github.com/taskqueue-go/core/internal/core"
	"github.com/taskqueue-go/core/internal/deadletter"
	"github.com/taskqueue-go/core/internal/logger"
	"github.com/taskqueue-go/core/internal/metricsstore"
	"github.com/taskqueue-go/core/internal/worker"
)

// AdminHandler handles admin API requests over the broker, dead-letter
// store, and historical metrics store, plus the worker pause/resume flags
// kept directly in Redis alongside the heartbeat keys.
type AdminHandler struct {
	redisClient *redis.Client
	broker      broker.Broker
	deadLetters deadletter.Store
	metrics     metricsstore.Store
	queues      []string
}

// NewAdminHandler creates a new admin handler. queues lists every queue
// name GetQueues/PurgeQueue operate over.
func NewAdminHandler(redisClient *redis.Client, b broker.Broker, dl deadletter.Store, metrics metricsstore.Store, queues []string) *AdminHandler {
	return &AdminHandler{
		redisClient: redisClient,
		broker:      b,
		deadLetters: dl,
		metrics:     metrics,
		queues:      queues,
	}
}

// ListWorkers handles GET /admin/workers
func (h *AdminHandler) ListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := worker.GetActiveWorkers(r.Context(), h.redisClient)
	if err != nil {
		logger.Error().Err(err).Msg("failed to get active workers")
		h.respondError(w, http.StatusInternalServerError, "failed to get workers")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"workers": workers,
		"count":   len(workers),
	})
}

// GetWorker handles GET /admin/workers/{workerID}
func (h *AdminHandler) GetWorker(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "workerID")
	if workerID == "" {
		h.respondError(w, http.StatusBadRequest, "worker ID is required")
		return
	}

	alive, err := worker.IsWorkerAlive(r.Context(), h.redisClient, workerID)
	if err != nil {
		logger.Error().Err(err).Str("worker_id", workerID).Msg("failed to check worker status")
		h.respondError(w, http.StatusInternalServerError, "failed to get worker")
		return
	}
	if !alive {
		h.respondError(w, http.StatusNotFound, "worker not found or not active")
		return
	}

	workers, err := worker.GetActiveWorkers(r.Context(), h.redisClient)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to get worker details")
		return
	}
	for _, wk := range workers {
		if wk.ID == workerID {
			h.respondJSON(w, http.StatusOK, wk)
			return
		}
	}

	h.respondError(w, http.StatusNotFound, "worker not found")
}

// GetQueues handles GET /admin/queues
func (h *AdminHandler) GetQueues(w http.ResponseWriter, r *http.Request) {
	var total int64
	queueStats := make(map[string]interface{}, len(h.queues))
	for _, q := range h.queues {
		depth, err := h.broker.QueueDepth(r.Context(), q)
		if err != nil {
			logger.Error().Err(err).Str("queue", q).Msg("failed to get queue depth")
			continue
		}
		queueStats[q] = map[string]interface{}{"depth": depth}
		total += depth
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"queues":      queueStats,
		"total_depth": total,
	})
}

// ListDLQ handles GET /admin/dlq
func (h *AdminHandler) ListDLQ(w http.ResponseWriter, r *http.Request) {
	entries, err := h.deadLetters.GetAll(r.Context(), 100, 0)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list dead-letter store")
		h.respondError(w, http.StatusInternalServerError, "failed to list DLQ")
		return
	}

	count, _ := h.deadLetters.GetCount(r.Context())

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"size":    count,
	})
}

// RetryDLQRequest represents a request to retry dead-lettered tasks. ID
// names a single dead-letter entry; RetryAll replays every entry.
type RetryDLQRequest struct {
	ID       string `json:"id,omitempty"`
	RetryAll bool   `json:"retry_all,omitempty"`
}

// RetryDLQ handles POST /admin/dlq/retry
func (h *AdminHandler) RetryDLQ(w http.ResponseWriter, r *http.Request) {
	var req RetryDLQRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.RetryAll {
		entries, err := h.deadLetters.GetAll(r.Context(), 10_000, 0)
		if err != nil {
			logger.Error().Err(err).Msg("failed to list dead-letter store")
			h.respondError(w, http.StatusInternalServerError, "failed to retry DLQ tasks")
			return
		}

		var retried int
		for _, entry := range entries {
			if err := h.requeueOne(r.Context(), entry.ID); err != nil {
				logger.Error().Err(err).Str("dlq_id", entry.ID).Msg("failed to requeue dead-letter entry")
				continue
			}
			retried++
		}

		h.respondJSON(w, http.StatusOK, map[string]interface{}{
			"message":       "tasks re-queued",
			"retried_count": retried,
		})
		return
	}

	if req.ID == "" {
		h.respondError(w, http.StatusBadRequest, "id or retry_all is required")
		return
	}

	if err := h.requeueOne(r.Context(), req.ID); err != nil {
		if err == core.ErrNotFound {
			h.respondError(w, http.StatusNotFound, "entry not found in DLQ")
			return
		}
		logger.Error().Err(err).Str("dlq_id", req.ID).Msg("failed to retry dead-letter entry")
		h.respondError(w, http.StatusInternalServerError, "failed to retry task")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"message": "task re-queued",
		"id":      req.ID,
	})
}

func (h *AdminHandler) requeueOne(ctx context.Context, id string) error {
	msg, err := deadletter.Requeue(ctx, h.deadLetters, id)
	if err != nil {
		return err
	}
	return h.broker.Publish(ctx, *msg)
}

// ClearDLQ handles DELETE /admin/dlq
func (h *AdminHandler) ClearDLQ(w http.ResponseWriter, r *http.Request) {
	if err := h.deadLetters.Purge(r.Context()); err != nil {
		logger.Error().Err(err).Msg("failed to clear DLQ")
		h.respondError(w, http.StatusInternalServerError, "failed to clear DLQ")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{"message": "DLQ cleared"})
}

// HealthCheck handles GET /admin/health
func (h *AdminHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.redisClient.Ping(r.Context()).Err(); err != nil {
		h.respondJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unhealthy",
			"redis":  "disconnected",
			"error":  err.Error(),
		})
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"redis":  "connected",
	})
}

// GetMetrics handles GET /admin/metrics/summary
func (h *AdminHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.metrics.GetMetrics())
}

// GetTaskMetrics handles GET /admin/metrics/tasks/{taskName}
func (h *AdminHandler) GetTaskMetrics(w http.ResponseWriter, r *http.Request) {
	taskName := chi.URLParam(r, "taskName")
	if taskName == "" {
		h.respondError(w, http.StatusBadRequest, "task name is required")
		return
	}
	h.respondJSON(w, http.StatusOK, h.metrics.GetMetricsByTaskName(taskName))
}

// GetTimeSeries handles GET /admin/metrics/timeseries?bucket=3600&since=...&until=...
func (h *AdminHandler) GetTimeSeries(w http.ResponseWriter, r *http.Request) {
	bucket := metricsstore.Bucket1h
	if raw := r.URL.Query().Get("bucket"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "invalid bucket width")
			return
		}
		bucket = parsed
	}

	until := time.Now().UTC()
	since := until.Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "invalid since timestamp")
			return
		}
		since = parsed
	}
	if raw := r.URL.Query().Get("until"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "invalid until timestamp")
			return
		}
		until = parsed
	}

	series, err := h.metrics.GetTimeSeries(bucket, since, until)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{"buckets": series})
}

// PauseWorker handles POST /admin/workers/{workerID}/pause
func (h *AdminHandler) PauseWorker(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "workerID")
	if workerID == "" {
		h.respondError(w, http.StatusBadRequest, "worker ID is required")
		return
	}

	alive, err := worker.IsWorkerAlive(r.Context(), h.redisClient, workerID)
	if err != nil {
		logger.Error().Err(err).Str("worker_id", workerID).Msg("failed to check worker status")
		h.respondError(w, http.StatusInternalServerError, "failed to check worker status")
		return
	}
	if !alive {
		h.respondError(w, http.StatusNotFound, "worker not found or not active")
		return
	}

	pauseKey := "worker:" + workerID + ":paused"
	if err := h.redisClient.Set(r.Context(), pauseKey, "1", 0).Err(); err != nil {
		logger.Error().Err(err).Str("worker_id", workerID).Msg("failed to pause worker")
		h.respondError(w, http.StatusInternalServerError, "failed to pause worker")
		return
	}

	logger.Info().Str("worker_id", workerID).Msg("worker paused")
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"message":   "worker paused",
		"worker_id": workerID,
	})
}

// ResumeWorker handles POST /admin/workers/{workerID}/resume
func (h *AdminHandler) ResumeWorker(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "workerID")
	if workerID == "" {
		h.respondError(w, http.StatusBadRequest, "worker ID is required")
		return
	}

	alive, err := worker.IsWorkerAlive(r.Context(), h.redisClient, workerID)
	if err != nil {
		logger.Error().Err(err).Str("worker_id", workerID).Msg("failed to check worker status")
		h.respondError(w, http.StatusInternalServerError, "failed to check worker status")
		return
	}
	if !alive {
		h.respondError(w, http.StatusNotFound, "worker not found or not active")
		return
	}

	pauseKey := "worker:" + workerID + ":paused"
	if err := h.redisClient.Del(r.Context(), pauseKey).Err(); err != nil {
		logger.Error().Err(err).Str("worker_id", workerID).Msg("failed to resume worker")
		h.respondError(w, http.StatusInternalServerError, "failed to resume worker")
		return
	}

	logger.Info().Str("worker_id", workerID).Msg("worker resumed")
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"message":   "worker resumed",
		"worker_id": workerID,
	})
}

// PurgeQueue handles DELETE /admin/queues/{queue}: drops every pending and
// in-flight message on the named queue's underlying stream.
func (h *AdminHandler) PurgeQueue(w http.ResponseWriter, r *http.Request) {
	queue := chi.URLParam(r, "queue")
	if queue == "" {
		h.respondError(w, http.StatusBadRequest, "queue is required")
		return
	}

	streamName := "tasks:" + queue
	if err := h.redisClient.Del(r.Context(), streamName).Err(); err != nil {
		logger.Error().Err(err).Str("queue", queue).Msg("failed to purge queue")
		h.respondError(w, http.StatusInternalServerError, "failed to purge queue")
		return
	}

	err := h.redisClient.XGroupCreateMkStream(r.Context(), streamName, "workers", "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		logger.Error().Err(err).Str("queue", queue).Msg("failed to recreate queue")
	}

	logger.Info().Str("queue", queue).Msg("queue purged")
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"message": "queue purged",
		"queue":   queue,
	})
}

func (h *AdminHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (h *AdminHandler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]interface{}{
		"error":   http.StatusText(status),
		"message": message,
	})
}
