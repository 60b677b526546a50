package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/taskqueue-go/core/internal/broker"
	"github.com/taskqueue-go/core/internal/core"
	"github.com/taskqueue-go/core/internal/delayed"
	"github.com/taskqueue-go/core/internal/logger"
	"github.com/taskqueue-go/core/internal/registry"
	"github.com/taskqueue-go/core/internal/resultbackend"
	"github.com/taskqueue-go/core/internal/revocation"
	"github.com/taskqueue-go/core/internal/serializer"
)

// CreateTaskRequest is the wire shape accepted by POST /api/v1/tasks.
type CreateTaskRequest struct {
	Task        string          `json:"task"`
	Args        json.RawMessage `json:"args"`
	Queue       string          `json:"queue"`
	CountdownMS int64           `json:"countdownMs,omitempty"`
	ETA         *time.Time      `json:"eta,omitempty"`
	ExpiresMS   int64           `json:"expiresMs,omitempty"`
	MaxRetries  int             `json:"maxRetries,omitempty"`
	StoreResult bool            `json:"storeResult,omitempty"`
}

// TaskHandler handles the task submission/inspection/cancellation HTTP
// surface over the registry, broker, result backend, delayed store, and
// revocation manager.
type TaskHandler struct {
	registry     *registry.Registry
	broker       broker.Broker
	results      resultbackend.Backend
	delayed      delayed.Store
	revocation   *revocation.Manager
	maxQueueSize int64
	queues       []string
}

// NewTaskHandler creates a TaskHandler. queues lists every queue name
// List reports depth for.
func NewTaskHandler(reg *registry.Registry, b broker.Broker, results resultbackend.Backend, delayedStore delayed.Store, rev *revocation.Manager, maxQueueSize int64, queues []string) *TaskHandler {
	return &TaskHandler{
		registry:     reg,
		broker:       b,
		results:      results,
		delayed:      delayedStore,
		revocation:   rev,
		maxQueueSize: maxQueueSize,
		queues:       queues,
	}
}

// Create handles POST /api/v1/tasks
func (h *TaskHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Task == "" {
		h.respondError(w, http.StatusBadRequest, "task name is required")
		return
	}
	if _, ok := h.registry.Get(req.Task); !ok {
		h.respondError(w, http.StatusBadRequest, "unknown task")
		return
	}

	queue := req.Queue
	if queue == "" {
		queue = "normal"
	}

	if h.maxQueueSize > 0 {
		depth, err := h.broker.QueueDepth(r.Context(), queue)
		if err == nil && depth >= h.maxQueueSize {
			h.respondError(w, http.StatusServiceUnavailable, "queue at capacity")
			return
		}
	}

	now := time.Now().UTC()
	msg := core.TaskMessage{
		ID:          core.NewTaskID(),
		Task:        req.Task,
		Args:        []byte(req.Args),
		ContentType: serializer.ContentTypeJSON,
		Queue:       queue,
		MaxRetries:  req.MaxRetries,
		Timestamp:   now,
		StoreResult: req.StoreResult,
	}
	if req.CountdownMS > 0 {
		d := time.Duration(req.CountdownMS) * time.Millisecond
		msg.Countdown = &d
	}
	if req.ETA != nil {
		msg.ETA = req.ETA
	}
	if req.ExpiresMS > 0 {
		exp := now.Add(time.Duration(req.ExpiresMS) * time.Millisecond)
		msg.Expires = &exp
	}

	eta := msg.EffectiveETA(now)
	if eta.After(now) && h.delayed != nil {
		if err := h.delayed.AddAsync(r.Context(), msg, eta); err != nil {
			logger.WithTask(msg.ID).Error().Err(err).Msg("failed to schedule task")
			h.respondError(w, http.StatusInternalServerError, "failed to schedule task")
			return
		}
		logger.WithTask(msg.ID).Info().Str("task", msg.Task).Time("eta", eta).Msg("task scheduled")
		h.respondJSON(w, http.StatusCreated, msg)
		return
	}

	if err := h.broker.Publish(r.Context(), msg); err != nil {
		logger.WithTask(msg.ID).Error().Err(err).Msg("failed to publish task")
		h.respondError(w, http.StatusInternalServerError, "failed to publish task")
		return
	}

	logger.WithTask(msg.ID).Info().Str("task", msg.Task).Str("queue", queue).Msg("task created")
	h.respondJSON(w, http.StatusCreated, msg)
}

// Get handles GET /api/v1/tasks/{taskID}
func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if taskID == "" {
		h.respondError(w, http.StatusBadRequest, "task ID is required")
		return
	}

	result, err := h.results.GetResult(r.Context(), taskID)
	if err != nil {
		logger.WithTask(taskID).Error().Err(err).Msg("failed to get task result")
		h.respondError(w, http.StatusInternalServerError, "failed to get task")
		return
	}
	if result == nil {
		h.respondError(w, http.StatusNotFound, "task not found")
		return
	}

	h.respondJSON(w, http.StatusOK, result)
}

// Cancel handles DELETE /api/v1/tasks/{taskID}
func (h *TaskHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if taskID == "" {
		h.respondError(w, http.StatusBadRequest, "task ID is required")
		return
	}

	opts := core.RevocationOptions{Terminate: true, Signal: core.SignalImmediate}
	if err := h.revocation.Revoke(r.Context(), []string{taskID}, opts); err != nil {
		logger.WithTask(taskID).Error().Err(err).Msg("failed to revoke task")
		h.respondError(w, http.StatusInternalServerError, "failed to cancel task")
		return
	}

	logger.WithTask(taskID).Info().Msg("task cancelled")
	h.respondJSON(w, http.StatusOK, map[string]string{"taskId": taskID, "status": "revoked"})
}

// List handles GET /api/v1/tasks: queue depths, since there is no
// secondary index of every task ever submitted.
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	depths := make(map[string]int64, len(h.queues))
	var total int64
	for _, q := range h.queues {
		depth, err := h.broker.QueueDepth(r.Context(), q)
		if err != nil {
			logger.Error().Err(err).Str("queue", q).Msg("failed to get queue depth")
			continue
		}
		depths[q] = depth
		total += depth
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"queue_depths":  depths,
		"total_pending": total,
	})
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (h *TaskHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (h *TaskHandler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
	})
}
