package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/taskqueue-go/core/internal/api/handlers"
	"github.com/taskqueue-go/core/internal/core"
	"github.com/taskqueue-go/core/internal/worker"
)

// CreateTaskRequest is the payload accepted by SubmitTask.
type CreateTaskRequest = handlers.CreateTaskRequest

// TaskResponse is what the server returns for a submitted or completed task.
type TaskResponse = core.TaskMessage

// TaskResult is the terminal outcome of a task, as recorded by the result backend.
type TaskResult = core.TaskResult

// QueueStats reports pending message counts per queue.
type QueueStats struct {
	QueueDepths  map[string]int64 `json:"queue_depths"`
	TotalPending int64            `json:"total_pending"`
}

// HealthResponse reports API server health.
type HealthResponse struct {
	Status string `json:"status"`
	Redis  string `json:"redis"`
	Error  string `json:"error,omitempty"`
}

// WorkerListResponse lists every currently active worker.
type WorkerListResponse struct {
	Workers []worker.WorkerInfo `json:"workers"`
	Count   int                 `json:"count"`
}

// DLQListResponse lists dead-lettered entries.
type DLQListResponse struct {
	Entries []core.DeadLetterMessage `json:"entries"`
	Size    int64                    `json:"size"`
}

// errorResponse mirrors handlers.ErrorResponse.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// TaskQueueClient is a thin HTTP client over the task queue's REST API,
// with an optional companion WebSocket connection for live signal events.
type TaskQueueClient struct {
	baseURL    string
	httpClient *http.Client
	opts       *options
	ws         *WebSocketClient
}

// New creates a new TaskQueueClient.
func New(baseURL string, opts ...Option) (*TaskQueueClient, error) {
	// Ensure URL doesn't have trailing slash for consistency
	baseURL = strings.TrimSuffix(baseURL, "/")

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	return &TaskQueueClient{
		baseURL:    baseURL,
		httpClient: o.httpClient,
		opts:       o,
	}, nil
}

// do issues an HTTP request, encoding body (if non-nil) as JSON and
// decoding the response into out (if non-nil and the body is non-empty).
func (c *TaskQueueClient) do(ctx context.Context, method, path string, body, out interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.opts.applyHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var errResp errorResponse
		if json.Unmarshal(data, &errResp) == nil && errResp.Message != "" {
			return resp.StatusCode, fmt.Errorf("%s: %s", errResp.Error, errResp.Message)
		}
		return resp.StatusCode, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}

	return resp.StatusCode, nil
}

// ConnectWebSocket establishes a WebSocket connection for real-time events.
func (c *TaskQueueClient) ConnectWebSocket(ctx context.Context) error {
	if c.ws != nil && c.ws.IsConnected() {
		return nil
	}
	c.ws = newWebSocketClient(c.baseURL, c.opts.apiKey)
	return c.ws.Connect(ctx)
}

// Events returns a channel that receives WebSocket events.
// Must call ConnectWebSocket first.
func (c *TaskQueueClient) Events() <-chan *Event {
	if c.ws == nil {
		ch := make(chan *Event)
		close(ch)
		return ch
	}
	return c.ws.Events()
}

// CloseWebSocket closes the WebSocket connection.
func (c *TaskQueueClient) CloseWebSocket() error {
	if c.ws == nil {
		return nil
	}
	return c.ws.Close()
}

// SubscribeEvents subscribes to specific event types.
func (c *TaskQueueClient) SubscribeEvents(eventTypes ...EventType) error {
	if c.ws == nil {
		return fmt.Errorf("websocket not connected")
	}
	return c.ws.Subscribe(eventTypes...)
}

// Helper methods that provide a cleaner interface

// SubmitTask creates a new task and returns the created (or scheduled) task message.
func (c *TaskQueueClient) SubmitTask(ctx context.Context, req CreateTaskRequest) (*TaskResponse, error) {
	var resp TaskResponse
	if _, err := c.do(ctx, http.MethodPost, "/api/v1/tasks", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetTaskByID retrieves a task's stored result by its ID.
func (c *TaskQueueClient) GetTaskByID(ctx context.Context, taskID string) (*TaskResult, error) {
	var resp TaskResult
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/tasks/"+taskID, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CancelTaskByID revokes a task by its ID.
func (c *TaskQueueClient) CancelTaskByID(ctx context.Context, taskID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/api/v1/tasks/"+taskID, nil, nil)
	return err
}

// GetQueueStatistics returns the current queue depths.
func (c *TaskQueueClient) GetQueueStatistics(ctx context.Context) (*QueueStats, error) {
	var resp QueueStats
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/tasks", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CheckHealth checks the health of the API server.
func (c *TaskQueueClient) CheckHealth(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if _, err := c.do(ctx, http.MethodGet, "/admin/health", nil, &resp); err != nil {
		return &resp, err
	}
	return &resp, nil
}

// ListAllWorkers returns all active workers.
func (c *TaskQueueClient) ListAllWorkers(ctx context.Context) (*WorkerListResponse, error) {
	var resp WorkerListResponse
	if _, err := c.do(ctx, http.MethodGet, "/admin/workers", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PauseWorkerByID pauses a worker.
func (c *TaskQueueClient) PauseWorkerByID(ctx context.Context, workerID string) error {
	_, err := c.do(ctx, http.MethodPost, "/admin/workers/"+workerID+"/pause", nil, nil)
	return err
}

// ResumeWorkerByID resumes a paused worker.
func (c *TaskQueueClient) ResumeWorkerByID(ctx context.Context, workerID string) error {
	_, err := c.do(ctx, http.MethodPost, "/admin/workers/"+workerID+"/resume", nil, nil)
	return err
}

// GetDLQEntries returns all entries in the dead letter store.
func (c *TaskQueueClient) GetDLQEntries(ctx context.Context) (*DLQListResponse, error) {
	var resp DLQListResponse
	if _, err := c.do(ctx, http.MethodGet, "/admin/dlq", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RetryDLQTask retries a specific dead-letter entry by its ID.
func (c *TaskQueueClient) RetryDLQTask(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodPost, "/admin/dlq/retry", handlers.RetryDLQRequest{ID: id}, nil)
	return err
}

// RetryAllDLQTasks retries every dead-letter entry and returns how many were re-queued.
func (c *TaskQueueClient) RetryAllDLQTasks(ctx context.Context) (int, error) {
	var resp struct {
		RetriedCount int `json:"retried_count"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/admin/dlq/retry", handlers.RetryDLQRequest{RetryAll: true}, &resp); err != nil {
		return 0, err
	}
	return resp.RetriedCount, nil
}

// ClearDLQAll purges every entry from the dead letter store.
func (c *TaskQueueClient) ClearDLQAll(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodDelete, "/admin/dlq", nil, nil)
	return err
}
