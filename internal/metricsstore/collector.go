package metricsstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskqueue_tasks_published_total",
			Help: "Total number of task messages published",
		},
		[]string{"task", "queue"},
	)

	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskqueue_tasks_completed_total",
			Help: "Total number of tasks reaching a terminal or retry state",
		},
		[]string{"task", "state"},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskqueue_task_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"task"},
	)

	TaskRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskqueue_task_retries_total",
			Help: "Total number of task retries",
		},
		[]string{"task"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskqueue_queue_depth",
			Help: "Current number of pending messages in a queue",
		},
		[]string{"queue"},
	)

	ActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskqueue_active_workers",
			Help: "Current number of active workers",
		},
	)

	WorkerBusySeconds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskqueue_worker_busy_seconds_total",
			Help: "Total time workers spent executing handlers",
		},
		[]string{"worker_id"},
	)

	DeadLetterSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskqueue_dead_letter_size",
			Help: "Current number of non-expired dead-letter entries",
		},
	)

	DeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskqueue_dead_lettered_total",
			Help: "Total number of tasks routed to the dead-letter store",
		},
		[]string{"task", "reason"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskqueue_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskqueue_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskqueue_websocket_connections",
			Help: "Current number of WebSocket connections",
		},
	)

	WebSocketMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskqueue_websocket_messages_total",
			Help: "Total number of WebSocket messages sent",
		},
		[]string{"type"},
	)
)

// Collector bridges one TaskOutcome into both the Prometheus vectors
// above (for scraping) and a Store (for the historical GetTimeSeries
// queries Prometheus's pull model can't answer directly).
type Collector struct {
	Store Store
}

// NewCollector creates a Collector over store.
func NewCollector(store Store) *Collector {
	return &Collector{Store: store}
}

// RecordOutcome is called once per Executor.Run result.
func (c *Collector) RecordOutcome(o TaskOutcome) {
	TasksCompleted.WithLabelValues(o.TaskName, o.State).Inc()
	TaskDuration.WithLabelValues(o.TaskName).Observe(float64(o.DurationMS) / 1000)
	if o.State == "Retry" || o.State == "Requeued" {
		TaskRetries.WithLabelValues(o.TaskName).Inc()
	}
	if c.Store != nil {
		c.Store.Record(o)
	}
}

// RecordPublish records a task handed to the broker.
func RecordPublish(task, queue string) {
	TasksPublished.WithLabelValues(task, queue).Inc()
}

// RecordDeadLetter records a task routed to the dead-letter store.
func RecordDeadLetter(task, reason string) {
	DeadLettered.WithLabelValues(task, reason).Inc()
}

// SetQueueDepth updates the queue depth gauge.
func SetQueueDepth(queue string, depth float64) {
	QueueDepth.WithLabelValues(queue).Set(depth)
}

// SetActiveWorkers updates the active workers gauge.
func SetActiveWorkers(count float64) {
	ActiveWorkers.Set(count)
}

// RecordWorkerBusy adds to a worker's busy-time counter.
func RecordWorkerBusy(workerID string, seconds float64) {
	WorkerBusySeconds.WithLabelValues(workerID).Add(seconds)
}

// SetDeadLetterSize updates the dead-letter size gauge.
func SetDeadLetterSize(size float64) {
	DeadLetterSize.Set(size)
}

// RecordHTTPRequest records one HTTP request/response cycle.
func RecordHTTPRequest(method, path, status string, seconds float64) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(seconds)
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// SetWebSocketConnections updates the WebSocket connection gauge.
func SetWebSocketConnections(count float64) {
	WebSocketConnections.Set(count)
}

// RecordWebSocketMessage records one broadcast WebSocket message.
func RecordWebSocketMessage(signalType string) {
	WebSocketMessages.WithLabelValues(signalType).Inc()
}
