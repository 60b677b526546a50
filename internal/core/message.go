// Package core holds the wire-level records shared by every component of
// the task queue core: the message a producer sends, the result a worker
// reports, and the supporting records (outbox, inbox, dead-letter, saga,
// partition lock, revocation, metrics) owned by the various store contracts.
package core

import "time"

// TaskMessage is the record a producer publishes and a worker consumes.
type TaskMessage struct {
	ID          string            `json:"id"`
	Task        string            `json:"task"`
	Args        []byte            `json:"args"`
	ContentType string            `json:"contentType"`
	Queue       string            `json:"queue"`
	Priority    int               `json:"priority"`
	MaxRetries  int               `json:"maxRetries"`
	Countdown   *time.Duration    `json:"countdown,omitempty"`
	ETA         *time.Time        `json:"eta,omitempty"`
	Expires     *time.Time        `json:"expires,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	StoreResult bool              `json:"storeResult"`
	Retries     int               `json:"retries"`

	CorrelationID string     `json:"correlationId,omitempty"`
	Link          *Signature `json:"link,omitempty"`
	LinkError     *Signature `json:"linkError,omitempty"`
}

// EffectiveETA resolves the mutually-reducible eta/countdown pair: an
// explicit ETA wins, otherwise countdown is measured from now.
func (m *TaskMessage) EffectiveETA(now time.Time) time.Time {
	if m.ETA != nil {
		return *m.ETA
	}
	if m.Countdown != nil {
		return now.Add(*m.Countdown)
	}
	return now
}

// IsExpired reports whether the message's expiry has passed as of now.
func (m *TaskMessage) IsExpired(now time.Time) bool {
	return m.Expires != nil && m.Expires.Before(now)
}

// TaskState enumerates the lifecycle states of a TaskResult.
type TaskState string

const (
	StatePending  TaskState = "Pending"
	StateReceived TaskState = "Received"
	StateStarted  TaskState = "Started"
	StateProgress TaskState = "Progress"
	StateSuccess  TaskState = "Success"
	StateFailure  TaskState = "Failure"
	StateRetry    TaskState = "Retry"
	StateRevoked  TaskState = "Revoked"
	StateRejected TaskState = "Rejected"
	StateRequeued TaskState = "Requeued"
)

// IsTerminal reports whether a state is a monotonic terminal state — once
// reached, a TaskResult in this state is never overwritten by a
// non-terminal update.
func (s TaskState) IsTerminal() bool {
	switch s {
	case StateSuccess, StateFailure, StateRevoked, StateRejected:
		return true
	default:
		return false
	}
}

// ExceptionInfo is the nested exception/error record carried by TaskResult
// and DeadLetterMessage.
type ExceptionInfo struct {
	Type       string         `json:"type"`
	Message    string         `json:"message"`
	StackTrace string         `json:"stackTrace,omitempty"`
	Cause      *ExceptionInfo `json:"innerException,omitempty"`
}

func (e *ExceptionInfo) Error() string {
	if e == nil {
		return ""
	}
	return e.Type + ": " + e.Message
}

// TaskResult is the per-task terminal or intermediate record kept by the
// Result Backend.
type TaskResult struct {
	TaskID      string         `json:"taskId"`
	State       TaskState      `json:"state"`
	Result      []byte         `json:"result,omitempty"`
	ContentType string         `json:"contentType,omitempty"`
	Exception   *ExceptionInfo `json:"exception,omitempty"`
	CompletedAt time.Time      `json:"completedAt"`
	DurationMS  int64          `json:"durationMs"`
	Retries     int            `json:"retries"`
	Worker      string         `json:"worker,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	ExpiresAt   *time.Time     `json:"expiresAt,omitempty"`

	// DoNotIncrementRetries marks a Retry result produced by rate limiting
	// or similar admission control: it must not count against MaxRetries.
	DoNotIncrementRetries bool           `json:"-"`
	RequeueDelay          *time.Duration `json:"-"`
}
