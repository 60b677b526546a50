package core

import "time"

// ExecutionRecord is the single-flight token kept by the Execution Tracker
// for a (task_name, key) pair.
type ExecutionRecord struct {
	TaskName  string
	Key       string
	TaskID    string
	StartedAt time.Time
	ExpiresAt time.Time
}

// DelayedMessage pairs a serialized TaskMessage with the time it becomes due.
type DelayedMessage struct {
	TaskID       string
	Message      TaskMessage
	DeliveryTime time.Time
}

// OutboxStatus enumerates the lifecycle of an OutboxMessage.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "Pending"
	OutboxDispatched OutboxStatus = "Dispatched"
	OutboxFailed     OutboxStatus = "Failed"
)

// MaxOutboxAttempts is the attempt count at which an OutboxMessage sticks
// in OutboxFailed instead of being retried again.
const MaxOutboxAttempts = 5

// OutboxMessage is a durable publish-intent row.
type OutboxMessage struct {
	ID             string
	Message        TaskMessage
	Status         OutboxStatus
	Attempts       int
	LastError      string
	CreatedAt      time.Time
	DispatchedAt   *time.Time
	SequenceNumber int64
}

// InboxRecord marks a message as already applied (idempotent-consume log).
type InboxRecord struct {
	MessageID   string
	ProcessedAt time.Time
}

// DeadLetterReason enumerates why a message was routed to the DLQ.
type DeadLetterReason string

const (
	ReasonMaxRetriesExceeded   DeadLetterReason = "MaxRetriesExceeded"
	ReasonRejected             DeadLetterReason = "Rejected"
	ReasonTimeLimitExceeded    DeadLetterReason = "TimeLimitExceeded"
	ReasonExpired              DeadLetterReason = "Expired"
	ReasonUnknownTask          DeadLetterReason = "UnknownTask"
	ReasonFailed               DeadLetterReason = "Failed"
	ReasonDeserializationFailed DeadLetterReason = "DeserializationFailed"
)

// DeadLetterMessage is a terminal-failure archive entry.
type DeadLetterMessage struct {
	ID                string
	TaskID            string
	TaskName          string
	Queue             string
	Reason            DeadLetterReason
	OriginalMessage   []byte
	Exception         *ExceptionInfo
	RetryCount        int
	Timestamp         time.Time
	ExpiresAt         time.Time
	Worker            string
}

// PartitionLock is an exclusive lease keyed by a user-defined partition key.
type PartitionLock struct {
	PartitionKey string
	TaskID       string
	AcquiredAt   time.Time
	ExpiresAt    time.Time
}

// RevocationSignal distinguishes Graceful from Immediate cancellation.
type RevocationSignal string

const (
	SignalGraceful  RevocationSignal = "Graceful"
	SignalImmediate RevocationSignal = "Immediate"
)

// RevocationOptions controls how a revocation is applied.
type RevocationOptions struct {
	Terminate bool
	Signal    RevocationSignal
}

// RevocationRecord is a persisted revoke order.
type RevocationRecord struct {
	TaskID    string
	Options   RevocationOptions
	CreatedAt time.Time
}

// MetricsSnapshot is a timestamped roll-up per (task_name?, queue?).
type MetricsSnapshot struct {
	Timestamp     time.Time
	TaskName      string
	Queue         string
	Success       int64
	Failure       int64
	Retry         int64
	Revoked       int64
	AvgExecMS     float64
}
