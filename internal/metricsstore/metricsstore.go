// Package metricsstore implements the C18 queue metrics component: live
// Prometheus gauges/counters/histograms for scraping, plus an in-process
// bucketed historical store that answers "tasks_per_second over the last
// hour" style queries a point-in-time Prometheus scrape can't.
package metricsstore

import "time"

// Bucket widths the historical store keeps rollups at, matching the
// windows a dashboard typically offers (minute / hour / day / week).
const (
	Bucket1m  int64 = 60
	Bucket1h  int64 = 3600
	Bucket1d  int64 = 86400
	Bucket1w  int64 = 604800
)

// StandardBuckets lists every granularity GetTimeSeries accepts.
var StandardBuckets = []int64{Bucket1m, Bucket1h, Bucket1d, Bucket1w}

// Snapshot is a point-in-time roll-up, either global or scoped to one
// task name.
type Snapshot struct {
	TaskName        string    `json:"taskName,omitempty"`
	Processed       int64     `json:"processed"`
	Success         int64     `json:"success"`
	Failure         int64     `json:"failure"`
	Retry           int64     `json:"retry"`
	Revoked         int64     `json:"revoked"`
	AvgDurationMS   float64   `json:"avgDurationMs"`
	LastObservedAt  time.Time `json:"lastObservedAt,omitempty"`
}

// TimeBucket is one epoch-aligned rollup interval.
type TimeBucket struct {
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	Processed      int64     `json:"processed"`
	Success        int64     `json:"success"`
	Failure        int64     `json:"failure"`
	Retry          int64     `json:"retry"`
	Revoked        int64     `json:"revoked"`
	TasksPerSecond float64   `json:"tasksPerSecond"`
}

// TaskOutcome is one terminal-or-intermediate event the store rolls up.
// Recorded once per Executor.Run outcome.
type TaskOutcome struct {
	TaskName   string
	Queue      string
	State      string // Success, Failure, Retry, Revoked
	DurationMS int64
	At         time.Time
}

// Store is the C18 historical rollup contract. Record is called once per
// task outcome; the Get* methods serve dashboard/API queries.
type Store interface {
	Record(outcome TaskOutcome)
	GetMetrics() Snapshot
	GetMetricsByTaskName(taskName string) Snapshot
	GetTimeSeries(bucketSeconds int64, since, until time.Time) ([]TimeBucket, error)
}

// alignDown floors t to the start of the bucketSeconds-wide epoch-aligned
// interval containing it.
func alignDown(t time.Time, bucketSeconds int64) time.Time {
	unix := t.Unix()
	aligned := unix - (unix % bucketSeconds)
	return time.Unix(aligned, 0).UTC()
}
