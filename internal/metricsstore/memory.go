package metricsstore

import (
	"fmt"
	"sync"
	"time"
)

type agg struct {
	processed  int64
	success    int64
	failure    int64
	retry      int64
	revoked    int64
	durationMS int64
	lastAt     time.Time
}

func (a *agg) add(o TaskOutcome) {
	a.processed++
	a.durationMS += o.DurationMS
	if o.At.After(a.lastAt) {
		a.lastAt = o.At
	}
	switch o.State {
	case "Success":
		a.success++
	case "Failure":
		a.failure++
	case "Retry", "Requeued":
		a.retry++
	case "Revoked":
		a.revoked++
	}
}

func (a *agg) snapshot(taskName string) Snapshot {
	s := Snapshot{
		TaskName:       taskName,
		Processed:      a.processed,
		Success:        a.success,
		Failure:        a.failure,
		Retry:          a.retry,
		Revoked:        a.revoked,
		LastObservedAt: a.lastAt,
	}
	if a.processed > 0 {
		s.AvgDurationMS = float64(a.durationMS) / float64(a.processed)
	}
	return s
}

// Memory is an in-process Store: a running global+per-task total plus one
// bucketed map per StandardBuckets granularity, each keyed by the
// epoch-aligned bucket start. Bounded by bucketRetention: buckets older
// than that are dropped on the next Record call so memory doesn't grow
// without bound across a long-lived process.
type Memory struct {
	mu sync.Mutex

	global   agg
	byTask   map[string]*agg
	buckets  map[int64]map[int64]*agg // bucketSeconds -> bucket start unix -> agg

	bucketRetention time.Duration
	clock           func() time.Time
}

// NewMemory creates an empty Memory store retaining buckets for
// retention (a zero value disables pruning).
func NewMemory(retention time.Duration) *Memory {
	m := &Memory{
		byTask:          make(map[string]*agg),
		buckets:         make(map[int64]map[int64]*agg),
		bucketRetention: retention,
		clock:           time.Now,
	}
	for _, b := range StandardBuckets {
		m.buckets[b] = make(map[int64]*agg)
	}
	return m
}

func (m *Memory) Record(o TaskOutcome) {
	if o.At.IsZero() {
		o.At = m.clock()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.global.add(o)

	byTask, ok := m.byTask[o.TaskName]
	if !ok {
		byTask = &agg{}
		m.byTask[o.TaskName] = byTask
	}
	byTask.add(o)

	for _, width := range StandardBuckets {
		start := alignDown(o.At, width).Unix()
		bucket, ok := m.buckets[width][start]
		if !ok {
			bucket = &agg{}
			m.buckets[width][start] = bucket
		}
		bucket.add(o)
	}

	m.pruneLocked()
}

func (m *Memory) pruneLocked() {
	if m.bucketRetention <= 0 {
		return
	}
	cutoff := m.clock().Add(-m.bucketRetention).Unix()
	for _, width := range StandardBuckets {
		for start := range m.buckets[width] {
			if start < cutoff {
				delete(m.buckets[width], start)
			}
		}
	}
}

func (m *Memory) GetMetrics() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.global.snapshot("")
}

func (m *Memory) GetMetricsByTaskName(taskName string) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byTask[taskName]
	if !ok {
		return Snapshot{TaskName: taskName}
	}
	return a.snapshot(taskName)
}

func (m *Memory) GetTimeSeries(bucketSeconds int64, since, until time.Time) ([]TimeBucket, error) {
	buckets, ok := m.buckets[bucketSeconds]
	if !ok {
		return nil, fmt.Errorf("metricsstore: unsupported bucket width %ds", bucketSeconds)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	start := alignDown(since, bucketSeconds).Unix()
	end := alignDown(until, bucketSeconds).Unix()

	var out []TimeBucket
	for t := start; t <= end; t += bucketSeconds {
		a, ok := buckets[t]
		tb := TimeBucket{
			Start: time.Unix(t, 0).UTC(),
			End:   time.Unix(t+bucketSeconds, 0).UTC(),
		}
		if ok {
			tb.Processed = a.processed
			tb.Success = a.success
			tb.Failure = a.failure
			tb.Retry = a.retry
			tb.Revoked = a.revoked
			tb.TasksPerSecond = float64(a.processed) / float64(bucketSeconds)
		}
		out = append(out, tb)
	}
	return out, nil
}
