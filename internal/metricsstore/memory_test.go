package metricsstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGetMetricsAggregatesGlobally(t *testing.T) {
	m := NewMemory(0)
	now := time.Now().UTC()

	m.Record(TaskOutcome{TaskName: "a", State: "Success", DurationMS: 100, At: now})
	m.Record(TaskOutcome{TaskName: "b", State: "Failure", DurationMS: 200, At: now})
	m.Record(TaskOutcome{TaskName: "a", State: "Success", DurationMS: 300, At: now})

	snap := m.GetMetrics()
	assert.Equal(t, int64(3), snap.Processed)
	assert.Equal(t, int64(2), snap.Success)
	assert.Equal(t, int64(1), snap.Failure)
	assert.InDelta(t, 200.0, snap.AvgDurationMS, 0.001)
}

func TestMemoryGetMetricsByTaskNameIsolatesTask(t *testing.T) {
	m := NewMemory(0)
	now := time.Now().UTC()

	m.Record(TaskOutcome{TaskName: "a", State: "Success", DurationMS: 100, At: now})
	m.Record(TaskOutcome{TaskName: "b", State: "Failure", DurationMS: 200, At: now})

	snapA := m.GetMetricsByTaskName("a")
	assert.Equal(t, int64(1), snapA.Processed)
	assert.Equal(t, int64(1), snapA.Success)

	snapMissing := m.GetMetricsByTaskName("unknown")
	assert.Equal(t, int64(0), snapMissing.Processed)
}

func TestMemoryGetTimeSeriesBucketsByMinute(t *testing.T) {
	m := NewMemory(0)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	m.Record(TaskOutcome{TaskName: "a", State: "Success", At: base})
	m.Record(TaskOutcome{TaskName: "a", State: "Success", At: base.Add(30 * time.Second)})
	m.Record(TaskOutcome{TaskName: "a", State: "Success", At: base.Add(90 * time.Second)})

	series, err := m.GetTimeSeries(Bucket1m, base, base.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, series, 3)

	assert.Equal(t, int64(2), series[0].Processed)
	assert.Equal(t, int64(1), series[1].Processed)
	assert.Equal(t, int64(0), series[2].Processed)
	assert.InDelta(t, 2.0/60, series[0].TasksPerSecond, 0.0001)
}

func TestMemoryGetTimeSeriesRejectsUnknownBucketWidth(t *testing.T) {
	m := NewMemory(0)
	_, err := m.GetTimeSeries(42, time.Now(), time.Now())
	assert.Error(t, err)
}

func TestMemoryPrunesOldBucketsOnRetention(t *testing.T) {
	m := NewMemory(time.Minute)
	old := time.Now().Add(-time.Hour)
	m.Record(TaskOutcome{TaskName: "a", State: "Success", At: old})
	m.Record(TaskOutcome{TaskName: "a", State: "Success", At: time.Now()})

	m.mu.Lock()
	_, stillPresent := m.buckets[Bucket1m][alignDown(old, Bucket1m).Unix()]
	m.mu.Unlock()
	assert.False(t, stillPresent)
}
