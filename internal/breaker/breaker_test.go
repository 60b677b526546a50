package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskqueue-go/core/internal/core"
)

var errBoom = errors.New("boom")

func TestBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	r := NewRegistry(func(string) Config {
		return Config{FailureThreshold: 3, OpenDuration: time.Hour, SuccessThreshold: 1}
	})
	b := r.Get("send-email")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := b.Execute(ctx, func() ([]byte, error) { return nil, errBoom })
		assert.ErrorIs(t, err, errBoom)
	}

	_, err := b.Execute(ctx, func() ([]byte, error) { return []byte("ok"), nil })
	assert.ErrorIs(t, err, core.ErrCircuitOpen)
	assert.Equal(t, "open", b.State())
}

func TestBreaker_IgnoredErrorsDoNotCountTowardTrip(t *testing.T) {
	r := NewRegistry(func(string) Config {
		return Config{FailureThreshold: 2, OpenDuration: time.Hour, SuccessThreshold: 1, Ignored: []error{errBoom}}
	})
	b := r.Get("send-email")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := b.Execute(ctx, func() ([]byte, error) { return nil, errBoom })
		assert.ErrorIs(t, err, errBoom)
	}
	assert.Equal(t, "closed", b.State())
}

func TestBreaker_TripOnlyRestrictsWhichErrorsCount(t *testing.T) {
	tripErr := errors.New("trip-worthy")
	r := NewRegistry(func(string) Config {
		return Config{FailureThreshold: 2, OpenDuration: time.Hour, SuccessThreshold: 1, TripOnly: []error{tripErr}}
	})
	b := r.Get("charge-card")
	ctx := context.Background()

	_, err := b.Execute(ctx, func() ([]byte, error) { return nil, errBoom })
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, "closed", b.State(), "non-trip-worthy error must not count toward tripping")

	for i := 0; i < 2; i++ {
		_, err := b.Execute(ctx, func() ([]byte, error) { return nil, tripErr })
		assert.ErrorIs(t, err, tripErr)
	}
	assert.Equal(t, "open", b.State())
}

func TestRegistry_GetCachesBreakerPerKey(t *testing.T) {
	r := NewRegistry(nil)
	a1 := r.Get("a")
	a2 := r.Get("a")
	b1 := r.Get("b")
	assert.Same(t, a1, a2)
	assert.NotSame(t, a1, b1)

	states := r.State()
	assert.Contains(t, states, "a")
	assert.Contains(t, states, "b")
}

func TestBreaker_HalfOpenRecoversAfterOpenDuration(t *testing.T) {
	r := NewRegistry(func(string) Config {
		return Config{FailureThreshold: 1, OpenDuration: 10 * time.Millisecond, SuccessThreshold: 1}
	})
	b := r.Get("recover-me")
	ctx := context.Background()

	_, err := b.Execute(ctx, func() ([]byte, error) { return nil, errBoom })
	require.Error(t, err)
	assert.Equal(t, "open", b.State())

	time.Sleep(20 * time.Millisecond)

	result, err := b.Execute(ctx, func() ([]byte, error) { return []byte("recovered"), nil })
	require.NoError(t, err)
	assert.Equal(t, []byte("recovered"), result)
	assert.Equal(t, "closed", b.State())
}
