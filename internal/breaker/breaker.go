// Package breaker implements the C13 per-key circuit breaker (wrapping
// sony/gobreaker) and the global kill switch: a sliding-window
// failure-rate gate distinct from any single breaker's own state.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/taskqueue-go/core/internal/core"
)

// Config controls how a per-key CircuitBreaker trips and recovers.
type Config struct {
	// FailureThreshold consecutive (or windowed, via FailureWindow)
	// failures trip the breaker from Closed to Open.
	FailureThreshold uint32
	// FailureWindow is the period after which a closed breaker clears its
	// rolling failure counts, whether or not requests arrived in it; zero
	// means counts never reset on their own.
	FailureWindow time.Duration
	// OpenDuration is how long the breaker stays Open before allowing a
	// half-open probe.
	OpenDuration time.Duration
	// SuccessThreshold consecutive successes in half-open close the
	// breaker again.
	SuccessThreshold uint32
	// Ignored errors never count as failures and are returned as-is.
	Ignored []error
	// TripOnly, if non-empty, restricts which errors count toward
	// tripping the breaker; every other error is treated as success for
	// breaker-state purposes (but still returned to the caller).
	TripOnly []error
}

// DefaultConfig mirrors a conservative production default: five
// consecutive failures trip it, it stays open for thirty seconds, and
// two consecutive half-open successes close it again.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		OpenDuration:     30 * time.Second,
		SuccessThreshold: 2,
	}
}

func matchesAny(err error, list []error) bool {
	for _, candidate := range list {
		if errors.Is(err, candidate) {
			return true
		}
	}
	return false
}

func (c Config) isSuccessful(err error) bool {
	if err == nil {
		return true
	}
	if matchesAny(err, c.Ignored) {
		return true
	}
	if len(c.TripOnly) > 0 && !matchesAny(err, c.TripOnly) {
		return true
	}
	return false
}

// Breaker wraps a single gobreaker.CircuitBreaker with the
// Ignored/TripOnly classification from Config.
type Breaker struct {
	cb     *gobreaker.CircuitBreaker
	config Config
}

func newBreaker(key string, cfg Config) *Breaker {
	settings := gobreaker.Settings{
		Name:        key,
		MaxRequests: cfg.SuccessThreshold,
		Interval:    cfg.FailureWindow,
		Timeout:     cfg.OpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: cfg.isSuccessful,
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings), config: cfg}
}

// Execute runs op through the breaker, returning core.ErrCircuitOpen
// without calling op at all while the breaker is open.
func (b *Breaker) Execute(_ context.Context, op func() ([]byte, error)) ([]byte, error) {
	result, err := b.cb.Execute(func() (interface{}, error) {
		return op()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, core.ErrCircuitOpen
		}
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	return result.([]byte), nil
}

// State reports the breaker's current gobreaker state as a string
// ("closed", "half-open", "open").
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Registry lazily creates and caches a Breaker per key.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	config   func(key string) Config
}

// NewRegistry creates a Registry. configFor, if nil, applies DefaultConfig
// to every key.
func NewRegistry(configFor func(key string) Config) *Registry {
	if configFor == nil {
		configFor = func(string) Config { return DefaultConfig() }
	}
	return &Registry{breakers: make(map[string]*Breaker), config: configFor}
}

// Get returns the Breaker for key, creating it on first use.
func (r *Registry) Get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b
	}
	b := newBreaker(key, r.config(key))
	r.breakers[key] = b
	return b
}

// State reports the state of every breaker the registry has created.
func (r *Registry) State() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.breakers))
	for key, b := range r.breakers {
		out[key] = b.State()
	}
	return out
}
