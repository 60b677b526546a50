package breaker

import (
	"container/ring"
	"context"
	"sync"
	"time"

	"github.com/taskqueue-go/core/internal/core"
)

// KillSwitchState enumerates the global kill switch state machine.
type KillSwitchState string

const (
	KillSwitchReady    KillSwitchState = "Ready"
	KillSwitchTracking KillSwitchState = "Tracking"
	KillSwitchTripped  KillSwitchState = "Tripped"
)

type sample struct {
	at      time.Time
	success bool
	set     bool
}

// KillSwitch is a global (not per-key) failure-rate gate: once enough
// recent outcomes are known and the failure rate within the tracking
// window meets or exceeds TripThreshold, every consumer waiting on
// WaitUntilReady blocks until Reset (or the window ages the failures
// out and the caller re-evaluates).
type KillSwitch struct {
	mu                 sync.Mutex
	state              KillSwitchState
	samples            *ring.Ring
	trackingWindow     time.Duration
	activationThreshold int
	tripThreshold      float64
	seen               int
	readyCh            chan struct{}
	clock              func() time.Time
}

// NewKillSwitch creates a KillSwitch retaining up to windowSize samples,
// tripping once at least activationThreshold samples have been observed
// and the failure rate within trackingWindow is >= tripThreshold.
func NewKillSwitch(windowSize, activationThreshold int, trackingWindow time.Duration, tripThreshold float64) *KillSwitch {
	return &KillSwitch{
		state:               KillSwitchReady,
		samples:             ring.New(windowSize),
		trackingWindow:      trackingWindow,
		activationThreshold: activationThreshold,
		tripThreshold:       tripThreshold,
		readyCh:             make(chan struct{}),
		clock:               time.Now,
	}
}

// Record records one outcome and re-evaluates the trip condition.
func (ks *KillSwitch) Record(success bool) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	ks.samples.Value = sample{at: ks.clock(), success: success, set: true}
	ks.samples = ks.samples.Next()
	if ks.seen < ks.samples.Len() {
		ks.seen++
	}

	ks.evaluate()
}

func (ks *KillSwitch) prune(now time.Time) (total, failures int) {
	ks.samples.Do(func(v interface{}) {
		s, ok := v.(sample)
		if !ok || !s.set {
			return
		}
		if ks.trackingWindow > 0 && now.Sub(s.at) > ks.trackingWindow {
			return
		}
		total++
		if !s.success {
			failures++
		}
	})
	return total, failures
}

// evaluate must be called with mu held.
func (ks *KillSwitch) evaluate() {
	now := ks.clock()
	total, failures := ks.prune(now)

	if total < ks.activationThreshold {
		wasTripped := ks.state == KillSwitchTripped
		if total > 0 {
			ks.state = KillSwitchTracking
		} else {
			ks.state = KillSwitchReady
		}
		if wasTripped {
			ks.closeReady()
		}
		return
	}

	rate := float64(failures) / float64(total)
	switch {
	case rate >= ks.tripThreshold:
		if ks.state != KillSwitchTripped {
			ks.state = KillSwitchTripped
			ks.readyCh = make(chan struct{})
		}
	default:
		if ks.state == KillSwitchTripped {
			ks.state = KillSwitchTracking
			ks.closeReady()
		} else {
			ks.state = KillSwitchTracking
		}
	}
}

func (ks *KillSwitch) closeReady() {
	select {
	case <-ks.readyCh:
	default:
		close(ks.readyCh)
	}
}

// State reports the current kill switch state.
func (ks *KillSwitch) State() KillSwitchState {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.state
}

// WaitUntilReady blocks while the kill switch is tripped, returning
// core.ErrKillSwitchTripped if ctx is cancelled first.
func (ks *KillSwitch) WaitUntilReady(ctx context.Context) error {
	for {
		ks.mu.Lock()
		if ks.state != KillSwitchTripped {
			ks.mu.Unlock()
			return nil
		}
		ch := ks.readyCh
		ks.mu.Unlock()

		select {
		case <-ch:
			continue
		case <-ctx.Done():
			return core.ErrKillSwitchTripped
		}
	}
}

// Reset clears all recorded samples and returns the switch to Ready.
func (ks *KillSwitch) Reset() {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.samples = ring.New(ks.samples.Len())
	ks.seen = 0
	ks.state = KillSwitchReady
	ks.closeReady()
}
