package hotstate

import (
	"sync"
	"time"
)

// breakerState is the three-state sliding-window circuit breaker shared by
// the hot-state store and the resilient HTTP client. Grounded on
// internal/rate.Limiter's token-bucket packing idiom of keeping compact
// state behind a mutex, generalized to a threshold/window/reset state
// machine.
type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// Breaker is a sliding-window circuit breaker: once failures in the window
// reach threshold, the next call observes "open" without I/O; after the
// reset duration exactly one probe is admitted; failure re-opens, success
// closes.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	reset     time.Duration

	state      breakerState
	failures   []time.Time
	openedAt   time.Time
	lastFailure time.Time
	probeInFlight bool
}

func NewBreaker(threshold int, window, reset time.Duration) *Breaker {
	return &Breaker{threshold: threshold, window: window, reset: reset, state: stateClosed}
}

func (b *Breaker) prune(now time.Time) {
	cut := now.Add(-b.window)
	i := 0
	for ; i < len(b.failures); i++ {
		if b.failures[i].After(cut) {
			break
		}
	}
	b.failures = b.failures[i:]
}

// Allow reports whether a call may proceed. If false, the caller must treat
// the operation as failed with KindHotStateUnavailable/circuit-tripped
// without performing I/O.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if now.Sub(b.openedAt) >= b.reset {
			b.state = stateHalfOpen
			b.probeInFlight = true
			return true
		}
		return false
	case stateHalfOpen:
		if b.probeInFlight {
			return false // one probe at a time
		}
		b.probeInFlight = true
		return true
	}
	return false
}

// RecordSuccess reports a successful call outcome.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateHalfOpen:
		b.state = stateClosed
		b.failures = nil
		b.probeInFlight = false
	case stateClosed:
		// nothing to do
	}
}

// RecordFailure reports a failed call outcome.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.lastFailure = now

	switch b.state {
	case stateHalfOpen:
		b.state = stateOpen
		b.openedAt = now
		b.probeInFlight = false
	case stateClosed:
		b.failures = append(b.failures, now)
		b.prune(now)
		if len(b.failures) >= b.threshold {
			b.state = stateOpen
			b.openedAt = now
		}
	}
}

// CircuitState is the observability snapshot for GET /metrics.
type CircuitState struct {
	State           string `json:"state"`
	FailuresInWindow int   `json:"failures_in_window"`
	WindowMs        int64  `json:"windowMs"`
	IsAvailable     bool   `json:"isAvailable"`
}

func (b *Breaker) GetCircuitState() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.prune(time.Now())

	var name string
	switch b.state {
	case stateClosed:
		name = "closed"
	case stateOpen:
		name = "open"
	case stateHalfOpen:
		name = "half-open"
	}

	return CircuitState{
		State:            name,
		FailuresInWindow: len(b.failures),
		WindowMs:         b.window.Milliseconds(),
		IsAvailable:      b.state != stateOpen,
	}
}
