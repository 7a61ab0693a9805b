// Copyright 2025 James Ross

// Package breaker gates retries of transient store errors (KindStoreTransient)
// so a struggling Postgres connection pool doesn't get hammered by every
// in-flight enqueue/dequeue/completion call at once.
package breaker

import (
	"sync"
	"time"
)

// State is where a CircuitBreaker currently sits in the Closed/Open/
// HalfOpen cycle.
type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

type sample struct {
	at      time.Time
	success bool
}

// CircuitBreaker trips open once the failure rate of recent store calls,
// measured over a sliding time window, crosses failureThreshold. Once open
// it stays open for cooldown, then lets exactly one probe call through in
// HalfOpen before deciding to close again or reopen.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            State
	window           time.Duration
	cooldown         time.Duration
	failureThreshold float64
	minSamples       int
	openedAt         time.Time
	samples          []sample
	probeInFlight    bool
	onTransition     func(State)
}

// New constructs a breaker in the Closed state. failureThreshold is a
// fraction in [0,1]; minSamples is the number of recent outcomes required
// before the failure rate is trusted (below that, a Closed breaker does not
// trip). A HalfOpen probe's own result always decides the next state
// directly, whatever the sample count.
func New(window, cooldown time.Duration, failureThreshold float64, minSamples int) *CircuitBreaker {
	return &CircuitBreaker{
		state:            Closed,
		window:           window,
		cooldown:         cooldown,
		failureThreshold: failureThreshold,
		minSamples:       minSamples,
		openedAt:         time.Now(),
	}
}

// OnTransition registers a callback fired every time the breaker changes
// state, so the store adapter can mirror it onto relay_store_breaker_state
// without this package importing the metrics registry. Fired once
// immediately with the current state.
func (cb *CircuitBreaker) OnTransition(fn func(State)) {
	cb.mu.Lock()
	cb.onTransition = fn
	current := cb.state
	cb.mu.Unlock()
	if fn != nil {
		fn(current)
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Allow reports whether a store call should proceed. Closed always allows;
// Open allows only after cooldown has elapsed, at which point it advances
// to HalfOpen and grants the single probe; a second concurrent caller
// during HalfOpen is refused until the probe's outcome is recorded.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case Open:
		if time.Since(cb.openedAt) < cb.cooldown {
			return false
		}
		cb.setState(HalfOpen)
		cb.probeInFlight = true
		return true
	case HalfOpen:
		if cb.probeInFlight {
			return false
		}
		cb.probeInFlight = true
		return true
	default:
		return true
	}
}

// Record reports the outcome of a store call previously admitted by
// Allow. A HalfOpen probe closes the breaker on success and reopens it on
// failure; otherwise the breaker trips open once the windowed failure rate
// reaches failureThreshold.
func (cb *CircuitBreaker) Record(ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	cb.samples = appendWithinWindow(cb.samples, sample{at: now, success: ok}, cb.window, now)

	if cb.state == HalfOpen {
		cb.probeInFlight = false
		if ok {
			cb.setState(Closed)
		} else {
			cb.setState(Open)
		}
		return
	}

	if len(cb.samples) < cb.minSamples {
		return
	}
	if failureRate(cb.samples) >= cb.failureThreshold {
		cb.setState(Open)
	}
}

// setState must be called with cb.mu held.
func (cb *CircuitBreaker) setState(next State) {
	cb.state = next
	cb.openedAt = time.Now()
	if cb.onTransition != nil {
		cb.onTransition(next)
	}
}

func appendWithinWindow(samples []sample, next sample, window time.Duration, now time.Time) []sample {
	cutoff := now.Add(-window)
	kept := samples[:0]
	for _, s := range samples {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	return append(kept, next)
}

func failureRate(samples []sample) float64 {
	if len(samples) == 0 {
		return 0
	}
	fails := 0
	for _, s := range samples {
		if !s.success {
			fails++
		}
	}
	return float64(fails) / float64(len(samples))
}
