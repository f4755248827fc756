// Package breaker implements a per-upstream circuit breaker and a
// process-wide registry of lazily created breakers.
package breaker

import (
	"sync"
	"time"
)

// State is the breaker state exposed over the API.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 60 * time.Second
)

// Config tunes a breaker. Zero values fall back to defaults.
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = DefaultRecoveryTimeout
	}
	return c
}

// Stats is a point-in-time snapshot of one breaker.
type Stats struct {
	Name                string `json:"name"`
	State               State  `json:"state"`
	FailureCount        int    `json:"failure_count"`
	TotalSuccesses      int64  `json:"total_successes"`
	TotalFailures       int64  `json:"total_failures"`
	TotalRejected       int64  `json:"total_rejected"`
	LastFailureTime     int64  `json:"last_failure_time,omitempty"`
	LastStateChangeTime int64  `json:"last_state_change_time,omitempty"`
}

// Breaker guards one named upstream. CLOSED passes traffic; OPEN
// rejects it; HALF_OPEN admits a single trial request whose outcome
// decides the next state.
type Breaker struct {
	name string
	cfg  Config

	mu              sync.Mutex
	state           State
	failures        int
	probeInFlight   bool
	openedAt        time.Time
	lastFailure     time.Time
	lastStateChange time.Time
	totalSuccesses  int64
	totalFailures   int64
	totalRejected   int64
}

// New returns a CLOSED breaker for the named upstream.
func New(name string, cfg Config) *Breaker {
	return &Breaker{
		name:            name,
		cfg:             cfg.withDefaults(),
		state:           Closed,
		lastStateChange: time.Now(),
	}
}

// CanSend reports whether a request may be attempted now. In OPEN it
// flips to HALF_OPEN once the recovery timeout has elapsed, and the
// call that observes the flip is the trial request.
func (b *Breaker) CanSend() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if time.Since(b.openedAt) >= b.cfg.RecoveryTimeout {
			b.setState(HalfOpen)
			b.probeInFlight = true
			return true
		}
		b.totalRejected++
		return false
	case HalfOpen:
		if b.probeInFlight {
			b.totalRejected++
			return false
		}
		b.probeInFlight = true
		return true
	}
	return false
}

// RecordSuccess notes a successful request. From HALF_OPEN it closes
// the breaker and clears the failure streak.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalSuccesses++
	b.failures = 0
	b.probeInFlight = false
	if b.state == HalfOpen {
		b.setState(Closed)
	}
}

// RecordFailure notes a failed request. From CLOSED it opens the
// breaker once the streak reaches the threshold; from HALF_OPEN it
// reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.totalFailures++
	b.failures++
	b.lastFailure = now
	b.probeInFlight = false

	switch b.state {
	case Closed:
		if b.failures >= b.cfg.FailureThreshold {
			b.openedAt = now
			b.setState(Open)
		}
	case HalfOpen:
		b.openedAt = now
		b.setState(Open)
	}
}

// Reset returns the breaker to a fresh CLOSED state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probeInFlight = false
	b.totalSuccesses = 0
	b.totalFailures = 0
	b.totalRejected = 0
	b.lastFailure = time.Time{}
	if b.state != Closed {
		b.setState(Closed)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot of the breaker's counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		Name:           b.name,
		State:          b.state,
		FailureCount:   b.failures,
		TotalSuccesses: b.totalSuccesses,
		TotalFailures:  b.totalFailures,
		TotalRejected:  b.totalRejected,
	}
	if !b.lastFailure.IsZero() {
		s.LastFailureTime = b.lastFailure.Unix()
	}
	if !b.lastStateChange.IsZero() {
		s.LastStateChangeTime = b.lastStateChange.Unix()
	}
	return s
}

// setState must be called with b.mu held.
func (b *Breaker) setState(s State) {
	b.state = s
	b.lastStateChange = time.Now()
}
