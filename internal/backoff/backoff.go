// Package backoff provides exponential-backoff reconnect delays with
// jitter, so clients recovering from a shared outage do not stampede
// the upstream in lockstep.
package backoff

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// Strategy computes successive reconnect delays:
// base * multiplier^attempt, capped at max, plus
// uniform(0, capped*jitterFactor).
type Strategy struct {
	baseDelay    time.Duration
	maxDelay     time.Duration
	multiplier   float64
	jitterFactor float64
	maxRetries   int // 0 means unbounded

	mu            sync.Mutex
	attempt       int
	totalAttempts int64
	lastAttempt   time.Time
}

// New builds a strategy. maxRetries 0 means retry forever.
func New(baseDelay, maxDelay time.Duration, multiplier, jitterFactor float64, maxRetries int) *Strategy {
	return &Strategy{
		baseDelay:    baseDelay,
		maxDelay:     maxDelay,
		multiplier:   multiplier,
		jitterFactor: jitterFactor,
		maxRetries:   maxRetries,
	}
}

// ForBroker returns the preset for the persistent broker connection:
// 2 s doubling to 120 s, retrying forever.
func ForBroker() *Strategy {
	return New(2*time.Second, 120*time.Second, 2.0, 0.25, 0)
}

// ForCollector returns the preset for HTTP collector retries: 1 s
// doubling to 10 s, three attempts before the caller falls back to
// cached data.
func ForCollector() *Strategy {
	return New(1*time.Second, 10*time.Second, 2.0, 0.15, 3)
}

// NextDelay returns the delay to wait before the next attempt and
// advances the attempt counter.
func (s *Strategy) NextDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := float64(s.baseDelay) * math.Pow(s.multiplier, float64(s.attempt))
	if d > float64(s.maxDelay) {
		d = float64(s.maxDelay)
	}
	d += rand.Float64() * d * s.jitterFactor

	s.attempt++
	s.totalAttempts++
	s.lastAttempt = time.Now()
	return time.Duration(d)
}

// ShouldRetry reports whether another attempt is allowed.
func (s *Strategy) ShouldRetry() bool {
	if s.maxRetries <= 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt < s.maxRetries
}

// Reset clears the attempt counter after a successful connection.
// The total-attempts counter is kept for diagnostics.
func (s *Strategy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempt = 0
}

// Attempt returns the current attempt number, 0-indexed.
func (s *Strategy) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// TotalAttempts returns the attempt count across all reset cycles.
func (s *Strategy) TotalAttempts() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalAttempts
}

// Wait sleeps for the next delay, returning early if stop closes.
// It returns the delay that was scheduled.
func (s *Strategy) Wait(stop <-chan struct{}) time.Duration {
	d := s.NextDelay()
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-stop:
	case <-t.C:
	}
	return d
}
