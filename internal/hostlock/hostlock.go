// Package hostlock serializes access to shared upstream devices. A
// mesh radio's local HTTP API tolerates one client at a time, so every
// fetcher takes a per-host lease before dialing.
package hostlock

import (
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// DefaultTimeout is how long Acquire waits when callers have no
// stricter bound.
const DefaultTimeout = 5 * time.Second

// Manager owns a set of single-holder locks keyed by host:port.
// Managers are independent; construct one per owner.
type Manager struct {
	locks *xsync.Map[string, *hostLock]
}

type hostLock struct {
	ch chan struct{} // capacity 1: a queued token means held

	mu           sync.Mutex
	acquisitions int64
	timeouts     int64
	releases     int64
	holder       string
	acquiredAt   time.Time
}

// LockStats is the exported view of one host lock.
type LockStats struct {
	Acquisitions    int64   `json:"acquisitions"`
	Timeouts        int64   `json:"timeouts"`
	Releases        int64   `json:"releases"`
	CurrentlyHeldBy string  `json:"currently_held_by,omitempty"`
	HeldSeconds     float64 `json:"held_seconds,omitempty"`
}

// Lease is a scoped hold on one host lock. Release is idempotent and
// safe to defer on every exit path.
type Lease struct {
	lock *hostLock
	once sync.Once
}

// NewManager returns an empty lease manager.
func NewManager() *Manager {
	return &Manager{locks: xsync.NewMap[string, *hostLock]()}
}

// Acquire takes the lock for host:port, waiting up to timeout. The
// holder tag is surfaced in stats for diagnosing stuck leases.
// Returns (nil, false) on timeout.
func (m *Manager) Acquire(host string, port int, timeout time.Duration, holder string) (*Lease, bool) {
	hl := m.get(key(host, port))

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case hl.ch <- struct{}{}:
		hl.mu.Lock()
		hl.acquisitions++
		hl.holder = holder
		hl.acquiredAt = time.Now()
		hl.mu.Unlock()
		return &Lease{lock: hl}, true
	case <-timer.C:
		hl.mu.Lock()
		hl.timeouts++
		hl.mu.Unlock()
		return nil, false
	}
}

// Release frees the lease. Calling it more than once is safe.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		l.lock.mu.Lock()
		l.lock.releases++
		l.lock.holder = ""
		l.lock.acquiredAt = time.Time{}
		l.lock.mu.Unlock()
		<-l.lock.ch
	})
}

// Stats returns a snapshot of every known lock keyed by host:port.
func (m *Manager) Stats() map[string]LockStats {
	out := make(map[string]LockStats, m.locks.Size())
	m.locks.Range(func(k string, hl *hostLock) bool {
		hl.mu.Lock()
		s := LockStats{
			Acquisitions:    hl.acquisitions,
			Timeouts:        hl.timeouts,
			Releases:        hl.releases,
			CurrentlyHeldBy: hl.holder,
		}
		if !hl.acquiredAt.IsZero() {
			s.HeldSeconds = time.Since(hl.acquiredAt).Seconds()
		}
		hl.mu.Unlock()
		out[k] = s
		return true
	})
	return out
}

func (m *Manager) get(k string) *hostLock {
	if hl, ok := m.locks.Load(k); ok {
		return hl
	}
	hl, _ := m.locks.Compute(k, func(old *hostLock, loaded bool) (*hostLock, xsync.ComputeOp) {
		if loaded {
			return old, xsync.CancelOp
		}
		return &hostLock{ch: make(chan struct{}, 1)}, xsync.UpdateOp
	})
	return hl
}

func key(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
