package breaker

import (
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// DefaultMaxBreakers bounds the registry; a hostile or misconfigured
// endpoint list must not grow it without limit.
const DefaultMaxBreakers = 1000

// RegistryConfig tunes the registry and the breakers it creates.
type RegistryConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	MaxBreakers      int
}

// Registry creates breakers lazily by upstream name.
type Registry struct {
	cfg      RegistryConfig
	breakers *xsync.Map[string, *Breaker]
}

// NewRegistry returns an empty registry. Zero config values fall back
// to the package defaults.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.MaxBreakers <= 0 {
		cfg.MaxBreakers = DefaultMaxBreakers
	}
	return &Registry{
		cfg:      cfg,
		breakers: xsync.NewMap[string, *Breaker](),
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	if b, ok := r.breakers.Load(name); ok {
		return b
	}
	if r.breakers.Size() >= r.cfg.MaxBreakers {
		r.evictOldestClosed()
	}
	b, _ := r.breakers.Compute(name, func(old *Breaker, loaded bool) (*Breaker, xsync.ComputeOp) {
		if loaded {
			return old, xsync.CancelOp
		}
		fresh := New(name, Config{
			FailureThreshold: r.cfg.FailureThreshold,
			RecoveryTimeout:  r.cfg.RecoveryTimeout,
		})
		return fresh, xsync.UpdateOp
	})
	return b
}

// Snapshot returns the stats of every registered breaker keyed by name.
func (r *Registry) Snapshot() map[string]Stats {
	out := make(map[string]Stats, r.breakers.Size())
	r.breakers.Range(func(name string, b *Breaker) bool {
		out[name] = b.Stats()
		return true
	})
	return out
}

// ResetAll returns every breaker to a fresh CLOSED state.
func (r *Registry) ResetAll() int {
	n := 0
	r.breakers.Range(func(_ string, b *Breaker) bool {
		b.Reset()
		n++
		return true
	})
	return n
}

// Len returns the number of registered breakers.
func (r *Registry) Len() int {
	return r.breakers.Size()
}

// evictOldestClosed drops the CLOSED breaker with the oldest state
// change. OPEN and HALF_OPEN breakers carry live failure evidence and
// are never evicted; if none is CLOSED the registry grows past the cap.
func (r *Registry) evictOldestClosed() {
	var victim string
	var victimChanged int64
	found := false
	r.breakers.Range(func(name string, b *Breaker) bool {
		s := b.Stats()
		if s.State != Closed {
			return true
		}
		if !found || s.LastStateChangeTime < victimChanged {
			victim, victimChanged, found = name, s.LastStateChangeTime, true
		}
		return true
	})
	if found {
		r.breakers.Delete(victim)
	}
}
