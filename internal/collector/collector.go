// Package collector implements the per-source node collectors and the
// shared cache, breaker, and retry lifecycle they all run under.
//
// Each source supplies a fetch function; everything else is template:
// an open circuit breaker short-circuits to cached data, transient
// failures retry with jittered backoff, and once retries are exhausted
// a stale cache beats an empty result.
package collector

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/meshforge/meshforge-maps/internal/backoff"
	"github.com/meshforge/meshforge-maps/internal/breaker"
	"github.com/meshforge/meshforge-maps/internal/geo"
	"github.com/meshforge/meshforge-maps/internal/model"
)

// DefaultMaxRetries is the retry count beyond the first fetch attempt.
const DefaultMaxRetries = 2

// Overlay carries non-feature payload (space weather, alert polygons)
// from a source into the aggregated result.
type Overlay map[string]any

// FetchFunc performs one upstream fetch attempt.
type FetchFunc func(ctx context.Context) ([]model.Feature, Overlay, error)

// Result is one collection cycle's output from a single source.
type Result struct {
	Features    []model.Feature
	Overlay     Overlay
	CollectedAt time.Time
}

// Options tune the shared collection lifecycle.
type Options struct {
	// CacheTTL is how long a prior result satisfies Collect without a
	// fetch. Zero or negative disables the freshness short-circuit.
	CacheTTL time.Duration
	// MaxRetries is the retry count beyond the first attempt.
	MaxRetries int
	// Breaker gates fetch attempts when set. Sources that degrade
	// internally instead of failing leave it nil.
	Breaker *breaker.Breaker
}

// Collector is the aggregator-facing surface of one source.
type Collector interface {
	Source() string
	Collect(ctx context.Context) (*Result, bool)
	Healthy() bool
	HealthInfo() map[string]any
	ClearCache()
}

// Base implements the shared lifecycle around a source-specific fetch.
// Concrete collectors embed *Base and supply their FetchFunc.
type Base struct {
	source string
	fetch  FetchFunc
	opts   Options

	mu               sync.Mutex
	cache            *Result
	lastSuccess      time.Time
	lastError        string
	lastErrorAt      time.Time
	totalCollections int64
	totalErrors      int64
}

// NewBase wires a fetch function into the shared lifecycle.
func NewBase(source string, fetch FetchFunc, opts Options) *Base {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Base{source: source, fetch: fetch, opts: opts}
}

// Source returns the collector's source name.
func (b *Base) Source() string { return b.source }

// Breaker returns the bound circuit breaker, nil when unbound.
func (b *Base) Breaker() *breaker.Breaker { return b.opts.Breaker }

// Collect runs one collection cycle. The bool reports whether the
// result came from cache rather than a live fetch.
func (b *Base) Collect(ctx context.Context) (*Result, bool) {
	if ttl := b.opts.CacheTTL; ttl > 0 {
		if r := b.cached(ttl); r != nil {
			return r, true
		}
	}

	if br := b.opts.Breaker; br != nil && !br.CanSend() {
		if r := b.cached(0); r != nil {
			log.Printf("[collector] %s: circuit open, serving cached result", b.source)
			return r, true
		}
		log.Printf("[collector] %s: circuit open and no cache", b.source)
		return b.emptyResult(), false
	}

	attempts := b.opts.MaxRetries + 1
	strategy := backoff.ForCollector()
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := strategy.Wait(ctx.Done())
			if ctx.Err() != nil {
				if lastErr == nil {
					lastErr = ctx.Err()
				}
				break
			}
			log.Printf("[collector] %s: attempt %d failed (%v), retried after %s",
				b.source, attempt, lastErr, delay.Round(time.Millisecond))
		}

		features, overlay, err := b.fetch(ctx)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}

		result := &Result{Features: features, Overlay: overlay, CollectedAt: time.Now()}
		if result.Features == nil {
			result.Features = []model.Feature{}
		}
		b.recordSuccess(result)
		if br := b.opts.Breaker; br != nil {
			br.RecordSuccess()
		}
		if attempt > 0 {
			log.Printf("[collector] %s: collected %d nodes (after %d retries)",
				b.source, len(result.Features), attempt)
		} else {
			log.Printf("[collector] %s: collected %d nodes", b.source, len(result.Features))
		}
		return result, false
	}

	b.recordFailure(lastErr)
	if br := b.opts.Breaker; br != nil {
		br.RecordFailure()
	}
	log.Printf("[collector] %s: collection failed: %v", b.source, lastErr)
	if r := b.cached(0); r != nil {
		log.Printf("[collector] %s: returning stale cache", b.source)
		return r, true
	}
	return b.emptyResult(), false
}

// Healthy reports whether the most recent fetch attempt succeeded. A
// collector that has never fetched counts as healthy; a fresh-cache
// short-circuit keeps the previous verdict.
func (b *Base) Healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lastErrorAt.IsZero() {
		return true
	}
	return b.lastSuccess.After(b.lastErrorAt)
}

// HealthInfo reports collector counters for the status API. Age fields
// appear only once the corresponding event has happened.
func (b *Base) HealthInfo() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	info := map[string]any{
		"source":            b.source,
		"total_collections": b.totalCollections,
		"total_errors":      b.totalErrors,
		"has_cache":         b.cache != nil,
	}
	if !b.lastSuccess.IsZero() {
		info["last_success_age_seconds"] = int(now.Sub(b.lastSuccess).Seconds())
	}
	if b.lastError != "" {
		info["last_error"] = b.lastError
		info["last_error_age_seconds"] = int(now.Sub(b.lastErrorAt).Seconds())
	}
	if b.cache != nil {
		info["cache_age_seconds"] = int(now.Sub(b.cache.CollectedAt).Seconds())
	}
	return info
}

// ClearCache drops the cached result.
func (b *Base) ClearCache() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cache = nil
}

// cached returns a copy of the cached result when one exists and is no
// older than maxAge. maxAge <= 0 accepts any age. Callers treat the
// returned features as read-only.
func (b *Base) cached(maxAge time.Duration) *Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cache == nil {
		return nil
	}
	if maxAge > 0 && time.Since(b.cache.CollectedAt) >= maxAge {
		return nil
	}
	return cloneResult(b.cache)
}

func (b *Base) recordSuccess(r *Result) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cache = cloneResult(r)
	b.lastSuccess = time.Now()
	b.totalCollections++
}

func (b *Base) recordFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.lastError = err.Error()
	} else {
		b.lastError = "unknown error"
	}
	b.lastErrorAt = time.Now()
	b.totalErrors++
}

func (b *Base) emptyResult() *Result {
	return &Result{Features: []model.Feature{}, CollectedAt: time.Now()}
}

func cloneResult(r *Result) *Result {
	c := &Result{
		Features:    append([]model.Feature(nil), r.Features...),
		CollectedAt: r.CollectedAt,
	}
	if r.Overlay != nil {
		c.Overlay = make(Overlay, len(r.Overlay))
		for k, v := range r.Overlay {
			c.Overlay[k] = v
		}
	}
	return c
}

// makeFeature builds the standard node feature shared by every source.
// Returns nil when the coordinates are invalid. The name falls back to
// the node ID; callers add source-specific properties via props.
func makeFeature(id string, lat, lon float64, network, nodeType, name string, props map[string]any) *model.Feature {
	vlat, vlon, err := geo.ValidateCoordinates(lat, lon, false)
	if err != nil {
		return nil
	}
	if props == nil {
		props = map[string]any{}
	}
	if name == "" {
		name = id
	}
	props["id"] = id
	props["name"] = name
	props["network"] = network
	props["node_type"] = nodeType
	f := model.PointFeature(vlat, vlon, nil, props)
	return &f
}
