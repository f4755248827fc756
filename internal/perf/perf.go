// Package perf tracks collection timings per source and for the whole
// cycle, exposing latency percentiles and cache-hit ratios.
package perf

import (
	"runtime"
	"sort"
	"sync"
	"time"
)

// ringSize bounds the per-source sample window used for percentiles.
const ringSize = 100

// Monitor accumulates collection timings. Thread-safe.
type Monitor struct {
	mu        sync.Mutex
	startedAt time.Time
	sources   map[string]*sourceAccum
	cycle     cycleAccum
}

type sourceAccum struct {
	count      int64
	cacheHits  int64
	totalNodes int64
	totalDur   time.Duration
	minDur     time.Duration
	maxDur     time.Duration
	lastDur    time.Duration
	lastTime   time.Time
	samples    []time.Duration // ring of the most recent ringSize timings
	next       int
}

type cycleAccum struct {
	count    int64
	totalDur time.Duration
	minDur   time.Duration
	maxDur   time.Duration
	lastDur  time.Duration
}

// SourceStats is the exported timing view of one collector.
type SourceStats struct {
	Count         int64   `json:"count"`
	CacheHits     int64   `json:"cache_hits"`
	CacheHitRatio float64 `json:"cache_hit_ratio"`
	TotalNodes    int64   `json:"total_nodes"`
	AvgMs         float64 `json:"avg_ms"`
	MinMs         float64 `json:"min_ms"`
	MaxMs         float64 `json:"max_ms"`
	LastMs        float64 `json:"last_ms"`
	LastTime      int64   `json:"last_time,omitempty"`
	P50Ms         float64 `json:"p50_ms"`
	P90Ms         float64 `json:"p90_ms"`
	P99Ms         float64 `json:"p99_ms"`
}

// CycleStats summarizes whole collect_all cycles.
type CycleStats struct {
	Count  int64   `json:"count"`
	AvgMs  float64 `json:"avg_ms"`
	MinMs  float64 `json:"min_ms"`
	MaxMs  float64 `json:"max_ms"`
	LastMs float64 `json:"last_ms"`
}

// RuntimeStats carries process-level gauges.
type RuntimeStats struct {
	Goroutines     int    `json:"goroutines"`
	HeapAllocBytes uint64 `json:"heap_alloc_bytes"`
	NumGC          uint32 `json:"num_gc"`
}

// Stats is the full perf snapshot served by the API.
type Stats struct {
	UptimeSeconds        float64                `json:"uptime_seconds"`
	TotalCollections     int64                  `json:"total_collections"`
	CollectionsPerMinute float64                `json:"collections_per_minute"`
	Sources              map[string]SourceStats `json:"sources"`
	Cycle                CycleStats             `json:"cycle"`
	Runtime              RuntimeStats           `json:"runtime"`
}

// NewMonitor returns an empty monitor; uptime counts from here.
func NewMonitor() *Monitor {
	return &Monitor{
		startedAt: time.Now(),
		sources:   make(map[string]*sourceAccum),
	}
}

// RecordCollection notes one collector run.
func (m *Monitor) RecordCollection(source string, d time.Duration, nodes int, cacheHit bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.sources[source]
	if !ok {
		acc = &sourceAccum{samples: make([]time.Duration, 0, ringSize)}
		m.sources[source] = acc
	}

	acc.count++
	if cacheHit {
		acc.cacheHits++
	}
	acc.totalNodes += int64(nodes)
	acc.totalDur += d
	if acc.minDur == 0 || d < acc.minDur {
		acc.minDur = d
	}
	if d > acc.maxDur {
		acc.maxDur = d
	}
	acc.lastDur = d
	acc.lastTime = time.Now()

	if len(acc.samples) < ringSize {
		acc.samples = append(acc.samples, d)
	} else {
		acc.samples[acc.next] = d
		acc.next = (acc.next + 1) % ringSize
	}
}

// RecordCycle notes one full collect_all round.
func (m *Monitor) RecordCycle(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := &m.cycle
	c.count++
	c.totalDur += d
	if c.minDur == 0 || d < c.minDur {
		c.minDur = d
	}
	if d > c.maxDur {
		c.maxDur = d
	}
	c.lastDur = d
}

// Stats returns a snapshot of every accumulated counter.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	uptime := time.Since(m.startedAt)
	out := Stats{
		UptimeSeconds: uptime.Seconds(),
		Sources:       make(map[string]SourceStats, len(m.sources)),
	}

	for name, acc := range m.sources {
		out.TotalCollections += acc.count
		s := SourceStats{
			Count:      acc.count,
			CacheHits:  acc.cacheHits,
			TotalNodes: acc.totalNodes,
			MinMs:      ms(acc.minDur),
			MaxMs:      ms(acc.maxDur),
			LastMs:     ms(acc.lastDur),
		}
		if acc.count > 0 {
			s.CacheHitRatio = float64(acc.cacheHits) / float64(acc.count)
			s.AvgMs = ms(acc.totalDur) / float64(acc.count)
		}
		if !acc.lastTime.IsZero() {
			s.LastTime = acc.lastTime.Unix()
		}
		s.P50Ms, s.P90Ms, s.P99Ms = computePercentiles(acc.samples)
		out.Sources[name] = s
	}

	if mins := uptime.Minutes(); mins > 0 {
		out.CollectionsPerMinute = float64(out.TotalCollections) / mins
	}

	out.Cycle = CycleStats{
		Count:  m.cycle.count,
		MinMs:  ms(m.cycle.minDur),
		MaxMs:  ms(m.cycle.maxDur),
		LastMs: ms(m.cycle.lastDur),
	}
	if m.cycle.count > 0 {
		out.Cycle.AvgMs = ms(m.cycle.totalDur) / float64(m.cycle.count)
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	out.Runtime = RuntimeStats{
		Goroutines:     runtime.NumGoroutine(),
		HeapAllocBytes: mem.HeapAlloc,
		NumGC:          mem.NumGC,
	}
	return out
}

// computePercentiles computes P50, P90, P99 from duration samples,
// returning milliseconds.
func computePercentiles(samples []time.Duration) (p50, p90, p99 float64) {
	if len(samples) == 0 {
		return 0, 0, 0
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	percentile := func(p float64) float64 {
		idx := int(p * float64(len(sorted)-1))
		if idx < 0 {
			idx = 0
		}
		if idx >= len(sorted) {
			idx = len(sorted) - 1
		}
		return ms(sorted[idx])
	}
	return percentile(0.50), percentile(0.90), percentile(0.99)
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
