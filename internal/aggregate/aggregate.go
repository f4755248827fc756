// Package aggregate merges per-source collector output into the
// unified feature collection served by the HTTP API, tracks per-source
// health transitions, and keeps the data warm with a jittered
// background collection loop.
package aggregate

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/meshforge/meshforge-maps/internal/bus"
	"github.com/meshforge/meshforge-maps/internal/collector"
	"github.com/meshforge/meshforge-maps/internal/model"
	"github.com/meshforge/meshforge-maps/internal/mqttsub"
	"github.com/meshforge/meshforge-maps/internal/perf"
	"github.com/meshforge/meshforge-maps/internal/scanloop"
	"github.com/meshforge/meshforge-maps/internal/topology"
)

// DefaultCycleTimeout bounds one collection cycle. A collector that
// has not answered by then is absent from the cycle; its fetch keeps
// running and lands in its own cache for the next one.
const DefaultCycleTimeout = 20 * time.Second

const stopTimeout = 5 * time.Second

// overlayOnly names sources whose features are map overlays rather
// than mesh nodes; they contribute overlay data but no node features.
var overlayOnly = map[string]bool{"noaa_alerts": true}

// linkSource is implemented by collectors that expose resolved
// topology edges (AREDN LQM).
type linkSource interface {
	Links() []model.ResolvedLink
}

// Options configures an Aggregator.
type Options struct {
	// Collectors in merge order: when two sources report the same node
	// id, the earlier collector wins the deduplication.
	Collectors []collector.Collector

	// Store supplies heard-node topology links when the live MQTT
	// subscriber runs. May be nil.
	Store *mqttsub.Store

	Bus  *bus.Bus
	Perf *perf.Monitor

	// CycleTimeout bounds one CollectAll; zero takes the default.
	CycleTimeout time.Duration

	// MinInterval and JitterRange set the background loop cadence.
	MinInterval time.Duration
	JitterRange time.Duration

	Now func() time.Time
}

// Aggregator fans collection out to every enabled source and merges
// the results. The last merged snapshot is held behind a read-write
// mutex for API readers; each cycle replaces it wholesale, so handed
// out collections are never mutated afterwards.
type Aggregator struct {
	collectors   []collector.Collector
	names        []string
	store        *mqttsub.Store
	bus          *bus.Bus
	perf         *perf.Monitor
	cycleTimeout time.Duration
	minInterval  time.Duration
	jitterRange  time.Duration
	now          func() time.Time

	mu          sync.RWMutex
	lastResult  *model.FeatureCollection
	lastOverlay map[string]any
	lastCounts  map[string]int
	lastCollect time.Time
	sourceUp    map[string]bool

	started bool
	stopCh  chan struct{}
	done    chan struct{}
}

// New builds an Aggregator over the given collectors.
func New(opts Options) *Aggregator {
	if opts.Bus == nil {
		opts.Bus = bus.New()
	}
	if opts.Perf == nil {
		opts.Perf = perf.NewMonitor()
	}
	if opts.CycleTimeout <= 0 {
		opts.CycleTimeout = DefaultCycleTimeout
	}
	if opts.MinInterval <= 0 {
		opts.MinInterval = scanloop.DefaultMinInterval
	}
	if opts.JitterRange < 0 {
		opts.JitterRange = scanloop.DefaultJitterRange
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	names := make([]string, 0, len(opts.Collectors))
	for _, c := range opts.Collectors {
		names = append(names, c.Source())
	}
	return &Aggregator{
		collectors:   opts.Collectors,
		names:        names,
		store:        opts.Store,
		bus:          opts.Bus,
		perf:         opts.Perf,
		cycleTimeout: opts.CycleTimeout,
		minInterval:  opts.MinInterval,
		jitterRange:  opts.JitterRange,
		now:          opts.Now,
		sourceUp:     make(map[string]bool),
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start launches the background collection loop.
func (a *Aggregator) Start() {
	if a.started {
		return
	}
	a.started = true
	go func() {
		defer close(a.done)
		scanloop.Run(a.stopCh, a.minInterval, a.jitterRange, func() {
			a.CollectAll(context.Background())
		})
	}()
	log.Printf("[aggregate] collection loop started (%d sources)", len(a.collectors))
}

// Stop terminates the collection loop and waits for it to exit.
func (a *Aggregator) Stop() {
	select {
	case <-a.stopCh:
	default:
		close(a.stopCh)
	}
	if !a.started {
		return
	}
	select {
	case <-a.done:
	case <-time.After(stopTimeout):
		log.Printf("[aggregate] collection loop did not stop within %s", stopTimeout)
	}
}

// CollectAll runs every collector once, in parallel, and merges the
// results into one feature collection. Sources that miss the cycle
// deadline are skipped; their results surface on a later cycle via
// their caches.
func (a *Aggregator) CollectAll(ctx context.Context) model.FeatureCollection {
	cycleStart := time.Now()

	type outcome struct {
		result    *collector.Result
		fromCache bool
		elapsed   time.Duration
	}
	slots := make([]chan outcome, len(a.collectors))
	for i, c := range a.collectors {
		slots[i] = make(chan outcome, 1)
		go func(slot chan outcome, c collector.Collector) {
			start := time.Now()
			r, cached := c.Collect(ctx)
			slot <- outcome{result: r, fromCache: cached, elapsed: time.Since(start)}
		}(slots[i], c)
	}

	// The deadline bounds the join only; late collectors finish on
	// their own goroutine and update their caches.
	joinCtx, cancel := context.WithTimeout(context.Background(), a.cycleTimeout)
	defer cancel()

	results := make([]*collector.Result, len(a.collectors))
	arrived := make([]bool, len(a.collectors))
	for i, c := range a.collectors {
		select {
		case out := <-slots[i]:
			results[i], arrived[i] = out.result, true
			a.recordSource(c.Source(), out.result, out.elapsed, out.fromCache)
		case <-joinCtx.Done():
			// The deadline may race a result that is already waiting.
			select {
			case out := <-slots[i]:
				results[i], arrived[i] = out.result, true
				a.recordSource(c.Source(), out.result, out.elapsed, out.fromCache)
			default:
				log.Printf("[aggregate] %s: missed cycle deadline", c.Source())
			}
		}
	}

	type edge struct {
		source string
		up     bool
		reason string
	}
	var (
		merged  []model.Feature
		counts  = make(map[string]int)
		overlay = make(map[string]any)
		states  = make([]edge, 0, len(a.collectors))
	)
	for i, c := range a.collectors {
		name := c.Source()
		e := edge{source: name, up: arrived[i] && c.Healthy()}
		if !arrived[i] {
			e.reason = "missed cycle deadline"
		} else if !e.up {
			e.reason = "collection failing"
		}
		states = append(states, e)

		r := results[i]
		if r == nil {
			if !overlayOnly[name] {
				counts[name] = 0
			}
			continue
		}
		for k, v := range r.Overlay {
			overlay[k] = v
		}
		if overlayOnly[name] {
			continue
		}
		counts[name] = len(r.Features)
		merged = append(merged, r.Features...)
	}
	merged = model.DeduplicateFeatures(merged)
	a.perf.RecordCycle(time.Since(cycleStart))

	fc := model.NewFeatureCollection(merged)
	fc.Properties = map[string]any{
		"source":          "aggregated",
		"collected_at":    a.now().UTC().Format(time.RFC3339),
		"node_count":      len(merged),
		"total_nodes":     len(merged),
		"sources":         counts,
		"enabled_sources": a.names,
		"overlay_data":    overlay,
	}

	var events []bus.Event
	a.mu.Lock()
	a.lastResult = &fc
	a.lastOverlay = overlay
	a.lastCounts = counts
	a.lastCollect = a.now()
	for _, e := range states {
		prev, seen := a.sourceUp[e.source]
		if seen && prev == e.up {
			continue
		}
		a.sourceUp[e.source] = e.up
		if e.up {
			events = append(events, bus.ServiceEvent(bus.ServiceUp, e.source, "collection healthy"))
		} else {
			events = append(events, bus.ServiceEvent(bus.ServiceDown, e.source, e.reason))
		}
	}
	a.mu.Unlock()

	for _, ev := range events {
		if ev.Type == bus.ServiceUp {
			log.Printf("[aggregate] source %s up", ev.Data["service"])
		} else {
			log.Printf("[aggregate] source %s down: %s", ev.Data["service"], ev.Data["message"])
		}
		a.bus.Publish(ev)
	}

	log.Printf("[aggregate] merged %d nodes from %d sources: %v", len(merged), len(counts), counts)
	return fc
}

func (a *Aggregator) recordSource(name string, r *collector.Result, elapsed time.Duration, fromCache bool) {
	nodes := 0
	if r != nil {
		nodes = len(r.Features)
	}
	a.perf.RecordCollection(name, elapsed, nodes, fromCache)
}

// Current returns the last merged collection. ok is false before the
// first completed cycle.
func (a *Aggregator) Current() (model.FeatureCollection, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.lastResult == nil {
		return model.FeatureCollection{}, false
	}
	return *a.lastResult, true
}

// CollectSource runs a single named collector and wraps its features
// in a collection. ok is false for an unknown source.
func (a *Aggregator) CollectSource(ctx context.Context, name string) (model.FeatureCollection, bool) {
	c := a.Collector(name)
	if c == nil {
		return model.FeatureCollection{}, false
	}
	r, _ := c.Collect(ctx)

	var features []model.Feature
	collectedAt := a.now()
	if r != nil {
		features = r.Features
		if !r.CollectedAt.IsZero() {
			collectedAt = r.CollectedAt
		}
	}
	fc := model.NewFeatureCollection(features)
	fc.Properties = map[string]any{
		"source":       name,
		"collected_at": collectedAt.UTC().Format(time.RFC3339),
		"node_count":   len(fc.Features),
	}
	return fc, true
}

// Overlay returns the overlay payload (space weather, terminator,
// weather alerts) captured by the last cycle. When none is cached it
// collects from the overlay-bearing sources only, avoiding a full
// aggregation.
func (a *Aggregator) Overlay(ctx context.Context) map[string]any {
	a.mu.RLock()
	cached := a.lastOverlay
	a.mu.RUnlock()
	if len(cached) > 0 {
		return cached
	}

	overlay := make(map[string]any)
	for _, c := range a.collectors {
		if c.Source() != "hamclock" && !overlayOnly[c.Source()] {
			continue
		}
		r, _ := c.Collect(ctx)
		if r == nil {
			continue
		}
		for k, v := range r.Overlay {
			overlay[k] = v
		}
	}

	a.mu.Lock()
	if len(a.lastOverlay) == 0 {
		a.lastOverlay = overlay
	}
	a.mu.Unlock()
	return overlay
}

// TopologyLinks merges heard-node links from the live subscriber with
// link-quality edges from collectors that expose them.
func (a *Aggregator) TopologyLinks() []model.ResolvedLink {
	var links []model.ResolvedLink
	if a.store != nil {
		links = append(links, a.store.TopologyLinks()...)
	}
	for _, c := range a.collectors {
		if ls, ok := c.(linkSource); ok {
			links = append(links, ls.Links()...)
		}
	}
	return links
}

// TopologyGeoJSON renders the merged topology as SNR-graded
// LineString features.
func (a *Aggregator) TopologyGeoJSON() map[string]any {
	return topology.Collection(a.TopologyLinks())
}

// Collector returns the named collector, nil when not enabled.
func (a *Aggregator) Collector(name string) collector.Collector {
	for _, c := range a.collectors {
		if c.Source() == name {
			return c
		}
	}
	return nil
}

// Sources lists the enabled source names in merge order.
func (a *Aggregator) Sources() []string {
	return append([]string(nil), a.names...)
}

// SourceHealth reports per-collector health counters.
func (a *Aggregator) SourceHealth() map[string]any {
	health := make(map[string]any, len(a.collectors))
	for _, c := range a.collectors {
		health[c.Source()] = c.HealthInfo()
	}
	return health
}

// LastCollectAge reports how long ago the last cycle completed. ok is
// false before the first cycle.
func (a *Aggregator) LastCollectAge() (time.Duration, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.lastCollect.IsZero() {
		return 0, false
	}
	return a.now().Sub(a.lastCollect), true
}

// LastCounts returns the per-source feature counts from the last
// cycle.
func (a *Aggregator) LastCounts() map[string]int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	counts := make(map[string]int, len(a.lastCounts))
	for k, v := range a.lastCounts {
		counts[k] = v
	}
	return counts
}

// ClearCaches drops every collector cache and the cached overlay.
func (a *Aggregator) ClearCaches() {
	for _, c := range a.collectors {
		c.ClearCache()
	}
	a.mu.Lock()
	a.lastOverlay = nil
	a.mu.Unlock()
}
