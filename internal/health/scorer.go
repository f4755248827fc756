// Package health computes composite 0-100 node health scores from
// battery, signal, freshness, connectivity, and congestion metrics.
//
// Not every node reports every metric. The scorer normalizes over the
// components that had input: a node reporting only battery and
// freshness is scored out of 45 and scaled to 0-100. A node with no
// scorable input has no score at all.
package health

import (
	"math"
	"time"

	"github.com/maypok86/otter"
)

// Component weights (max points).
const (
	weightBattery     = 25.0
	weightSignal      = 25.0
	weightFreshness   = 20.0
	weightReliability = 15.0
	weightCongestion  = 15.0
)

// Metric thresholds.
const (
	batteryLow  = 20.0
	batteryFull = 80.0

	voltageMin     = 3.0
	voltageHealthy = 3.7

	snrPoor      = -10.0
	snrExcellent = 8.0

	maxHopsScored = 7

	channelUtilLow  = 25.0
	channelUtilHigh = 75.0
)

const (
	defaultFreshWithin = 5 * time.Minute
	defaultStaleAfter  = time.Hour
	defaultMaxNodes    = 10000
)

// Input carries the per-node metrics the scorer reads. Nil fields mean
// the node does not report that metric.
type Input struct {
	Battery     *float64
	Voltage     *float64
	SNR         *float64
	HopsAway    *int
	LastSeen    *int64 // unix seconds
	State       string // connectivity state, "" when untracked
	ChannelUtil *float64
	AirUtilTx   *float64
}

// Component is one scored slice of a node's health.
type Component struct {
	Score float64 `json:"score"`
	Max   float64 `json:"max"`

	BatteryLevel *float64 `json:"battery_level,omitempty"`
	Voltage      *float64 `json:"voltage,omitempty"`
	SNR          *float64 `json:"snr,omitempty"`
	HopsAway     *int     `json:"hops_away,omitempty"`
	AgeSeconds   *int64   `json:"age_seconds,omitempty"`
	Connectivity string   `json:"connectivity_state,omitempty"`
	ChannelUtil  *float64 `json:"channel_util,omitempty"`
	AirUtilTx    *float64 `json:"air_util_tx,omitempty"`
}

// Score is a node's composite health at one instant.
type Score struct {
	NodeID          string               `json:"node_id"`
	Score           int                  `json:"score"`
	Status          string               `json:"status"`
	Components      map[string]Component `json:"components"`
	AvailableWeight int                  `json:"available_weight"`
	ComputedAt      int64                `json:"computed_at"`
}

// Options tunes the scorer. Zero values take the defaults.
type Options struct {
	MaxNodes int

	// FreshWithin is the age still earning a full freshness score;
	// StaleAfter the age earning none.
	FreshWithin time.Duration
	StaleAfter  time.Duration

	// OnEvicted fires when a score falls out of the cache under
	// capacity pressure, not on explicit removal.
	OnEvicted func(nodeID string)

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Scorer computes and caches per-node health scores. The cache is
// bounded; capacity evictions report through OnEvicted.
type Scorer struct {
	cache       otter.Cache[string, Score]
	freshWithin time.Duration
	staleAfter  time.Duration
	now         func() time.Time
}

// NewScorer builds a scorer with an empty score cache.
func NewScorer(opts Options) *Scorer {
	if opts.MaxNodes <= 0 {
		opts.MaxNodes = defaultMaxNodes
	}
	if opts.FreshWithin <= 0 {
		opts.FreshWithin = defaultFreshWithin
	}
	if opts.StaleAfter <= opts.FreshWithin {
		opts.StaleAfter = defaultStaleAfter
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	builder := otter.MustBuilder[string, Score](opts.MaxNodes).
		Cost(func(_ string, _ Score) uint32 { return 1 })
	if opts.OnEvicted != nil {
		hook := opts.OnEvicted
		builder = builder.DeletionListener(func(nodeID string, _ Score, cause otter.DeletionCause) {
			if cause == otter.Size {
				hook(nodeID)
			}
		})
	}
	cache, err := builder.Build()
	if err != nil {
		panic("health: failed to create score cache: " + err.Error())
	}
	return &Scorer{
		cache:       cache,
		freshWithin: opts.FreshWithin,
		staleAfter:  opts.StaleAfter,
		now:         opts.Now,
	}
}

// ScoreNode computes, caches, and returns a node's health score. It
// reports false when no component had input; any previously cached
// score is dropped so the API stops serving it.
func (s *Scorer) ScoreNode(nodeID string, in Input) (Score, bool) {
	now := s.now()

	components := make(map[string]Component)
	earned := 0.0
	available := 0.0

	if c, pts, ok := scoreBattery(in); ok {
		components["battery"] = c
		earned += pts
		available += weightBattery
	}
	if c, pts, ok := scoreSignal(in); ok {
		components["signal"] = c
		earned += pts
		available += weightSignal
	}
	if c, pts, ok := s.scoreFreshness(in, now); ok {
		components["freshness"] = c
		earned += pts
		available += weightFreshness
	}
	if c, pts, ok := scoreReliability(in.State); ok {
		components["reliability"] = c
		earned += pts
		available += weightReliability
	}
	if c, pts, ok := scoreCongestion(in); ok {
		components["congestion"] = c
		earned += pts
		available += weightCongestion
	}

	if available == 0 {
		s.cache.Delete(nodeID)
		return Score{}, false
	}

	score := int(math.Round(earned / available * 100))
	if score < 0 {
		score = 0
	} else if score > 100 {
		score = 100
	}

	result := Score{
		NodeID:          nodeID,
		Score:           score,
		Status:          statusFor(score),
		Components:      components,
		AvailableWeight: int(available),
		ComputedAt:      now.Unix(),
	}
	s.cache.Set(nodeID, result)
	return result, true
}

// NodeScore returns the cached score for a node.
func (s *Scorer) NodeScore(nodeID string) (Score, bool) {
	return s.cache.Get(nodeID)
}

// AllScores returns {node_id: score} for every cached node.
func (s *Scorer) AllScores() map[string]int {
	out := make(map[string]int)
	s.cache.Range(func(nodeID string, sc Score) bool {
		out[nodeID] = sc.Score
		return true
	})
	return out
}

// Summary aggregates the cached scores.
type Summary struct {
	ScoredNodes       int                `json:"scored_nodes"`
	AverageScore      float64            `json:"average_score"`
	MinScore          int                `json:"min_score"`
	MaxScore          int                `json:"max_score"`
	StatusCounts      map[string]int     `json:"status_counts"`
	ComponentAverages map[string]float64 `json:"component_averages"`
}

// Summary computes aggregate statistics over all cached scores.
func (s *Scorer) Summary() Summary {
	out := Summary{
		StatusCounts:      make(map[string]int),
		ComponentAverages: make(map[string]float64),
	}
	var total float64
	compTotals := make(map[string]float64)
	compCounts := make(map[string]int)

	s.cache.Range(func(_ string, sc Score) bool {
		if out.ScoredNodes == 0 || sc.Score < out.MinScore {
			out.MinScore = sc.Score
		}
		if out.ScoredNodes == 0 || sc.Score > out.MaxScore {
			out.MaxScore = sc.Score
		}
		out.ScoredNodes++
		total += float64(sc.Score)
		out.StatusCounts[sc.Status]++
		for name, comp := range sc.Components {
			compTotals[name] += comp.Score
			compCounts[name]++
		}
		return true
	})

	if out.ScoredNodes == 0 {
		return out
	}
	out.AverageScore = round1(total / float64(out.ScoredNodes))
	for name, t := range compTotals {
		out.ComponentAverages[name] = round1(t / float64(compCounts[name]))
	}
	return out
}

// Count reports how many nodes have cached scores.
func (s *Scorer) Count() int {
	return s.cache.Size()
}

// RemoveNode drops the cached score for a node, typically from the
// node store's eviction hook.
func (s *Scorer) RemoveNode(nodeID string) {
	s.cache.Delete(nodeID)
}

// Close releases the underlying cache.
func (s *Scorer) Close() {
	s.cache.Close()
}

// --- component scorers ---

func scoreBattery(in Input) (Component, float64, bool) {
	if in.Battery == nil && in.Voltage == nil {
		return Component{}, 0, false
	}
	var pts float64
	c := Component{Max: weightBattery}
	switch {
	case in.Battery != nil && in.Voltage != nil:
		pts = linearScore(*in.Battery, batteryLow, batteryFull, weightBattery*0.5) +
			linearScore(*in.Voltage, voltageMin, voltageHealthy, weightBattery*0.5)
		c.BatteryLevel = in.Battery
		c.Voltage = in.Voltage
	case in.Battery != nil:
		pts = linearScore(*in.Battery, batteryLow, batteryFull, weightBattery)
		c.BatteryLevel = in.Battery
	default:
		pts = linearScore(*in.Voltage, voltageMin, voltageHealthy, weightBattery)
		c.Voltage = in.Voltage
	}
	c.Score = round1(pts)
	return c, pts, true
}

func scoreSignal(in Input) (Component, float64, bool) {
	if in.SNR == nil && in.HopsAway == nil {
		return Component{}, 0, false
	}
	hops := 0
	if in.HopsAway != nil {
		hops = *in.HopsAway
		if hops < 0 {
			hops = 0
		}
	}
	var pts float64
	c := Component{Max: weightSignal}
	switch {
	case in.SNR != nil && in.HopsAway != nil:
		pts = linearScore(*in.SNR, snrPoor, snrExcellent, weightSignal*0.7) +
			linearScore(float64(maxHopsScored-hops), 0, maxHopsScored, weightSignal*0.3)
		c.SNR = in.SNR
		c.HopsAway = in.HopsAway
	case in.SNR != nil:
		pts = linearScore(*in.SNR, snrPoor, snrExcellent, weightSignal)
		c.SNR = in.SNR
	default:
		pts = linearScore(float64(maxHopsScored-hops), 0, maxHopsScored, weightSignal)
		c.HopsAway = in.HopsAway
	}
	c.Score = round1(pts)
	return c, pts, true
}

func (s *Scorer) scoreFreshness(in Input, now time.Time) (Component, float64, bool) {
	if in.LastSeen == nil {
		return Component{}, 0, false
	}
	age := now.Sub(time.Unix(*in.LastSeen, 0)).Seconds()
	if age < 0 {
		// Clock skew between reporters is common; treat the future as now.
		age = 0
	}
	stale := s.staleAfter.Seconds()
	fresh := s.freshWithin.Seconds()
	pts := linearScore(stale-age, 0, stale-fresh, weightFreshness)
	ageSec := int64(age)
	c := Component{Max: weightFreshness, AgeSeconds: &ageSec}
	c.Score = round1(pts)
	return c, pts, true
}

func scoreReliability(state string) (Component, float64, bool) {
	if state == "" {
		return Component{}, 0, false
	}
	var pts float64
	switch state {
	case "stable":
		pts = weightReliability
	case "new":
		pts = weightReliability * 0.7
	case "intermittent":
		pts = weightReliability * 0.3
	case "offline":
		pts = 0
	default:
		pts = weightReliability * 0.5
	}
	c := Component{Max: weightReliability, Connectivity: state}
	c.Score = round1(pts)
	return c, pts, true
}

func scoreCongestion(in Input) (Component, float64, bool) {
	if in.ChannelUtil == nil && in.AirUtilTx == nil {
		return Component{}, 0, false
	}
	span := channelUtilHigh - channelUtilLow
	var pts float64
	c := Component{Max: weightCongestion}
	switch {
	case in.ChannelUtil != nil && in.AirUtilTx != nil:
		avg := (*in.ChannelUtil + *in.AirUtilTx) / 2
		pts = linearScore(channelUtilHigh-avg, 0, span, weightCongestion)
		c.ChannelUtil = in.ChannelUtil
		c.AirUtilTx = in.AirUtilTx
	case in.ChannelUtil != nil:
		pts = linearScore(channelUtilHigh-*in.ChannelUtil, 0, span, weightCongestion)
		c.ChannelUtil = in.ChannelUtil
	default:
		pts = linearScore(channelUtilHigh-*in.AirUtilTx, 0, span, weightCongestion)
		c.AirUtilTx = in.AirUtilTx
	}
	c.Score = round1(pts)
	return c, pts, true
}

// --- helpers ---

// InputFromProperties extracts scorer inputs from GeoJSON feature
// properties. Connectivity state is not a feature property; the caller
// fills it from the state tracker.
func InputFromProperties(props map[string]any) Input {
	var in Input
	if v, ok := propNum(props, "battery"); ok {
		v = clampF(v, 0, 100)
		in.Battery = &v
	}
	if v, ok := propNum(props, "voltage"); ok {
		in.Voltage = &v
	}
	if v, ok := propNum(props, "snr"); ok {
		in.SNR = &v
	}
	if v, ok := propNum(props, "hops_away"); ok {
		h := int(v)
		if h < 0 {
			h = 0
		}
		in.HopsAway = &h
	}
	if v, ok := propNum(props, "last_seen"); ok {
		ls := int64(v)
		in.LastSeen = &ls
	}
	if v, ok := propNum(props, "channel_util"); ok {
		v = clampF(v, 0, 100)
		in.ChannelUtil = &v
	}
	if v, ok := propNum(props, "air_util_tx"); ok {
		v = clampF(v, 0, 100)
		in.AirUtilTx = &v
	}
	return in
}

// propNum reads a numeric property whether it came from a JSON decode
// (float64) or a typed feature builder (int64, int).
func propNum(props map[string]any, key string) (float64, bool) {
	switch v := props[key].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}

// linearScore interpolates value between bad (0 points) and good (full
// points), clamped at both ends.
func linearScore(value, bad, good, maxPoints float64) float64 {
	if good == bad {
		if value >= good {
			return maxPoints
		}
		return 0
	}
	ratio := (value - bad) / (good - bad)
	if ratio < 0 {
		ratio = 0
	} else if ratio > 1 {
		ratio = 1
	}
	return ratio * maxPoints
}

func statusFor(score int) string {
	switch {
	case score >= 80:
		return "excellent"
	case score >= 60:
		return "good"
	case score >= 40:
		return "fair"
	case score >= 20:
		return "poor"
	}
	return "critical"
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
