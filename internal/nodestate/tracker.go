// Package nodestate classifies mesh nodes as new, stable, intermittent,
// or offline from the regularity of their heartbeats.
package nodestate

import (
	"log"
	"math"
	"sort"
	"sync"
	"time"
)

// State labels a node's connectivity pattern.
type State string

const (
	StateNew          State = "new"
	StateStable       State = "stable"
	StateIntermittent State = "intermittent"
	StateOffline      State = "offline"
)

const (
	defaultWindow           = 20
	defaultExpectedInterval = 5 * time.Minute
	defaultOfflineAfter     = 15 * time.Minute
	defaultStableCount      = 3
	defaultGapRatio         = 0.3
	defaultMaxNodes         = 10000

	// minClassifyBeats keeps a node in "new" until its window carries
	// enough intervals to judge.
	minClassifyBeats = 3
)

// Options tunes the tracker. Zero values take the defaults.
type Options struct {
	// Window bounds the per-node heartbeat deque.
	Window int

	// ExpectedInterval is the nominal beacon period; an interval over
	// twice this value counts as a gap.
	ExpectedInterval time.Duration

	// OfflineAfter is how long a node may stay quiet before a sweep
	// marks it offline.
	OfflineAfter time.Duration

	// StableCount is how many consecutive sub-gap intervals promote a
	// node to stable.
	StableCount int

	// GapRatio is the fraction of windowed gaps that demotes a stable
	// node to intermittent.
	GapRatio float64

	MaxNodes int

	// OnTransition fires outside the tracker mutex for every state
	// change, sweep-driven offline transitions included.
	OnTransition func(nodeID string, from, to State)

	// Now overrides the clock in tests.
	Now func() time.Time
}

type entry struct {
	state       State
	beats       []time.Time
	firstSeen   time.Time
	lastSeen    time.Time
	transitions int
	lastChange  time.Time

	// steady counts consecutive intervals below twice the expected
	// period; a gap resets it.
	steady int
}

// Tracker drives the per-node connectivity state machine. One mutex
// guards the node map and every heartbeat deque.
type Tracker struct {
	mu    sync.Mutex
	nodes map[string]*entry

	window       int
	expected     time.Duration
	offlineAfter time.Duration
	stableCount  int
	gapRatio     float64
	maxNodes     int
	onTransition func(string, State, State)
	now          func() time.Time

	totalTransitions int64
}

// NewTracker builds an empty tracker.
func NewTracker(opts Options) *Tracker {
	if opts.Window <= 0 {
		opts.Window = defaultWindow
	}
	if opts.ExpectedInterval <= 0 {
		opts.ExpectedInterval = defaultExpectedInterval
	}
	if opts.OfflineAfter <= 0 {
		opts.OfflineAfter = defaultOfflineAfter
	}
	if opts.StableCount <= 0 {
		opts.StableCount = defaultStableCount
	}
	if opts.GapRatio <= 0 {
		opts.GapRatio = defaultGapRatio
	}
	if opts.MaxNodes <= 0 {
		opts.MaxNodes = defaultMaxNodes
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Tracker{
		nodes:        make(map[string]*entry),
		window:       opts.Window,
		expected:     opts.ExpectedInterval,
		offlineAfter: opts.OfflineAfter,
		stableCount:  opts.StableCount,
		gapRatio:     opts.GapRatio,
		maxNodes:     opts.MaxNodes,
		onTransition: opts.OnTransition,
		now:          opts.Now,
	}
}

// RecordHeartbeat notes an observation of a node and recomputes its
// state. Call it for every position, info, and telemetry event. The
// returned pair is (previous, current); they are equal when nothing
// changed.
func (t *Tracker) RecordHeartbeat(nodeID string) (from, to State) {
	ts := t.now()

	t.mu.Lock()
	e, ok := t.nodes[nodeID]
	if !ok {
		if len(t.nodes) >= t.maxNodes {
			t.evictOldestLocked()
		}
		t.nodes[nodeID] = &entry{
			state:      StateNew,
			beats:      []time.Time{ts},
			firstSeen:  ts,
			lastSeen:   ts,
			lastChange: ts,
		}
		t.mu.Unlock()
		return StateNew, StateNew
	}

	from = e.state
	if e.state == StateOffline {
		// A node back from offline starts over with a fresh window
		// and has to earn stable again.
		e.beats = append(e.beats[:0], ts)
		e.steady = 0
		e.state = StateNew
	} else {
		if ts.Sub(e.lastSeen) < 2*t.expected {
			e.steady++
		} else {
			e.steady = 0
		}
		e.beats = append(e.beats, ts)
		if len(e.beats) > t.window {
			e.beats = e.beats[len(e.beats)-t.window:]
		}
		e.state = t.nextLocked(e)
	}
	e.lastSeen = ts

	to = e.state
	fire := to != from
	if fire {
		e.transitions++
		e.lastChange = ts
		t.totalTransitions++
	}
	t.mu.Unlock()

	if fire && t.onTransition != nil {
		t.onTransition(nodeID, from, to)
	}
	return from, to
}

// nextLocked applies the transition rules to a node that just beat.
func (t *Tracker) nextLocked(e *entry) State {
	if len(e.beats) < minClassifyBeats {
		return e.state
	}
	switch e.state {
	case StateNew:
		if e.steady >= t.stableCount {
			return StateStable
		}
	case StateStable:
		if t.windowGapRatioLocked(e) > t.gapRatio {
			return StateIntermittent
		}
	case StateIntermittent:
		// Re-promotion needs the window clean enough that stable's
		// exit rule will not fire on the very next beat.
		if e.steady >= t.stableCount && t.windowGapRatioLocked(e) <= t.gapRatio {
			return StateStable
		}
	}
	return e.state
}

// windowGapRatioLocked is the fraction of windowed intervals exceeding
// twice the expected period.
func (t *Tracker) windowGapRatioLocked(e *entry) float64 {
	if len(e.beats) < 2 {
		return 0
	}
	gap := 2 * t.expected
	gaps := 0
	for i := 1; i < len(e.beats); i++ {
		if e.beats[i].Sub(e.beats[i-1]) > gap {
			gaps++
		}
	}
	return float64(gaps) / float64(len(e.beats)-1)
}

// Sweep marks every node quiet for longer than the offline threshold
// and returns their ids. Run it periodically; transition callbacks
// fire after the mutex is released.
func (t *Tracker) Sweep() []string {
	now := t.now()

	type change struct {
		nodeID string
		from   State
	}
	var changes []change

	t.mu.Lock()
	for id, e := range t.nodes {
		if e.state == StateOffline {
			continue
		}
		if now.Sub(e.lastSeen) <= t.offlineAfter {
			continue
		}
		changes = append(changes, change{id, e.state})
		e.state = StateOffline
		e.transitions++
		e.lastChange = now
		t.totalTransitions++
	}
	t.mu.Unlock()

	if len(changes) == 0 {
		return nil
	}
	log.Printf("[state] marked %d nodes offline after %s quiet", len(changes), t.offlineAfter)
	ids := make([]string, 0, len(changes))
	for _, c := range changes {
		ids = append(ids, c.nodeID)
		if t.onTransition != nil {
			t.onTransition(c.nodeID, c.from, StateOffline)
		}
	}
	return ids
}

// State reports the current classification for a node.
func (t *Tracker) State(nodeID string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.nodes[nodeID]
	if !ok {
		return "", false
	}
	return e.state, true
}

// Info is the per-node view served by the states API.
type Info struct {
	NodeID         string    `json:"node_id"`
	State          State     `json:"state"`
	HeartbeatCount int       `json:"heartbeat_count"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
	// AverageInterval is seconds between windowed heartbeats, rounded
	// to one decimal. Absent until a node has beaten twice.
	AverageInterval *float64 `json:"average_interval,omitempty"`
	Transitions     int      `json:"transition_count"`
}

// Info returns the detailed view for one node.
func (t *Tracker) Info(nodeID string) (Info, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.nodes[nodeID]
	if !ok {
		return Info{}, false
	}
	return infoLocked(nodeID, e), true
}

func infoLocked(id string, e *entry) Info {
	in := Info{
		NodeID:         id,
		State:          e.state,
		HeartbeatCount: len(e.beats),
		FirstSeen:      e.firstSeen,
		LastSeen:       e.lastSeen,
		Transitions:    e.transitions,
	}
	if n := len(e.beats); n >= 2 {
		avg := e.beats[n-1].Sub(e.beats[0]).Seconds() / float64(n-1)
		avg = math.Round(avg*10) / 10
		in.AverageInterval = &avg
	}
	return in
}

// AllStates returns every tracked node's classification.
func (t *Tracker) AllStates() map[string]State {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]State, len(t.nodes))
	for id, e := range t.nodes {
		out[id] = e.state
	}
	return out
}

// NodesInState lists detailed info for every node in one state,
// ordered by node id.
func (t *Tracker) NodesInState(s State) []Info {
	t.mu.Lock()
	var out []Info
	for id, e := range t.nodes {
		if e.state == s {
			out = append(out, infoLocked(id, e))
		}
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Summary is the aggregate view served by the states summary API.
type Summary struct {
	TrackedNodes     int            `json:"tracked_nodes"`
	States           map[string]int `json:"states"`
	TotalTransitions int64          `json:"total_transitions"`
}

// Summary counts nodes per state.
func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	counts := map[string]int{
		string(StateNew):          0,
		string(StateStable):       0,
		string(StateIntermittent): 0,
		string(StateOffline):      0,
	}
	for _, e := range t.nodes {
		counts[string(e.state)]++
	}
	return Summary{
		TrackedNodes:     len(t.nodes),
		States:           counts,
		TotalTransitions: t.totalTransitions,
	}
}

// Count reports how many nodes are tracked.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.nodes)
}

// RemoveNode drops all tracking for a node, typically from the node
// store's eviction hook.
func (t *Tracker) RemoveNode(nodeID string) {
	t.mu.Lock()
	delete(t.nodes, nodeID)
	t.mu.Unlock()
}

func (t *Tracker) evictOldestLocked() {
	var oldest string
	var oldestSeen time.Time
	for id, e := range t.nodes {
		if oldest == "" || e.lastSeen.Before(oldestSeen) {
			oldest = id
			oldestSeen = e.lastSeen
		}
	}
	if oldest != "" {
		delete(t.nodes, oldest)
	}
}
