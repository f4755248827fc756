// Package drift detects configuration changes on mesh nodes by
// comparing successive observations of identity and radio parameters.
// A node suddenly changing role or region usually means it was
// re-flashed, replaced, or reconfigured.
package drift

import (
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zeebo/xxh3"
)

// Severity grades a config change.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// trackedFields maps each watched config field to the severity of a
// change in it. Untracked fields are ignored entirely.
var trackedFields = map[string]Severity{
	// From node info
	"role":       SeverityWarning,
	"hardware":   SeverityWarning,
	"name":       SeverityInfo,
	"short_name": SeverityInfo,

	// From map reports or direct config
	"region":           SeverityCritical,
	"modem_preset":     SeverityCritical,
	"channel_name":     SeverityCritical,
	"hop_limit":        SeverityWarning,
	"tx_power":         SeverityWarning,
	"tx_enabled":       SeverityWarning,
	"uplink_enabled":   SeverityInfo,
	"downlink_enabled": SeverityInfo,
}

const (
	defaultMaxHistory = 50
	defaultMaxNodes   = 10000
)

// Drift is one detected configuration change. Values are stored in
// normalized form.
type Drift struct {
	NodeID    string   `json:"node_id"`
	Field     string   `json:"field"`
	OldValue  string   `json:"old_value"`
	NewValue  string   `json:"new_value"`
	Severity  Severity `json:"severity"`
	Timestamp int64    `json:"timestamp"`
}

type snapshot struct {
	values    map[string]string
	lastHash  uint64
	firstSeen int64
	lastSeen  int64
}

// Options tunes the detector. Zero values take the defaults.
type Options struct {
	MaxHistory int
	MaxNodes   int

	// OnDrift fires outside the detector mutex with all drifts from
	// one check-in.
	OnDrift func(nodeID string, drifts []Drift)

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Detector keeps a per-node snapshot of tracked config fields and a
// bounded drift history. Snapshots live in an LRU keyed by last
// update, so long-quiet nodes fall out first.
type Detector struct {
	mu        sync.Mutex
	snapshots *lru.Cache[string, *snapshot]
	history   map[string][]Drift

	maxHistory int
	onDrift    func(string, []Drift)
	now        func() time.Time

	totalDrifts int64
}

// NewDetector builds an empty detector.
func NewDetector(opts Options) *Detector {
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = defaultMaxHistory
	}
	if opts.MaxNodes <= 0 {
		opts.MaxNodes = defaultMaxNodes
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	d := &Detector{
		history:    make(map[string][]Drift),
		maxHistory: opts.MaxHistory,
		onDrift:    opts.OnDrift,
		now:        opts.Now,
	}
	// The evict hook runs from Add/Remove calls, which all hold d.mu;
	// it must touch history without relocking.
	cache, err := lru.NewWithEvict(opts.MaxNodes, func(nodeID string, _ *snapshot) {
		delete(d.history, nodeID)
	})
	if err != nil {
		panic("drift: failed to create snapshot cache: " + err.Error())
	}
	d.snapshots = cache
	return d
}

// CheckNode compares a node's current tracked fields against its
// snapshot and returns the detected drifts. The first observation of a
// node seeds the snapshot and never drifts. Nil field values are
// ignored; a field appearing for the first time is recorded, not
// reported.
func (d *Detector) CheckNode(nodeID string, fields map[string]any) []Drift {
	current := make(map[string]string, len(fields))
	for k, v := range fields {
		if _, tracked := trackedFields[k]; !tracked {
			continue
		}
		if s, ok := normalizeValue(v); ok {
			current[k] = s
		}
	}
	if len(current) == 0 {
		return nil
	}

	now := d.now().Unix()
	hash := tupleHash(current)

	var drifts []Drift
	d.mu.Lock()
	snap, ok := d.snapshots.Peek(nodeID)
	if !ok {
		d.snapshots.Add(nodeID, &snapshot{
			values:    current,
			lastHash:  hash,
			firstSeen: now,
			lastSeen:  now,
		})
		d.mu.Unlock()
		return nil
	}

	if hash == snap.lastHash {
		// Identical tuple to the previous check-in; skip the
		// field-by-field compare.
		snap.lastSeen = now
		d.snapshots.Add(nodeID, snap)
		d.mu.Unlock()
		return nil
	}

	names := make([]string, 0, len(current))
	for k := range current {
		names = append(names, k)
	}
	sort.Strings(names)

	for _, field := range names {
		newVal := current[field]
		oldVal, had := snap.values[field]
		if !had || oldVal == newVal {
			continue
		}
		dr := Drift{
			NodeID:    nodeID,
			Field:     field,
			OldValue:  oldVal,
			NewValue:  newVal,
			Severity:  trackedFields[field],
			Timestamp: now,
		}
		drifts = append(drifts, dr)
		d.totalDrifts++
		h := append(d.history[nodeID], dr)
		if len(h) > d.maxHistory {
			h = h[len(h)-d.maxHistory:]
		}
		d.history[nodeID] = h
		log.Printf("[drift] %s %s: %s -> %s on %s", dr.Severity, field, oldVal, newVal, nodeID)
	}

	for k, v := range current {
		snap.values[k] = v
	}
	snap.lastHash = hash
	snap.lastSeen = now
	d.snapshots.Add(nodeID, snap)
	d.mu.Unlock()

	if len(drifts) > 0 && d.onDrift != nil {
		d.onDrift(nodeID, drifts)
	}
	return drifts
}

// NodeSnapshot returns a copy of the node's last-known tracked fields.
func (d *Detector) NodeSnapshot(nodeID string) (map[string]string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	snap, ok := d.snapshots.Peek(nodeID)
	if !ok {
		return nil, false
	}
	out := make(map[string]string, len(snap.values))
	for k, v := range snap.values {
		out[k] = v
	}
	return out, true
}

// NodeHistory returns the drift history for one node, oldest first.
func (d *Detector) NodeHistory(nodeID string) []Drift {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := d.history[nodeID]
	if len(h) == 0 {
		return nil
	}
	out := make([]Drift, len(h))
	copy(out, h)
	return out
}

// AllDrifts returns every recorded drift, newest first. A nonzero
// since keeps only drifts at or after that unix time; a nonempty
// severity filters to that level.
func (d *Detector) AllDrifts(since int64, severity Severity) []Drift {
	d.mu.Lock()
	var out []Drift
	for _, h := range d.history {
		for _, dr := range h {
			if since != 0 && dr.Timestamp < since {
				continue
			}
			if severity != "" && dr.Severity != severity {
				continue
			}
			out = append(out, dr)
		}
	}
	d.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	return out
}

// Summary is the aggregate view served by the drift API.
type Summary struct {
	TrackedNodes   int     `json:"tracked_nodes"`
	NodesWithDrift int     `json:"nodes_with_drift"`
	TotalDrifts    int64   `json:"total_drifts"`
	RecentDrifts   []Drift `json:"recent_drifts"`
}

// Summary reports drift counts and the most recent changes.
func (d *Detector) Summary() Summary {
	d.mu.Lock()
	sum := Summary{
		TrackedNodes: d.snapshots.Len(),
		TotalDrifts:  d.totalDrifts,
	}
	var recent []Drift
	for _, h := range d.history {
		if len(h) == 0 {
			continue
		}
		sum.NodesWithDrift++
		tail := h
		if len(tail) > 3 {
			tail = tail[len(tail)-3:]
		}
		recent = append(recent, tail...)
	}
	d.mu.Unlock()
	sort.SliceStable(recent, func(i, j int) bool { return recent[i].Timestamp > recent[j].Timestamp })
	if len(recent) > 10 {
		recent = recent[:10]
	}
	sum.RecentDrifts = recent
	return sum
}

// Count reports how many nodes have snapshots.
func (d *Detector) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshots.Len()
}

// TotalDrifts reports the lifetime drift count.
func (d *Detector) TotalDrifts() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalDrifts
}

// RemoveNode drops all tracking for a node, typically from the node
// store's eviction hook.
func (d *Detector) RemoveNode(nodeID string) {
	d.mu.Lock()
	d.snapshots.Remove(nodeID)
	delete(d.history, nodeID)
	d.mu.Unlock()
}

// normalizeValue flattens a field value for comparison: strings are
// trimmed and numbers print minimally, so int 1 and float 1.0 compare
// equal. Nil reports false.
func normalizeValue(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return strings.TrimSpace(x), true
	case bool:
		return strconv.FormatBool(x), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case uint32:
		return strconv.FormatUint(uint64(x), 10), true
	default:
		return fmt.Sprint(x), true
	}
}

// tupleHash fingerprints a normalized tuple. Field order must not
// matter, so keys are sorted into the buffer.
func tupleHash(values map[string]string) uint64 {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(values[k])
		sb.WriteByte(0)
	}
	return xxh3.HashString(sb.String())
}
