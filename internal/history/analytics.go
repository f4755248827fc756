package history

import (
	"database/sql"
	"math"
	"sort"
	"time"

	"github.com/meshforge/meshforge-maps/internal/alert"
)

const (
	// DefaultBucketSeconds is the growth/trend bucket width.
	DefaultBucketSeconds int64 = 3600

	minBucketSeconds int64 = 60
	maxBucketSeconds int64 = 86400

	// maxBuckets caps time-bucketed result sets.
	maxBuckets = 500
)

// AlertSource supplies fired-alert history for trend aggregation.
// *alert.Engine satisfies it.
type AlertSource interface {
	History(limit int, severity, nodeID string) []alert.Alert
}

// Analytics answers aggregate questions over the observation log and
// the alert history.
type Analytics struct {
	store  *Store
	alerts AlertSource
	now    func() time.Time
}

// NewAnalytics wraps a store. alerts may be nil; alert trends then
// report empty.
func NewAnalytics(store *Store, alerts AlertSource) *Analytics {
	return &Analytics{store: store, alerts: alerts, now: store.now}
}

// GrowthBucket is one time slice of network activity.
type GrowthBucket struct {
	Timestamp    int64 `json:"timestamp"`
	UniqueNodes  int   `json:"unique_nodes"`
	Observations int   `json:"observations"`
}

// Growth is the bucketed activity series for a time window.
type Growth struct {
	Buckets       []GrowthBucket `json:"buckets"`
	BucketSeconds int64          `json:"bucket_seconds"`
	Since         int64          `json:"since"`
	Until         int64          `json:"until"`
	TotalBuckets  int            `json:"total_buckets"`
}

// NetworkGrowth buckets observations by time, counting distinct nodes
// and total rows per bucket. Zero until means now; zero since means 24
// hours before until. Bucket widths clamp to [60s, 24h].
func (a *Analytics) NetworkGrowth(since, until, bucketSeconds int64) Growth {
	if until <= 0 {
		until = a.now().Unix()
	}
	if since <= 0 {
		since = until - 86400
	}
	bucketSeconds = clampBucket(bucketSeconds)

	g := Growth{
		Buckets:       make([]GrowthBucket, 0),
		BucketSeconds: bucketSeconds,
		Since:         since,
		Until:         until,
	}
	query := `SELECT (timestamp / ?) * ? AS bucket_start,
			COUNT(DISTINCT node_id) AS unique_nodes,
			COUNT(*) AS observations
		FROM observations
		WHERE timestamp >= ? AND timestamp <= ?
		GROUP BY bucket_start
		ORDER BY bucket_start ASC
		LIMIT ?`
	a.store.query(query, []any{bucketSeconds, bucketSeconds, since, until, maxBuckets},
		func(rows *sql.Rows) error {
			var b GrowthBucket
			if err := rows.Scan(&b.Timestamp, &b.UniqueNodes, &b.Observations); err != nil {
				return err
			}
			g.Buckets = append(g.Buckets, b)
			return nil
		})
	g.TotalBuckets = len(g.Buckets)
	return g
}

// Heatmap is observation volume by UTC hour of day.
type Heatmap struct {
	Hours             [24]int `json:"hours"`
	Since             int64   `json:"since"`
	Until             int64   `json:"until"`
	PeakHour          *int    `json:"peak_hour"`
	TotalObservations int     `json:"total_observations"`
}

// ActivityHeatmap counts observations per UTC hour of day over the
// window. Zero until means now; zero since means 7 days before until.
// PeakHour is nil when the window holds no observations.
func (a *Analytics) ActivityHeatmap(since, until int64) Heatmap {
	if until <= 0 {
		until = a.now().Unix()
	}
	if since <= 0 {
		since = until - 7*86400
	}

	h := Heatmap{Since: since, Until: until}
	query := `SELECT CAST(strftime('%H', timestamp, 'unixepoch') AS INTEGER) AS hour, COUNT(*)
		FROM observations
		WHERE timestamp >= ? AND timestamp <= ?
		GROUP BY hour`
	a.store.query(query, []any{since, until}, func(rows *sql.Rows) error {
		var hour, count int
		if err := rows.Scan(&hour, &count); err != nil {
			return err
		}
		if hour >= 0 && hour < 24 {
			h.Hours[hour] = count
			h.TotalObservations += count
		}
		return nil
	})

	if h.TotalObservations > 0 {
		peak := 0
		for i, c := range h.Hours {
			if c > h.Hours[peak] {
				peak = i
			}
		}
		h.PeakHour = &peak
	}
	return h
}

// RankedNode is one entry in the most-active ranking.
type RankedNode struct {
	NodeID           string `json:"node_id"`
	ObservationCount int    `json:"observation_count"`
	FirstSeen        int64  `json:"first_seen"`
	LastSeen         int64  `json:"last_seen"`
	Network          string `json:"network,omitempty"`
	ActiveSeconds    int64  `json:"active_seconds"`
}

// Ranking lists nodes by observation volume.
type Ranking struct {
	Nodes []RankedNode `json:"nodes"`
	Since int64        `json:"since"`
	Count int          `json:"count"`
}

// ActivityRanking lists the most-observed nodes since the cutoff. Zero
// since means the last 24 hours; non-positive limits take 50.
func (a *Analytics) ActivityRanking(since int64, limit int) Ranking {
	if since <= 0 {
		since = a.now().Unix() - 86400
	}
	if limit <= 0 {
		limit = 50
	}

	r := Ranking{Nodes: make([]RankedNode, 0), Since: since}
	query := `SELECT node_id, COUNT(*) AS cnt, MIN(timestamp), MAX(timestamp), network
		FROM observations
		WHERE timestamp >= ?
		GROUP BY node_id
		ORDER BY cnt DESC
		LIMIT ?`
	a.store.query(query, []any{since, limit}, func(rows *sql.Rows) error {
		var (
			n       RankedNode
			network sql.NullString
		)
		if err := rows.Scan(&n.NodeID, &n.ObservationCount, &n.FirstSeen, &n.LastSeen, &network); err != nil {
			return err
		}
		n.Network = network.String
		n.ActiveSeconds = n.LastSeen - n.FirstSeen
		r.Nodes = append(r.Nodes, n)
		return nil
	})
	r.Count = len(r.Nodes)
	return r
}

// NetworkStats is per-network volume.
type NetworkStats struct {
	NodeCount        int `json:"node_count"`
	ObservationCount int `json:"observation_count"`
}

// NetworkSummary is cross-network totals with per-network breakdown.
type NetworkSummary struct {
	UniqueNodes       int                     `json:"unique_nodes"`
	TotalObservations int                     `json:"total_observations"`
	AvgObsPerNode     float64                 `json:"avg_observations_per_node"`
	Networks          map[string]NetworkStats `json:"networks"`
	Since             int64                   `json:"since"`
	Until             int64                   `json:"until"`
}

// NetworkSummary totals observation volume since the cutoff, broken
// down by source network. Zero since means all time.
func (a *Analytics) NetworkSummary(since int64) NetworkSummary {
	if since < 0 {
		since = 0
	}
	s := NetworkSummary{
		Networks: make(map[string]NetworkStats),
		Since:    since,
		Until:    a.now().Unix(),
	}

	a.store.query(
		"SELECT COUNT(DISTINCT node_id), COUNT(*) FROM observations WHERE timestamp >= ?",
		[]any{since}, func(rows *sql.Rows) error {
			return rows.Scan(&s.UniqueNodes, &s.TotalObservations)
		})

	a.store.query(
		`SELECT COALESCE(network, 'unknown') AS net, COUNT(DISTINCT node_id), COUNT(*)
		 FROM observations WHERE timestamp >= ? GROUP BY net`,
		[]any{since}, func(rows *sql.Rows) error {
			var (
				net string
				st  NetworkStats
			)
			if err := rows.Scan(&net, &st.NodeCount, &st.ObservationCount); err != nil {
				return err
			}
			s.Networks[net] = st
			return nil
		})

	if s.UniqueNodes > 0 {
		s.AvgObsPerNode = math.Round(float64(s.TotalObservations)/float64(s.UniqueNodes)*10) / 10
	}
	return s
}

// TrendBucket is one time slice of fired alerts by severity.
type TrendBucket struct {
	Timestamp int64 `json:"timestamp"`
	Critical  int   `json:"critical"`
	Warning   int   `json:"warning"`
	Info      int   `json:"info"`
	Total     int   `json:"total"`
}

// AlertTrends is the bucketed alert series.
type AlertTrends struct {
	Buckets       []TrendBucket `json:"buckets"`
	BucketSeconds int64         `json:"bucket_seconds"`
	TotalAlerts   int           `json:"total_alerts"`
	TotalBuckets  int           `json:"total_buckets"`
}

// AlertTrends buckets the alert engine's history by time and severity.
// Bucket widths clamp to [60s, 24h].
func (a *Analytics) AlertTrends(bucketSeconds int64) AlertTrends {
	bucketSeconds = clampBucket(bucketSeconds)
	t := AlertTrends{
		Buckets:       make([]TrendBucket, 0),
		BucketSeconds: bucketSeconds,
	}
	if a.alerts == nil {
		return t
	}

	byBucket := make(map[int64]*TrendBucket)
	for _, al := range a.alerts.History(alert.DefaultMaxHistory, "", "") {
		start := (al.Timestamp / bucketSeconds) * bucketSeconds
		b, ok := byBucket[start]
		if !ok {
			b = &TrendBucket{Timestamp: start}
			byBucket[start] = b
		}
		switch al.Severity {
		case alert.SeverityCritical:
			b.Critical++
		case alert.SeverityWarning:
			b.Warning++
		default:
			b.Info++
		}
		b.Total++
		t.TotalAlerts++
	}

	for _, b := range byBucket {
		t.Buckets = append(t.Buckets, *b)
	}
	sort.Slice(t.Buckets, func(i, j int) bool { return t.Buckets[i].Timestamp < t.Buckets[j].Timestamp })
	if len(t.Buckets) > maxBuckets {
		t.Buckets = t.Buckets[len(t.Buckets)-maxBuckets:]
	}
	t.TotalBuckets = len(t.Buckets)
	return t
}

func clampBucket(b int64) int64 {
	switch {
	case b <= 0:
		return DefaultBucketSeconds
	case b < minBucketSeconds:
		return minBucketSeconds
	case b > maxBucketSeconds:
		return maxBucketSeconds
	}
	return b
}
