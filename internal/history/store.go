// Package history persists node position observations to SQLite and
// answers trajectory, snapshot, and density queries over them. Writes
// are throttled per node; all access is serialized by one mutex with
// WAL mode covering outside readers.
package history

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/meshforge/meshforge-maps/internal/model"
	"github.com/meshforge/meshforge-maps/internal/paths"
)

const (
	// DefaultThrottle is the minimum spacing between recorded
	// observations for one node.
	DefaultThrottle = 60 * time.Second

	// DefaultRetention is how long observations are kept.
	DefaultRetention = 30 * 24 * time.Hour

	// MaxTrajectoryPoints caps a single trajectory query.
	MaxTrajectoryPoints = 1000

	dbFilename = "maps_node_history.db"
)

// Observation is one recorded node position.
type Observation struct {
	Timestamp int64    `json:"timestamp"`
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Altitude  *float64 `json:"altitude,omitempty"`
	Network   string   `json:"network,omitempty"`
	SNR       *float64 `json:"snr,omitempty"`
	Battery   *int     `json:"battery,omitempty"`
	Name      string   `json:"name,omitempty"`
}

// TrajectoryPoint is one position sample on a node's path.
type TrajectoryPoint struct {
	Timestamp int64    `json:"ts"`
	Latitude  float64  `json:"lat"`
	Longitude float64  `json:"lon"`
	Altitude  *float64 `json:"alt,omitempty"`
}

// TrackedNode summarizes one node's presence in the history table.
type TrackedNode struct {
	NodeID           string `json:"node_id"`
	ObservationCount int    `json:"observation_count"`
	FirstSeen        int64  `json:"first_seen"`
	LastSeen         int64  `json:"last_seen"`
}

// DensityPoint is one heatmap grid cell.
type DensityPoint struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
	Count     int     `json:"count"`
}

// Options configures a Store. Zero values take the defaults; Path
// defaults to maps_node_history.db under the data directory.
type Options struct {
	Path      string
	Throttle  time.Duration
	Retention time.Duration
	Now       func() time.Time
}

// Store is the observation log. One mutex serializes every database
// call; the throttle map shares it so a check and its insert cannot
// interleave with another writer's.
type Store struct {
	mu           sync.Mutex
	db           *sql.DB
	throttle     time.Duration
	retention    time.Duration
	lastRecorded map[string]int64
	now          func() time.Time
}

// OpenDB opens a SQLite handle with the standard pragmas applied,
// creating parent directories as needed.
func OpenDB(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("history: mkdir %s: %w", filepath.Dir(path), err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open db %s: %w", path, err)
	}

	// Single writer; readers ride WAL.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("history: exec %q on %s: %w", p, path, err)
		}
	}
	return db, nil
}

// Open opens (creating if needed) the history database, applies
// migrations, and returns the store.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		opts.Path = filepath.Join(paths.DataDir(), dbFilename)
	}
	if opts.Throttle <= 0 {
		opts.Throttle = DefaultThrottle
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	db, err := OpenDB(opts.Path)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	log.Printf("[history] database ready at %s", opts.Path)
	return &Store{
		db:           db,
		throttle:     opts.Throttle,
		retention:    opts.Retention,
		lastRecorded: make(map[string]int64),
		now:          opts.Now,
	}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Record inserts an observation unless the node was recorded within the
// throttle window. A zero Timestamp takes the current time. Reports
// whether the row was written.
func (s *Store) Record(nodeID string, obs Observation) bool {
	if obs.Timestamp == 0 {
		obs.Timestamp = s.now().Unix()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return false
	}
	if last, ok := s.lastRecorded[nodeID]; ok && obs.Timestamp-last < int64(s.throttle/time.Second) {
		return false
	}
	_, err := s.db.Exec(
		`INSERT INTO observations
		   (node_id, timestamp, latitude, longitude, altitude, network, snr, battery, name)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nodeID, obs.Timestamp, obs.Latitude, obs.Longitude, obs.Altitude,
		nullIfEmpty(obs.Network), obs.SNR, obs.Battery, nullIfEmpty(obs.Name),
	)
	if err != nil {
		log.Printf("[history] record %s: %v", nodeID, err)
		return false
	}
	s.lastRecorded[nodeID] = obs.Timestamp
	return true
}

// Trajectory returns a node's position samples in (timestamp, id)
// order. Zero since/until leave that bound open; limits cap at 1000.
func (s *Store) Trajectory(nodeID string, since, until int64, limit int) []TrajectoryPoint {
	if limit <= 0 || limit > MaxTrajectoryPoints {
		limit = MaxTrajectoryPoints
	}
	query := "SELECT timestamp, latitude, longitude, altitude FROM observations WHERE node_id = ?"
	args := []any{nodeID}
	if since > 0 {
		query += " AND timestamp >= ?"
		args = append(args, since)
	}
	if until > 0 {
		query += " AND timestamp <= ?"
		args = append(args, until)
	}
	query += " ORDER BY timestamp ASC, id ASC LIMIT ?"
	args = append(args, limit)

	var out []TrajectoryPoint
	s.query(query, args, func(rows *sql.Rows) error {
		var p TrajectoryPoint
		if err := rows.Scan(&p.Timestamp, &p.Latitude, &p.Longitude, &p.Altitude); err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	return out
}

// TrajectoryGeoJSON renders a trajectory as a GeoJSON
// FeatureCollection: a LineString feature, a Point when the node has a
// single observation, or an empty collection for an unknown node.
func (s *Store) TrajectoryGeoJSON(nodeID string, since, until int64, limit int) map[string]any {
	points := s.Trajectory(nodeID, since, until, limit)
	if len(points) == 0 {
		return map[string]any{"type": "FeatureCollection", "features": []any{}}
	}

	coords := make([]any, 0, len(points))
	for _, p := range points {
		c := []float64{p.Longitude, p.Latitude}
		if p.Altitude != nil {
			c = append(c, *p.Altitude)
		}
		coords = append(coords, c)
	}
	var geometry map[string]any
	if len(coords) == 1 {
		geometry = map[string]any{"type": "Point", "coordinates": coords[0]}
	} else {
		geometry = map[string]any{"type": "LineString", "coordinates": coords}
	}

	first, last := points[0].Timestamp, points[len(points)-1].Timestamp
	var span int64
	if len(points) > 1 {
		span = last - first
	}
	feature := map[string]any{
		"type":     "Feature",
		"geometry": geometry,
		"properties": map[string]any{
			"node_id":           nodeID,
			"point_count":       len(points),
			"first_seen":        first,
			"last_seen":         last,
			"time_span_seconds": span,
		},
	}
	return map[string]any{"type": "FeatureCollection", "features": []any{feature}}
}

// NodeHistory returns recent observations for a node, newest first.
// Non-positive limits take 100.
func (s *Store) NodeHistory(nodeID string, since int64, limit int) []Observation {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT timestamp, latitude, longitude, altitude, network, snr, battery, name
		FROM observations WHERE node_id = ?`
	args := []any{nodeID}
	if since > 0 {
		query += " AND timestamp >= ?"
		args = append(args, since)
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ?"
	args = append(args, limit)

	var out []Observation
	s.query(query, args, func(rows *sql.Rows) error {
		var (
			o       Observation
			network sql.NullString
			name    sql.NullString
		)
		if err := rows.Scan(&o.Timestamp, &o.Latitude, &o.Longitude, &o.Altitude,
			&network, &o.SNR, &o.Battery, &name); err != nil {
			return err
		}
		o.Network = network.String
		o.Name = name.String
		out = append(out, o)
		return nil
	})
	return out
}

// TrackedNodes lists every node with observations, most recently seen
// first.
func (s *Store) TrackedNodes() []TrackedNode {
	query := `SELECT node_id, COUNT(*), MIN(timestamp), MAX(timestamp)
		FROM observations GROUP BY node_id ORDER BY MAX(timestamp) DESC`

	var out []TrackedNode
	s.query(query, nil, func(rows *sql.Rows) error {
		var n TrackedNode
		if err := rows.Scan(&n.NodeID, &n.ObservationCount, &n.FirstSeen, &n.LastSeen); err != nil {
			return err
		}
		out = append(out, n)
		return nil
	})
	return out
}

// Snapshot reconstructs the network at a point in time: for every node,
// the latest observation at or before ts. Ties on timestamp resolve by
// the monotonic primary key so a node never yields two features.
func (s *Store) Snapshot(ts int64) model.FeatureCollection {
	query := `
		SELECT o.node_id, o.timestamp, o.latitude, o.longitude,
		       o.altitude, o.network, o.snr, o.battery, o.name
		FROM observations o
		INNER JOIN (
			SELECT MAX(id) AS max_id
			FROM observations
			WHERE timestamp <= ?
			GROUP BY node_id
		) latest ON o.id = latest.max_id`

	var features []model.Feature
	s.query(query, []any{ts}, func(rows *sql.Rows) error {
		var (
			nodeID   string
			seen     int64
			lat, lon float64
			alt, snr *float64
			battery  *int
			network  sql.NullString
			name     sql.NullString
		)
		if err := rows.Scan(&nodeID, &seen, &lat, &lon, &alt, &network, &snr, &battery, &name); err != nil {
			return err
		}
		props := map[string]any{
			"id":        nodeID,
			"name":      nodeID,
			"network":   "unknown",
			"last_seen": seen,
		}
		if name.String != "" {
			props["name"] = name.String
		}
		if network.String != "" {
			props["network"] = network.String
		}
		if snr != nil {
			props["snr"] = *snr
		}
		if battery != nil {
			props["battery"] = *battery
		}
		if alt != nil {
			props["altitude"] = *alt
		}
		features = append(features, model.PointFeature(lat, lon, alt, props))
		return nil
	})

	fc := model.NewFeatureCollection(features)
	fc.Properties = map[string]any{
		"snapshot_time": ts,
		"node_count":    len(fc.Features),
	}
	return fc
}

// DensityPoints aggregates observations into grid cells for heatmap
// rendering, densest first. Precision is decimal places of lat/lon
// rounding (4 is roughly 11 m cells); non-positive takes 4. Empty
// network means all networks.
func (s *Store) DensityPoints(since, until int64, precision int, network string) []DensityPoint {
	if precision <= 0 {
		precision = 4
	}
	query := `SELECT ROUND(latitude, ?) AS lat, ROUND(longitude, ?) AS lon, COUNT(*) AS cnt
		FROM observations WHERE 1=1`
	args := []any{precision, precision}
	if since > 0 {
		query += " AND timestamp >= ?"
		args = append(args, since)
	}
	if until > 0 {
		query += " AND timestamp <= ?"
		args = append(args, until)
	}
	if network != "" {
		query += " AND network = ?"
		args = append(args, network)
	}
	query += " GROUP BY lat, lon ORDER BY cnt DESC"

	var out []DensityPoint
	s.query(query, args, func(rows *sql.Rows) error {
		var p DensityPoint
		if err := rows.Scan(&p.Latitude, &p.Longitude, &p.Count); err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	return out
}

// Prune deletes observations older than the cutoff, returning how many
// rows went. A zero cutoff takes the retention default.
func (s *Store) Prune(olderThan int64) int {
	if olderThan <= 0 {
		olderThan = s.now().Add(-s.retention).Unix()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return 0
	}
	res, err := s.db.Exec("DELETE FROM observations WHERE timestamp < ?", olderThan)
	if err != nil {
		log.Printf("[history] prune: %v", err)
		return 0
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Printf("[history] pruned %d observations", n)
	}
	return int(n)
}

// ObservationCount is the total number of rows.
func (s *Store) ObservationCount() int {
	return s.scalar("SELECT COUNT(*) FROM observations")
}

// NodeCount is the number of distinct nodes with observations.
func (s *Store) NodeCount() int {
	return s.scalar("SELECT COUNT(DISTINCT node_id) FROM observations")
}

// query runs a read under the store lock, feeding each row to scan.
// Failures log and return what was collected so far.
func (s *Store) query(q string, args []any, scan func(*sql.Rows) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		log.Printf("[history] query: %v", err)
		return
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			log.Printf("[history] scan: %v", err)
			return
		}
	}
	if err := rows.Err(); err != nil {
		log.Printf("[history] rows: %v", err)
	}
}

// nullIfEmpty maps "" to SQL NULL so COALESCE fallbacks apply.
func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func (s *Store) scalar(q string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return 0
	}
	var n int
	if err := s.db.QueryRow(q).Scan(&n); err != nil {
		log.Printf("[history] scalar: %v", err)
		return 0
	}
	return n
}
