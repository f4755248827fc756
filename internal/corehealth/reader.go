// Package corehealth reads the shared health state database written by
// the MeshForge core process. Access is strictly read-only; when the
// core is not installed or has not run yet, every reader degrades to
// empty results.
package corehealth

import (
	"database/sql"
	"log"
	"os"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Reader is a read-only view of the core's health_state.db.
type Reader struct {
	path string
	now  func() time.Time

	mu sync.Mutex
	db *sql.DB
}

// ServiceState is one row of the core's service_health table.
type ServiceState struct {
	ServiceName  string `json:"service_name"`
	Status       string `json:"status"`
	LastUpdated  int64  `json:"last_updated"`
	ErrorCount   int64  `json:"error_count"`
	SuccessCount int64  `json:"success_count"`
	Metadata     string `json:"metadata,omitempty"`
}

// NodeHealth is one row of the core's node_health table.
type NodeHealth struct {
	NodeID      string   `json:"node_id"`
	HealthScore *float64 `json:"health_score,omitempty"`
	Status      string   `json:"status"`
	LastSeen    int64    `json:"last_seen"`
	Network     string   `json:"network,omitempty"`
	Metadata    string   `json:"metadata,omitempty"`
}

// LatencyStats is the most recent row of the core's latency_stats
// table.
type LatencyStats struct {
	P50Ms       float64 `json:"p50_ms"`
	P90Ms       float64 `json:"p90_ms"`
	P99Ms       float64 `json:"p99_ms"`
	SampleCount int64   `json:"sample_count"`
	LastUpdated int64   `json:"last_updated"`
}

// NewReader opens path read-only when it exists. A missing file is
// not an error; Refresh retries later.
func NewReader(path string) *Reader {
	r := &Reader{path: path, now: time.Now}
	r.connect()
	return r
}

func (r *Reader) connect() {
	if r.path == "" {
		return
	}
	if _, err := os.Stat(r.path); err != nil {
		return
	}
	db, err := sql.Open("sqlite", "file:"+r.path+"?mode=ro&_pragma=busy_timeout(1000)")
	if err != nil {
		log.Printf("[corehealth] open failed: %v", err)
		return
	}
	db.SetMaxOpenConns(1)
	r.mu.Lock()
	r.db = db
	r.mu.Unlock()
	log.Printf("[corehealth] connected to shared health DB at %s", r.path)
}

// Available reports whether the core database is open.
func (r *Reader) Available() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.db != nil
}

// Refresh re-checks availability; the core may have started after us.
func (r *Reader) Refresh() bool {
	r.mu.Lock()
	open := r.db != nil
	r.mu.Unlock()
	if open {
		return true
	}
	r.connect()
	return r.Available()
}

// Close releases the database handle.
func (r *Reader) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.db != nil {
		_ = r.db.Close()
		r.db = nil
	}
}

// ServiceStates reads the core's per-service health rows. Missing
// tables and read failures yield an empty slice.
func (r *Reader) ServiceStates() []ServiceState {
	out := []ServiceState{}
	r.query(`SELECT service_name, status, last_updated, error_count,
	                success_count, COALESCE(metadata, '')
	         FROM service_health ORDER BY service_name`,
		func(rows *sql.Rows) error {
			var s ServiceState
			if err := rows.Scan(&s.ServiceName, &s.Status, &s.LastUpdated,
				&s.ErrorCount, &s.SuccessCount, &s.Metadata); err != nil {
				return err
			}
			out = append(out, s)
			return nil
		})
	return out
}

// NodeHealthRecords reads the core's node health rows, newest first.
func (r *Reader) NodeHealthRecords() []NodeHealth {
	out := []NodeHealth{}
	r.query(`SELECT node_id, health_score, COALESCE(status, ''), last_seen,
	                COALESCE(network, ''), COALESCE(metadata, '')
	         FROM node_health ORDER BY last_seen DESC`,
		func(rows *sql.Rows) error {
			var n NodeHealth
			var score sql.NullFloat64
			if err := rows.Scan(&n.NodeID, &score, &n.Status, &n.LastSeen,
				&n.Network, &n.Metadata); err != nil {
				return err
			}
			if score.Valid {
				n.HealthScore = &score.Float64
			}
			out = append(out, n)
			return nil
		})
	return out
}

// LatencyPercentiles reads the most recent latency row, nil when the
// core has not written one.
func (r *Reader) LatencyPercentiles() *LatencyStats {
	var out *LatencyStats
	r.query(`SELECT p50_ms, p90_ms, p99_ms, sample_count, last_updated
	         FROM latency_stats ORDER BY last_updated DESC LIMIT 1`,
		func(rows *sql.Rows) error {
			var l LatencyStats
			if err := rows.Scan(&l.P50Ms, &l.P90Ms, &l.P99Ms,
				&l.SampleCount, &l.LastUpdated); err != nil {
				return err
			}
			out = &l
			return nil
		})
	return out
}

// Summary is the API-facing aggregate of everything the core shares.
func (r *Reader) Summary() map[string]any {
	out := map[string]any{
		"available":  r.Available(),
		"services":   r.ServiceStates(),
		"checked_at": r.now().Unix(),
	}
	if lat := r.LatencyPercentiles(); lat != nil {
		out["latency"] = lat
	} else {
		out["latency"] = map[string]any{}
	}
	return out
}

// query runs one read against the core DB under the reader mutex. The
// core owns the schema; any error, including a missing table, just
// means no data.
func (r *Reader) query(q string, scan func(*sql.Rows) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.db == nil {
		return
	}
	rows, err := r.db.Query(q)
	if err != nil {
		return
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return
		}
	}
}
