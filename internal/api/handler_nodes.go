package api

import (
	"net/http"
	"strconv"

	"github.com/meshforge/meshforge-maps/internal/aggregate"
	"github.com/meshforge/meshforge-maps/internal/drift"
	"github.com/meshforge/meshforge-maps/internal/health"
	"github.com/meshforge/meshforge-maps/internal/history"
	"github.com/meshforge/meshforge-maps/internal/nodestate"
)

// nodeSources are the source names that serve per-network GeoJSON.
var nodeSources = map[string]bool{
	"meshtastic": true,
	"reticulum":  true,
	"aredn":      true,
}

// HandleNodesGeoJSON returns a handler for GET /api/nodes/geojson.
func HandleNodesGeoJSON(agg *aggregate.Aggregator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if agg == nil {
			WriteError(w, http.StatusServiceUnavailable, "aggregator not available")
			return
		}
		if fc, ok := agg.Current(); ok {
			WriteJSON(w, http.StatusOK, fc)
			return
		}
		WriteJSON(w, http.StatusOK, agg.CollectAll(r.Context()))
	}
}

// HandleNodesBySource returns a handler for GET /api/nodes/{source}.
func HandleNodesBySource(agg *aggregate.Aggregator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		source := r.PathValue("source")
		if !nodeSources[source] {
			WriteError(w, http.StatusNotFound, "unknown source")
			return
		}
		if agg == nil {
			WriteError(w, http.StatusServiceUnavailable, "aggregator not available")
			return
		}
		fc, ok := agg.CollectSource(r.Context(), source)
		if !ok {
			WriteError(w, http.StatusNotFound, "source not enabled")
			return
		}
		WriteJSON(w, http.StatusOK, fc)
	}
}

// HandleTrajectory returns a handler for GET /api/nodes/{id}/trajectory.
func HandleTrajectory(store *history.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := PathNodeID(r)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		if store == nil {
			WriteError(w, http.StatusServiceUnavailable, "history not available")
			return
		}
		since, err := QueryInt64(r, "since", 0)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		until, err := QueryInt64(r, "until", 0)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		limit, err := QueryLimit(r, maxQueryLimit)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, store.TrajectoryGeoJSON(id, since, until, limit))
	}
}

// HandleNodeHistory returns a handler for GET /api/nodes/{id}/history.
func HandleNodeHistory(store *history.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := PathNodeID(r)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		if store == nil {
			WriteError(w, http.StatusServiceUnavailable, "history not available")
			return
		}
		since, err := QueryInt64(r, "since", 0)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		limit, err := QueryLimit(r, defaultQueryLimit)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		obs := store.NodeHistory(id, since, limit)
		if obs == nil {
			obs = []history.Observation{}
		}
		WriteJSON(w, http.StatusOK, obs)
	}
}

// HandleNodeHealth returns a handler for GET /api/nodes/{id}/health.
// A cached score is preferred; otherwise the node is scored on demand
// from the current aggregated feature set.
func HandleNodeHealth(scorer *health.Scorer, agg *aggregate.Aggregator, states *nodestate.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := PathNodeID(r)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		if scorer == nil {
			WriteError(w, http.StatusServiceUnavailable, "health scoring not available")
			return
		}
		if score, ok := scorer.NodeScore(id); ok {
			WriteJSON(w, http.StatusOK, score)
			return
		}
		if agg == nil {
			WriteError(w, http.StatusNotFound, "no health data for node")
			return
		}
		fc, ok := agg.Current()
		if !ok {
			fc = agg.CollectAll(r.Context())
		}
		for _, f := range fc.Features {
			if f.ID() != id {
				continue
			}
			in := health.InputFromProperties(f.Properties)
			if states != nil {
				if st, tracked := states.State(id); tracked {
					in.State = string(st)
				}
			}
			if score, scored := scorer.ScoreNode(id, in); scored {
				WriteJSON(w, http.StatusOK, score)
				return
			}
			break
		}
		WriteError(w, http.StatusNotFound, "no health data for node")
	}
}

// HandleNodeDrift returns a handler for GET /api/nodes/{id}/drift.
func HandleNodeDrift(det *drift.Detector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := PathNodeID(r)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		if det == nil {
			WriteError(w, http.StatusServiceUnavailable, "drift tracking not available")
			return
		}
		drifts := det.NodeHistory(id)
		if drifts == nil {
			drifts = []drift.Drift{}
		}
		resp := map[string]any{"node_id": id, "drifts": drifts, "count": len(drifts)}
		if snap, ok := det.NodeSnapshot(id); ok {
			resp["current_config"] = snap
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

// HandleTrackedNodes returns a handler for GET /api/history/nodes.
func HandleTrackedNodes(store *history.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			WriteError(w, http.StatusServiceUnavailable, "history not available")
			return
		}
		nodes := store.TrackedNodes()
		if nodes == nil {
			nodes = []history.TrackedNode{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"nodes": nodes, "count": len(nodes)})
	}
}

// HandleSnapshot returns a handler for GET /api/snapshot/{timestamp}.
func HandleSnapshot(store *history.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ts, err := strconv.ParseInt(r.PathValue("timestamp"), 10, 64)
		if err != nil || ts < 0 {
			WriteError(w, http.StatusBadRequest, "timestamp: must be a non-negative integer")
			return
		}
		if store == nil {
			WriteError(w, http.StatusServiceUnavailable, "history not available")
			return
		}
		WriteJSON(w, http.StatusOK, store.Snapshot(ts))
	}
}
