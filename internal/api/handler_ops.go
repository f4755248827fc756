package api

import (
	"net/http"

	"github.com/meshforge/meshforge-maps/internal/drift"
	"github.com/meshforge/meshforge-maps/internal/health"
	"github.com/meshforge/meshforge-maps/internal/nodestate"
)

// HandleAllNodeHealth returns a handler for GET /api/node-health.
func HandleAllNodeHealth(scorer *health.Scorer) http.HandlerFunc {
	type entry struct {
		NodeID string `json:"node_id"`
		Score  int    `json:"score"`
		Status string `json:"status"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if scorer == nil {
			WriteError(w, http.StatusServiceUnavailable, "health scoring not available")
			return
		}
		nodes := make([]entry, 0)
		for id, score := range scorer.AllScores() {
			e := entry{NodeID: id, Score: score}
			if s, ok := scorer.NodeScore(id); ok {
				e.Status = s.Status
			}
			nodes = append(nodes, e)
		}
		WriteJSON(w, http.StatusOK, map[string]any{"nodes": nodes, "count": len(nodes)})
	}
}

// HandleNodeHealthSummary returns a handler for GET /api/node-health/summary.
func HandleNodeHealthSummary(scorer *health.Scorer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if scorer == nil {
			WriteError(w, http.StatusServiceUnavailable, "health scoring not available")
			return
		}
		WriteJSON(w, http.StatusOK, scorer.Summary())
	}
}

// HandleNodeStates returns a handler for GET /api/node-states.
func HandleNodeStates(tracker *nodestate.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if tracker == nil {
			WriteError(w, http.StatusServiceUnavailable, "state tracking not available")
			return
		}
		states := tracker.AllStates()
		out := make(map[string]string, len(states))
		for id, s := range states {
			out[id] = string(s)
		}
		WriteJSON(w, http.StatusOK, map[string]any{"nodes": out, "count": len(out)})
	}
}

// HandleNodeStatesSummary returns a handler for GET /api/node-states/summary.
func HandleNodeStatesSummary(tracker *nodestate.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if tracker == nil {
			WriteError(w, http.StatusServiceUnavailable, "state tracking not available")
			return
		}
		WriteJSON(w, http.StatusOK, tracker.Summary())
	}
}

// HandleConfigDrift returns a handler for GET /api/config-drift.
// Optional filters: since (unix seconds) and severity.
func HandleConfigDrift(det *drift.Detector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if det == nil {
			WriteError(w, http.StatusServiceUnavailable, "drift tracking not available")
			return
		}
		since, err := QueryInt64(r, "since", 0)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		severity := drift.Severity(QueryStr(r, "severity"))
		switch severity {
		case "", drift.SeverityInfo, drift.SeverityWarning, drift.SeverityCritical:
		default:
			WriteError(w, http.StatusBadRequest, "severity: must be info, warning, or critical")
			return
		}
		drifts := det.AllDrifts(since, severity)
		if drifts == nil {
			drifts = []drift.Drift{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"drifts": drifts, "count": len(drifts)})
	}
}

// HandleConfigDriftSummary returns a handler for GET /api/config-drift/summary.
func HandleConfigDriftSummary(det *drift.Detector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if det == nil {
			WriteError(w, http.StatusServiceUnavailable, "drift tracking not available")
			return
		}
		WriteJSON(w, http.StatusOK, det.Summary())
	}
}
