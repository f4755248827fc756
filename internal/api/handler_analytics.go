package api

import (
	"net/http"

	"github.com/meshforge/meshforge-maps/internal/history"
)

// HandleGrowth returns a handler for GET /api/analytics/growth.
func HandleGrowth(analytics *history.Analytics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if analytics == nil {
			WriteError(w, http.StatusServiceUnavailable, "analytics not available")
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
		bucket, err := QueryInt64(r, "bucket", 3600)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, analytics.NetworkGrowth(since, until, bucket))
	}
}

// HandleActivity returns a handler for GET /api/analytics/activity.
func HandleActivity(analytics *history.Analytics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if analytics == nil {
			WriteError(w, http.StatusServiceUnavailable, "analytics not available")
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
		WriteJSON(w, http.StatusOK, analytics.ActivityHeatmap(since, until))
	}
}

// HandleRanking returns a handler for GET /api/analytics/ranking.
func HandleRanking(analytics *history.Analytics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if analytics == nil {
			WriteError(w, http.StatusServiceUnavailable, "analytics not available")
			return
		}
		since, err := QueryInt64(r, "since", 0)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		limit, err := QueryLimit(r, 50)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, analytics.ActivityRanking(since, limit))
	}
}

// HandleAnalyticsSummary returns a handler for GET /api/analytics/summary.
func HandleAnalyticsSummary(analytics *history.Analytics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if analytics == nil {
			WriteError(w, http.StatusServiceUnavailable, "analytics not available")
			return
		}
		since, err := QueryInt64(r, "since", 0)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, analytics.NetworkSummary(since))
	}
}

// HandleAlertTrends returns a handler for GET /api/analytics/alert-trends.
func HandleAlertTrends(analytics *history.Analytics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if analytics == nil {
			WriteError(w, http.StatusServiceUnavailable, "analytics not available")
			return
		}
		bucket, err := QueryInt64(r, "bucket", 3600)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, analytics.AlertTrends(bucket))
	}
}

// HandleDensity returns a handler for GET /api/analytics/density:
// observation counts on a rounded coordinate grid.
func HandleDensity(store *history.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
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
		precision, err := QueryInt64(r, "precision", 2)
		if err != nil || precision < 0 || precision > 6 {
			WriteError(w, http.StatusBadRequest, "precision: must be an integer in [0, 6]")
			return
		}
		points := store.DensityPoints(since, until, int(precision), QueryStr(r, "network"))
		if points == nil {
			points = []history.DensityPoint{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"points": points, "count": len(points)})
	}
}
