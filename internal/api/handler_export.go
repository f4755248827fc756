package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/meshforge/meshforge-maps/internal/aggregate"
	"github.com/meshforge/meshforge-maps/internal/alert"
	"github.com/meshforge/meshforge-maps/internal/history"
	"github.com/meshforge/meshforge-maps/internal/model"
)

// exportFormat reads the format parameter, defaulting to CSV.
func exportFormat(r *http.Request) (string, error) {
	switch f := QueryStr(r, "format"); f {
	case "", "csv":
		return "csv", nil
	case "json":
		return "json", nil
	default:
		return "", fmt.Errorf("format: must be csv or json")
	}
}

// HandleExportNodes returns a handler for GET /api/export/nodes.
func HandleExportNodes(agg *aggregate.Aggregator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		format, err := exportFormat(r)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		if agg == nil {
			WriteError(w, http.StatusServiceUnavailable, "aggregator not available")
			return
		}
		fc, ok := agg.Current()
		if !ok {
			fc = agg.CollectAll(r.Context())
		}
		if format == "json" {
			WriteJSON(w, http.StatusOK, fc)
			return
		}
		rows := [][]string{{
			"id", "name", "network", "latitude", "longitude",
			"battery", "snr", "hops_away", "last_seen", "is_online",
		}}
		for _, f := range fc.Features {
			rows = append(rows, []string{
				f.ID(),
				strOr(f, "name"),
				f.Network(),
				strconv.FormatFloat(f.Lat(), 'f', -1, 64),
				strconv.FormatFloat(f.Lon(), 'f', -1, 64),
				numOr(f, "battery"),
				numOr(f, "snr"),
				numOr(f, "hops_away"),
				numOr(f, "last_seen"),
				strconv.FormatBool(f.Bool("is_online")),
			})
		}
		WriteCSV(w, "meshforge_nodes.csv", rows)
	}
}

// HandleExportAlerts returns a handler for GET /api/export/alerts.
func HandleExportAlerts(engine *alert.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		format, err := exportFormat(r)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		if engine == nil {
			WriteError(w, http.StatusServiceUnavailable, "alerting not available")
			return
		}
		alerts := engine.History(maxQueryLimit, "", "")
		if format == "json" {
			WriteJSON(w, http.StatusOK, map[string]any{"alerts": alerts, "count": len(alerts)})
			return
		}
		rows := [][]string{{
			"alert_id", "rule_id", "alert_type", "severity", "node_id",
			"metric", "value", "threshold", "message", "timestamp", "acknowledged",
		}}
		for _, a := range alerts {
			rows = append(rows, []string{
				a.AlertID,
				a.RuleID,
				a.AlertType,
				a.Severity,
				a.NodeID,
				a.Metric,
				strconv.FormatFloat(a.Value, 'f', -1, 64),
				strconv.FormatFloat(a.Threshold, 'f', -1, 64),
				a.Message,
				strconv.FormatInt(a.Timestamp, 10),
				strconv.FormatBool(a.Acknowledged),
			})
		}
		WriteCSV(w, "meshforge_alerts.csv", rows)
	}
}

// HandleExportAnalytics returns a handler for
// GET /api/export/analytics/{kind}, kind one of growth, activity,
// ranking.
func HandleExportAnalytics(analytics *history.Analytics) http.HandlerFunc {
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
		switch kind := r.PathValue("kind"); kind {
		case "growth":
			bucket, err := QueryInt64(r, "bucket", 3600)
			if err != nil {
				WriteError(w, http.StatusBadRequest, err.Error())
				return
			}
			g := analytics.NetworkGrowth(since, 0, bucket)
			rows := [][]string{{"timestamp", "unique_nodes", "observations"}}
			for _, b := range g.Buckets {
				rows = append(rows, []string{
					strconv.FormatInt(b.Timestamp, 10),
					strconv.Itoa(b.UniqueNodes),
					strconv.Itoa(b.Observations),
				})
			}
			WriteCSV(w, "meshforge_growth.csv", rows)
		case "activity":
			h := analytics.ActivityHeatmap(since, 0)
			rows := [][]string{{"hour_utc", "observations"}}
			for hour, count := range h.Hours {
				rows = append(rows, []string{strconv.Itoa(hour), strconv.Itoa(count)})
			}
			WriteCSV(w, "meshforge_activity.csv", rows)
		case "ranking":
			limit, err := QueryLimit(r, 50)
			if err != nil {
				WriteError(w, http.StatusBadRequest, err.Error())
				return
			}
			rk := analytics.ActivityRanking(since, limit)
			rows := [][]string{{"node_id", "observation_count", "first_seen", "last_seen", "network"}}
			for _, n := range rk.Nodes {
				rows = append(rows, []string{
					n.NodeID,
					strconv.Itoa(n.ObservationCount),
					strconv.FormatInt(n.FirstSeen, 10),
					strconv.FormatInt(n.LastSeen, 10),
					n.Network,
				})
			}
			WriteCSV(w, "meshforge_ranking.csv", rows)
		default:
			WriteError(w, http.StatusNotFound, "unknown analytics export kind")
		}
	}
}

func strOr(f model.Feature, key string) string {
	s, _ := f.Str(key)
	return s
}

func numOr(f model.Feature, key string) string {
	if v, ok := f.Num(key); ok {
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}
