package api

import (
	"net/http"

	"github.com/meshforge/meshforge-maps/internal/alert"
	"github.com/meshforge/meshforge-maps/internal/geo"
	"github.com/meshforge/meshforge-maps/internal/mqttsub"
)

// HandleAlerts returns a handler for GET /api/alerts. Filters:
// severity, node_id, limit.
func HandleAlerts(engine *alert.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if engine == nil {
			WriteError(w, http.StatusServiceUnavailable, "alerting not available")
			return
		}
		limit, err := QueryLimit(r, defaultQueryLimit)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		severity := QueryStr(r, "severity")
		switch severity {
		case "", alert.SeverityInfo, alert.SeverityWarning, alert.SeverityCritical:
		default:
			WriteError(w, http.StatusBadRequest, "severity: must be info, warning, or critical")
			return
		}
		nodeID := QueryStr(r, "node_id")
		if nodeID != "" {
			canonical, err := geo.ValidateNodeID(nodeID)
			if err != nil {
				WriteError(w, http.StatusBadRequest, "node_id: invalid node id")
				return
			}
			nodeID = canonical
		}
		alerts := engine.History(limit, severity, nodeID)
		if alerts == nil {
			alerts = []alert.Alert{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"alerts": alerts, "count": len(alerts)})
	}
}

// HandleActiveAlerts returns a handler for GET /api/alerts/active.
func HandleActiveAlerts(engine *alert.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if engine == nil {
			WriteError(w, http.StatusServiceUnavailable, "alerting not available")
			return
		}
		alerts := engine.ActiveAlerts()
		if alerts == nil {
			alerts = []alert.Alert{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"alerts": alerts, "count": len(alerts)})
	}
}

// HandleAlertRules returns a handler for GET /api/alerts/rules.
func HandleAlertRules(engine *alert.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if engine == nil {
			WriteError(w, http.StatusServiceUnavailable, "alerting not available")
			return
		}
		rules := engine.Rules()
		if rules == nil {
			rules = []alert.Rule{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"rules": rules, "count": len(rules)})
	}
}

// HandleAlertSummary returns a handler for GET /api/alerts/summary.
func HandleAlertSummary(engine *alert.Engine, sub *mqttsub.Subscriber) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if engine == nil {
			WriteError(w, http.StatusServiceUnavailable, "alerting not available")
			return
		}
		resp := map[string]any{"summary": engine.Summary()}
		if sub != nil {
			resp["mqtt"] = sub.Stats()
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

// HandleAcknowledgeAlert returns a handler for
// POST /api/alerts/{alert_id}/acknowledge. Idempotent.
func HandleAcknowledgeAlert(engine *alert.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if engine == nil {
			WriteError(w, http.StatusServiceUnavailable, "alerting not available")
			return
		}
		alertID := r.PathValue("alert_id")
		if !engine.Acknowledge(alertID) {
			WriteError(w, http.StatusNotFound, "unknown alert id")
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"acknowledged": true, "alert_id": alertID})
	}
}
