package api

import (
	"net/http"
	"time"

	"github.com/meshforge/meshforge-maps/internal/aggregate"
	"github.com/meshforge/meshforge-maps/internal/breaker"
	"github.com/meshforge/meshforge-maps/internal/buildinfo"
	"github.com/meshforge/meshforge-maps/internal/config"
	"github.com/meshforge/meshforge-maps/internal/corehealth"
	"github.com/meshforge/meshforge-maps/internal/mqttsub"
	"github.com/meshforge/meshforge-maps/internal/perf"
)

// HandleSystemHealth returns a handler for GET /api/health: a 0-100
// composite of data freshness (40), source availability (30), and
// circuit breaker state (30).
func HandleSystemHealth(agg *aggregate.Aggregator, breakers *breaker.Registry, settings *config.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if agg == nil {
			WriteJSON(w, http.StatusOK, map[string]any{
				"score":      0,
				"status":     "offline",
				"components": map[string]any{},
			})
			return
		}

		cacheTTL := 15 * 60.0
		if settings != nil {
			if m := settings.Settings().CacheTTLMinutes; m > 0 {
				cacheTTL = float64(m) * 60
			}
		}

		// Freshness: full inside one TTL, fading to zero at three.
		freshness := 0.0
		var dataAge *int64
		if age, ok := agg.LastCollectAge(); ok {
			secs := age.Seconds()
			v := int64(secs)
			dataAge = &v
			switch {
			case secs <= cacheTTL:
				freshness = 40
			case secs <= cacheTTL*3:
				freshness = 40 * (1 - (secs-cacheTTL)/(cacheTTL*2))
			}
		}

		sourceScore := 0.0
		counts := agg.LastCounts()
		if enabled := len(agg.Sources()); enabled > 0 {
			reporting := 0
			for _, c := range counts {
				if c > 0 {
					reporting++
				}
			}
			sourceScore = 30 * float64(reporting) / float64(enabled)
		}

		cbScore := 0.0
		if breakers != nil {
			if snap := breakers.Snapshot(); len(snap) > 0 {
				closed := 0
				for _, st := range snap {
					if st.State == breaker.Closed {
						closed++
					}
				}
				cbScore = 30 * float64(closed) / float64(len(snap))
			} else {
				// No breaker has been exercised yet; nothing is wrong.
				cbScore = 30
			}
		}

		total := int(freshness + sourceScore + cbScore)
		if total < 0 {
			total = 0
		}
		if total > 100 {
			total = 100
		}
		status := "critical"
		switch {
		case total >= 80:
			status = "healthy"
		case total >= 60:
			status = "fair"
		case total >= 30:
			status = "degraded"
		}

		WriteJSON(w, http.StatusOK, map[string]any{
			"score":  total,
			"status": status,
			"components": map[string]any{
				"freshness":        map[string]any{"score": round1(freshness), "max": 40},
				"sources":          map[string]any{"score": round1(sourceScore), "max": 30},
				"circuit_breakers": map[string]any{"score": round1(cbScore), "max": 30},
			},
			"data_age_seconds":  dataAge,
			"sources_reporting": counts,
		})
	}
}

func round1(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}

// HandleStatus returns a handler for GET /api/status.
func HandleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"version": buildinfo.Version,
			"status":  "ok",
		}
		if !deps.StartTime.IsZero() {
			resp["uptime_seconds"] = int(time.Since(deps.StartTime).Seconds())
		}
		if deps.Aggregator != nil {
			if age, ok := deps.Aggregator.LastCollectAge(); ok {
				resp["data_age_seconds"] = int(age.Seconds())
			}
			resp["source_counts"] = deps.Aggregator.LastCounts()
			resp["source_health"] = deps.Aggregator.SourceHealth()
		}
		if deps.Subscriber != nil {
			st := deps.Subscriber.Stats()
			mqttStatus := "stopped"
			if st.Connected {
				mqttStatus = "connected"
			} else if st.Running {
				mqttStatus = "connecting"
			}
			resp["mqtt"] = map[string]any{
				"status":     mqttStatus,
				"node_count": st.NodeCount,
			}
		}
		// The ws block is omitted entirely when the broadcaster is not
		// running; clients fall back to HTTP polling.
		if deps.WS != nil && deps.WS.Running() {
			resp["ws"] = map[string]any{
				"port":  deps.WS.Port(),
				"stats": deps.WS.Stats(),
			}
		}
		if deps.Bus != nil {
			resp["event_bus"] = deps.Bus.Stats()
		}
		if deps.Breakers != nil {
			resp["circuit_breakers"] = deps.Breakers.Snapshot()
		}
		if deps.Leases != nil {
			resp["host_locks"] = deps.Leases.Stats()
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

// HandlePerf returns a handler for GET /api/perf.
func HandlePerf(mon *perf.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if mon == nil {
			WriteError(w, http.StatusServiceUnavailable, "perf monitoring not available")
			return
		}
		WriteJSON(w, http.StatusOK, mon.Stats())
	}
}

// HandleMQTTStats returns a handler for GET /api/mqtt/stats.
func HandleMQTTStats(sub *mqttsub.Subscriber) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if sub == nil {
			WriteJSON(w, http.StatusOK, map[string]any{"available": false, "status": "not_configured"})
			return
		}
		WriteJSON(w, http.StatusOK, sub.Stats())
	}
}

// HandleCoreHealth returns a handler for GET /api/core-health: the
// cross-process health state written by the MeshForge core.
func HandleCoreHealth(reader *corehealth.Reader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if reader == nil {
			WriteJSON(w, http.StatusOK, map[string]any{"available": false, "services": []any{}})
			return
		}
		if !reader.Available() {
			// The core may have started after us.
			reader.Refresh()
		}
		WriteJSON(w, http.StatusOK, reader.Summary())
	}
}

// HandleProxyStats returns a handler for GET /api/proxy/stats.
func HandleProxyStats(stats func() map[string]any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if stats == nil {
			WriteJSON(w, http.StatusOK, map[string]any{"available": false, "status": "not_configured"})
			return
		}
		WriteJSON(w, http.StatusOK, stats())
	}
}

// HandleConfig returns a handler for GET /api/config. Broker
// credentials and the API key never appear in the response.
func HandleConfig(settings *config.Manager, env *config.EnvConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{"network_colors": config.NetworkColors}
		if settings != nil {
			s := settings.Settings()
			resp["default_tile_provider"] = s.DefaultTileProvider
			resp["enable_meshtastic"] = s.EnableMeshtastic
			resp["enable_reticulum"] = s.EnableReticulum
			resp["enable_hamclock"] = s.EnableHamclock
			resp["enable_aredn"] = s.EnableAREDN
			resp["map_center_lat"] = s.MapCenterLat
			resp["map_center_lon"] = s.MapCenterLon
			resp["map_default_zoom"] = s.MapDefaultZoom
			resp["cache_ttl_minutes"] = s.CacheTTLMinutes
			resp["mqtt_broker"] = s.MQTTBroker
			resp["mqtt_topic"] = s.MQTTTopic
			resp["has_mqtt_credentials"] = s.MQTTUsername != nil && *s.MQTTUsername != ""
		}
		if env != nil {
			if env.WSEnabled {
				resp["ws_port"] = env.WSPort
			}
			resp["auth_required"] = env.APIKey != ""
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

// HandleTileProviders returns a handler for GET /api/tile-providers.
func HandleTileProviders() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, config.TileProviders)
	}
}

// HandleSources returns a handler for GET /api/sources.
func HandleSources(agg *aggregate.Aggregator, settings *config.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var sources []string
		if agg != nil {
			sources = agg.Sources()
		} else if settings != nil {
			sources = settings.Settings().EnabledSources()
		}
		if sources == nil {
			sources = []string{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"sources":        sources,
			"network_colors": config.NetworkColors,
		})
	}
}
