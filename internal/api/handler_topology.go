package api

import (
	"net/http"

	"github.com/meshforge/meshforge-maps/internal/aggregate"
	"github.com/meshforge/meshforge-maps/internal/collector"
	"github.com/meshforge/meshforge-maps/internal/topology"
)

// HandleTopology returns a handler for GET /api/topology. Links carry
// the SNR quality grade and its render colour.
func HandleTopology(agg *aggregate.Aggregator) http.HandlerFunc {
	type gradedLink struct {
		Source       string   `json:"source"`
		Target       string   `json:"target"`
		Network      string   `json:"network"`
		SNR          *float64 `json:"snr,omitempty"`
		Quality      string   `json:"quality"`
		Color        string   `json:"color"`
		LinkType     string   `json:"link_type,omitempty"`
		ArednQuality *float64 `json:"aredn_quality,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if agg == nil {
			WriteError(w, http.StatusServiceUnavailable, "aggregator not available")
			return
		}
		links := agg.TopologyLinks()
		out := make([]gradedLink, 0, len(links))
		for _, l := range links {
			quality, color := topology.ClassifySNR(l.SNR)
			out = append(out, gradedLink{
				Source:       l.Source,
				Target:       l.Target,
				Network:      l.Network,
				SNR:          l.SNR,
				Quality:      quality,
				Color:        color,
				LinkType:     l.LinkType,
				ArednQuality: l.ArednQuality,
			})
		}
		WriteJSON(w, http.StatusOK, map[string]any{"links": out, "count": len(out)})
	}
}

// HandleTopologyGeoJSON returns a handler for GET /api/topology/geojson.
func HandleTopologyGeoJSON(agg *aggregate.Aggregator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if agg == nil {
			WriteError(w, http.StatusServiceUnavailable, "aggregator not available")
			return
		}
		WriteJSON(w, http.StatusOK, agg.TopologyGeoJSON())
	}
}

// HandleOverlay returns a handler for GET /api/overlay: space weather,
// solar terminator, and active weather alerts when collected.
func HandleOverlay(agg *aggregate.Aggregator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if agg == nil {
			WriteError(w, http.StatusServiceUnavailable, "aggregator not available")
			return
		}
		overlay := agg.Overlay(r.Context())
		if overlay == nil {
			overlay = map[string]any{}
		}
		WriteJSON(w, http.StatusOK, overlay)
	}
}

// HandleWeatherAlerts returns a handler for GET /api/overlay/weather-alerts.
func HandleWeatherAlerts(agg *aggregate.Aggregator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if agg == nil {
			WriteError(w, http.StatusServiceUnavailable, "aggregator not available")
			return
		}
		if wa, ok := agg.Overlay(r.Context())["weather_alerts"]; ok {
			WriteJSON(w, http.StatusOK, wa)
			return
		}
		if c, ok := agg.Collector("noaa_alerts").(*collector.NOAAAlerts); ok && c != nil {
			WriteJSON(w, http.StatusOK, c.Alerts(r.Context()))
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"type":     "FeatureCollection",
			"features": []any{},
		})
	}
}

// HandleHamClock returns a handler for GET /api/hamclock: the
// propagation aggregate from the local HamClock probe or the SWPC
// fallback.
func HandleHamClock(agg *aggregate.Aggregator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if agg == nil {
			WriteError(w, http.StatusServiceUnavailable, "aggregator not available")
			return
		}
		overlay := agg.Overlay(r.Context())
		resp := map[string]any{"available": false}
		if sw, ok := overlay["space_weather"]; ok {
			resp["space_weather"] = sw
			resp["available"] = true
		}
		if st, ok := overlay["solar_terminator"]; ok {
			resp["solar_terminator"] = st
		}
		if hc, ok := overlay["hamclock"]; ok {
			resp["hamclock"] = hc
			resp["available"] = true
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}
