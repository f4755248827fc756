package collector

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/meshforge/meshforge-maps/internal/model"
	"github.com/meshforge/meshforge-maps/internal/netutil"
)

const (
	defaultNOAAURL   = "https://api.weather.gov/alerts/active"
	noaaUserAgent    = "MeshForge-Maps/1.0 (mesh network mapping tool)"
	noaaFetchTimeout = 15 * time.Second

	// Alerts go stale fast; the cache never outlives this.
	noaaMaxCacheTTL = 5 * time.Minute
)

// severityColors maps NOAA alert severity to a display colour.
var severityColors = map[string]string{
	"Extreme":  "#d32f2f",
	"Severe":   "#f44336",
	"Moderate": "#ff9800",
	"Minor":    "#ffeb3b",
	"Unknown":  "#9e9e9e",
}

// severityOrder maps NOAA alert severity to sort rank, lower is more
// severe.
var severityOrder = map[string]int{
	"Extreme":  0,
	"Severe":   1,
	"Moderate": 2,
	"Minor":    3,
	"Unknown":  4,
}

// NOAAAlertsConfig configures the weather alert collector.
type NOAAAlertsConfig struct {
	APIURL string
	// Area restricts alerts to a state or marine zone code.
	Area string
	// SeverityFilter restricts alerts to the named severities.
	SeverityFilter []string
	Downloader     netutil.Downloader
	CacheTTL       time.Duration
	MaxRetries     int

	// Now overrides the clock in tests.
	Now func() time.Time
}

// NOAAAlerts collects active National Weather Service alerts. The NWS
// API returns native GeoJSON with polygon geometries for alert areas;
// national-level text alerts without geometry are dropped because they
// cannot be drawn. Alerts are overlay payload, not node features, so
// they stay out of the merged node collection.
type NOAAAlerts struct {
	*Base
	url string
	dl  netutil.Downloader
	now func() time.Time
}

// NewNOAAAlerts builds the collector.
func NewNOAAAlerts(cfg NOAAAlertsConfig) *NOAAAlerts {
	if cfg.APIURL == "" {
		cfg.APIURL = defaultNOAAURL
	}
	if cfg.Downloader == nil {
		cfg.Downloader = &netutil.DirectDownloader{
			Timeout:   noaaFetchTimeout,
			UserAgent: noaaUserAgent,
			Accept:    "application/geo+json",
		}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.CacheTTL > noaaMaxCacheTTL {
		cfg.CacheTTL = noaaMaxCacheTTL
	}
	c := &NOAAAlerts{
		url: buildNOAAURL(cfg.APIURL, cfg.Area, cfg.SeverityFilter),
		dl:  cfg.Downloader,
		now: cfg.Now,
	}
	c.Base = NewBase("noaa_alerts", c.fetch, Options{
		CacheTTL:   cfg.CacheTTL,
		MaxRetries: cfg.MaxRetries,
	})
	return c
}

func buildNOAAURL(base, area string, severities []string) string {
	params := []string{"status=actual", "message_type=alert,update"}
	if area != "" {
		params = append(params, "area="+area)
	}
	if len(severities) > 0 {
		params = append(params, "severity="+strings.Join(severities, ","))
	}
	return base + "?" + strings.Join(params, "&")
}

// Alerts runs a collection cycle and returns the alert
// FeatureCollection for the overlay API.
func (c *NOAAAlerts) Alerts(ctx context.Context) map[string]any {
	r, _ := c.Collect(ctx)
	if r.Overlay != nil {
		if fc, ok := r.Overlay["weather_alerts"].(map[string]any); ok {
			return fc
		}
	}
	return c.collection(nil)
}

// fetch downloads active alerts. An unreachable or malformed upstream
// degrades to an empty collection rather than failing the cycle.
func (c *NOAAAlerts) fetch(ctx context.Context) ([]model.Feature, Overlay, error) {
	ctx, cancel := context.WithTimeout(ctx, noaaFetchTimeout)
	defer cancel()

	body, err := c.dl.Download(ctx, c.url)
	if err != nil {
		log.Printf("[noaa] alert fetch failed: %v", err)
		return nil, Overlay{"weather_alerts": c.collection(nil)}, nil
	}

	var raw struct {
		Features []map[string]any `json:"features"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		log.Printf("[noaa] alert response malformed: %v", err)
		return nil, Overlay{"weather_alerts": c.collection(nil)}, nil
	}

	alerts := c.processAlerts(raw.Features)
	return nil, Overlay{"weather_alerts": c.collection(alerts)}, nil
}

// processAlerts filters out alerts without geometry, drops expired and
// duplicate entries, and decorates each with its severity colour and
// sort rank.
func (c *NOAAAlerts) processAlerts(rawFeatures []map[string]any) []map[string]any {
	now := c.now()
	processed := make([]map[string]any, 0, len(rawFeatures))
	seen := make(map[string]struct{}, len(rawFeatures))

	for _, feature := range rawFeatures {
		geom, ok := feature["geometry"].(map[string]any)
		if !ok || len(geom) == 0 {
			continue
		}

		props, _ := feature["properties"].(map[string]any)
		if props == nil {
			props = map[string]any{}
		}
		alertID, _ := props["id"].(string)
		if _, dup := seen[alertID]; dup {
			continue
		}
		seen[alertID] = struct{}{}

		severity, ok := props["severity"].(string)
		if !ok {
			severity = "Unknown"
		}
		color, ok := severityColors[severity]
		if !ok {
			color = severityColors["Unknown"]
		}
		order, ok := severityOrder[severity]
		if !ok {
			order = severityOrder["Unknown"]
		}

		// Expiry strings that fail to parse keep the alert.
		if expires, ok := props["expires"].(string); ok && expires != "" {
			if expAt, err := time.Parse(time.RFC3339, expires); err == nil && expAt.Before(now) {
				continue
			}
		}

		processed = append(processed, map[string]any{
			"type":     "Feature",
			"geometry": geom,
			"properties": map[string]any{
				"id":             alertID,
				"network":        "noaa_alerts",
				"event":          strProp(props, "event"),
				"headline":       strProp(props, "headline"),
				"description":    strProp(props, "description"),
				"severity":       severity,
				"certainty":      strProp(props, "certainty"),
				"urgency":        strProp(props, "urgency"),
				"area_desc":      strProp(props, "areaDesc"),
				"onset":          props["onset"],
				"expires":        props["expires"],
				"sender_name":    strProp(props, "senderName"),
				"color":          color,
				"severity_order": order,
			},
		})
	}

	sort.SliceStable(processed, func(i, j int) bool {
		oi := processed[i]["properties"].(map[string]any)["severity_order"].(int)
		oj := processed[j]["properties"].(map[string]any)["severity_order"].(int)
		return oi < oj
	})
	return processed
}

func (c *NOAAAlerts) collection(alerts []map[string]any) map[string]any {
	if alerts == nil {
		alerts = []map[string]any{}
	}
	return map[string]any{
		"type":     "FeatureCollection",
		"features": alerts,
		"properties": map[string]any{
			"source":       "noaa_alerts",
			"collected_at": c.now().UTC().Format("2006-01-02T15:04:05Z"),
			"node_count":   len(alerts),
			"alert_count":  len(alerts),
		},
	}
}

func strProp(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
