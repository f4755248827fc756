package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/meshforge/meshforge-maps/internal/hamclock"
	"github.com/meshforge/meshforge-maps/internal/model"
	"github.com/meshforge/meshforge-maps/internal/netutil"
)

// NOAA SWPC public endpoints, the fallback when no local propagation
// server answers.
const (
	swpcSolarFlux = "https://services.swpc.noaa.gov/products/summary/10cm-flux.json"
	swpcKpIndex   = "https://services.swpc.noaa.gov/products/noaa-planetary-k-index.json"
	swpcSolarWind = "https://services.swpc.noaa.gov/products/summary/solar-wind-speed.json"
)

const (
	hamclockProbeTimeout = 3 * time.Second
	hamclockFetchTimeout = 10 * time.Second
)

// HamClockConfig configures the propagation collector.
type HamClockConfig struct {
	Host             string
	LegacyPort       int
	OpenHamClockPort int
	Downloader       netutil.Downloader
	CacheTTL         time.Duration

	// Now overrides the clock in tests.
	Now func() time.Time
}

// HamClock collects space weather and propagation overlay data. It
// probes for a local HamClock or OpenHamClock instance and falls back
// to the NOAA SWPC public API. Produces no node features, only
// overlay payload, and never fails a cycle; missing upstreams degrade
// to "unknown" conditions.
type HamClock struct {
	*Base
	host       string
	legacyPort int
	openPort   int
	dl         netutil.Downloader
	now        func() time.Time

	mu      sync.Mutex
	variant hamclock.Variant
}

// NewHamClock builds the collector.
func NewHamClock(cfg HamClockConfig) *HamClock {
	if cfg.Downloader == nil {
		cfg.Downloader = netutil.NewDirectDownloader(hamclockFetchTimeout, "MeshForge-Maps/0.1")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	c := &HamClock{
		host:       cfg.Host,
		legacyPort: cfg.LegacyPort,
		openPort:   cfg.OpenHamClockPort,
		dl:         cfg.Downloader,
		now:        cfg.Now,
		variant:    hamclock.VariantUnknown,
	}
	c.Base = NewBase("hamclock", c.fetch, Options{CacheTTL: cfg.CacheTTL})
	return c
}

// Variant reports which local propagation server last answered,
// VariantUnknown when the last fetch used the SWPC fallback.
func (c *HamClock) Variant() hamclock.Variant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.variant
}

func (c *HamClock) fetch(ctx context.Context) ([]model.Feature, Overlay, error) {
	overlay := Overlay{}

	baseURL, variant := c.probeLocal(ctx)
	c.mu.Lock()
	c.variant = variant
	c.mu.Unlock()

	if baseURL != "" {
		weather, local := c.fetchLocal(ctx, baseURL, variant)
		overlay["space_weather"] = weather
		if local != nil {
			overlay["hamclock"] = local
		}
	} else {
		overlay["space_weather"] = c.fetchSWPC(ctx)
	}
	overlay["solar_terminator"] = hamclock.Terminator(c.now())

	return nil, overlay, nil
}

// probeLocal tries the OpenHamClock port first, then the legacy port.
func (c *HamClock) probeLocal(ctx context.Context) (string, hamclock.Variant) {
	for _, port := range []int{c.openPort, c.legacyPort} {
		if port <= 0 {
			continue
		}
		base := fmt.Sprintf("http://%s:%d", c.host, port)
		probeCtx, cancel := context.WithTimeout(ctx, hamclockProbeTimeout)
		body, err := c.dl.Download(probeCtx, base+"/get_sys.txt")
		cancel()
		if err != nil {
			continue
		}
		if v := hamclock.DetectVariant(string(body)); v != hamclock.VariantUnknown {
			return base, v
		}
	}
	return "", hamclock.VariantUnknown
}

// fetchLocal reads the local propagation server through the variant's
// endpoint map and normalizes key spellings.
func (c *HamClock) fetchLocal(ctx context.Context, baseURL string, v hamclock.Variant) (map[string]any, map[string]any) {
	endpoints := hamclock.EndpointMap(v)

	spacewx := hamclock.NormalizeSpaceWx(c.fetchDoc(ctx, baseURL+endpoints["space_weather"]))
	bands := hamclock.NormalizeBandConditions(c.fetchDoc(ctx, baseURL+endpoints["band_conditions"]))
	de := hamclock.NormalizeDEDX(c.fetchDoc(ctx, baseURL+endpoints["de"]))
	dx := hamclock.NormalizeDEDX(c.fetchDoc(ctx, baseURL+endpoints["dx"]))

	weather := emptySpaceWeather(c.now())
	var sfi, kp *float64
	if raw, ok := spacewx["SFI"]; ok {
		weather["solar_flux"] = raw
		sfi = parseFloat(raw)
	}
	if raw, ok := spacewx["Kp"]; ok {
		if kp = parseFloat(raw); kp != nil {
			weather["kp_index"] = *kp
		}
	}
	if raw, ok := spacewx["Xray"]; ok {
		weather["xray_flux"] = raw
	}
	weather["band_conditions"] = hamclock.AssessBandConditions(sfi, kp)

	local := map[string]any{
		"available": true,
		"variant":   string(v),
	}
	if len(de) > 0 {
		local["de_station"] = de
	}
	if len(dx) > 0 {
		local["dx_station"] = dx
	}
	if len(bands) > 0 {
		local["bands"] = bands
	}
	return weather, local
}

// fetchSWPC reads the NOAA SWPC summary endpoints. SWPC reports
// numeric values as strings; they are passed through as received.
func (c *HamClock) fetchSWPC(ctx context.Context) map[string]any {
	weather := emptySpaceWeather(c.now())
	var sfi, kp *float64

	var flux struct {
		Flux string `json:"Flux"`
	}
	if c.fetchJSON(ctx, swpcSolarFlux, &flux) && flux.Flux != "" {
		weather["solar_flux"] = flux.Flux
		sfi = parseFloat(flux.Flux)
	}

	// Rows of strings; the first row is the column header and the
	// last row is the most recent reading, Kp in column 1.
	var rows [][]any
	if c.fetchJSON(ctx, swpcKpIndex, &rows) && len(rows) > 1 {
		latest := rows[len(rows)-1]
		if len(latest) >= 2 {
			switch v := latest[1].(type) {
			case string:
				kp = parseFloat(v)
			case float64:
				kp = model.Float64(v)
			}
			if kp != nil {
				weather["kp_index"] = *kp
			}
		}
	}

	var wind struct {
		WindSpeed string `json:"WindSpeed"`
	}
	if c.fetchJSON(ctx, swpcSolarWind, &wind) && wind.WindSpeed != "" {
		weather["solar_wind_speed"] = wind.WindSpeed
	}

	weather["band_conditions"] = hamclock.AssessBandConditions(sfi, kp)
	return weather
}

// fetchDoc downloads a plain text key-value document. Unreachable
// endpoints yield an empty map.
func (c *HamClock) fetchDoc(ctx context.Context, url string) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, hamclockFetchTimeout)
	defer cancel()
	body, err := c.dl.Download(ctx, url)
	if err != nil {
		return map[string]string{}
	}
	return hamclock.ParseKeyValue(string(body))
}

func (c *HamClock) fetchJSON(ctx context.Context, url string, out any) bool {
	ctx, cancel := context.WithTimeout(ctx, hamclockFetchTimeout)
	defer cancel()
	body, err := c.dl.Download(ctx, url)
	if err != nil {
		return false
	}
	return json.Unmarshal(body, out) == nil
}

func emptySpaceWeather(now time.Time) map[string]any {
	return map[string]any{
		"solar_flux":       nil,
		"kp_index":         nil,
		"solar_wind_speed": nil,
		"xray_flux":        nil,
		"band_conditions":  "unknown",
		"fetched_at":       now.UTC().Format("2006-01-02T15:04:05Z"),
	}
}

func parseFloat(s string) *float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &f
}
