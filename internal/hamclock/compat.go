// Package hamclock normalizes responses from HamClock and OpenHamClock
// propagation servers into a single canonical shape. All functions are
// pure; the collector owns the I/O.
//
// Original HamClock ceases operation June 2026. OpenHamClock is the
// community successor, on port 3000 by default. Known differences:
// lowercase response keys, extra voacap fields, a Version marker in
// get_sys.txt, and an extra get_config.txt endpoint.
package hamclock

import "strings"

// Variant identifies which propagation server answered a probe.
type Variant string

const (
	VariantOpenHamClock Variant = "openhamclock"
	VariantHamClock     Variant = "hamclock"
	VariantUnknown      Variant = "unknown"
)

// DetectVariant inspects a get_sys.txt response body for the version
// marker. An empty body means the probe answered with nothing usable.
func DetectVariant(sysText string) Variant {
	if strings.TrimSpace(sysText) == "" {
		return VariantUnknown
	}
	if strings.Contains(strings.ToLower(sysText), "openhamclock") {
		return VariantOpenHamClock
	}
	return VariantHamClock
}

// EndpointMap returns logical endpoint names to URL paths for the
// variant. Both variants currently share the same paths; the map exists
// so the collector survives future divergence.
func EndpointMap(v Variant) map[string]string {
	endpoints := map[string]string{
		"sys":             "/get_sys.txt",
		"space_weather":   "/get_spacewx.txt",
		"band_conditions": "/get_bc.txt",
		"voacap":          "/get_voacap.txt",
		"de":              "/get_de.txt",
		"dx":              "/get_dx.txt",
		"dxspots":         "/get_dxspots.txt",
	}
	if v == VariantOpenHamClock {
		endpoints["config"] = "/get_config.txt"
	}
	return endpoints
}

// Key aliases: lowercase OpenHamClock spellings to canonical HamClock keys.
var spacewxAliases = map[string]string{
	"sfi":         "SFI",
	"flux":        "SFI",
	"solar_flux":  "SFI",
	"kp":          "Kp",
	"kp_index":    "Kp",
	"a":           "A",
	"a_index":     "A",
	"xray":        "Xray",
	"x-ray":       "Xray",
	"xray_flux":   "Xray",
	"ssn":         "SSN",
	"sunspot":     "SSN",
	"sunspots":    "SSN",
	"proton":      "Proton",
	"pf":          "Proton",
	"proton_flux": "Proton",
	"aurora":      "Aurora",
	"aur":         "Aurora",
}

// Station documents arrive either with bare field names or with the
// DE_/DX_ prefix the legacy firmware writes.
var deDXAliases = map[string]string{
	"latitude":    "lat",
	"longitude":   "lng",
	"lon":         "lng",
	"callsign":    "call",
	"gridsquare":  "grid",
	"grid_square": "grid",
	"de_lat":      "lat",
	"de_lng":      "lng",
	"de_lon":      "lng",
	"de_call":     "call",
	"de_grid":     "grid",
	"dx_lat":      "lat",
	"dx_lng":      "lng",
	"dx_lon":      "lng",
	"dx_call":     "call",
	"dx_grid":     "grid",
}

// Each band maps to its own canonical key. Collapsing two bands into a
// shared key loses whichever is processed second.
var bandAliases = map[string]string{
	"band80m": "80m",
	"band40m": "40m",
	"band30m": "30m",
	"band20m": "20m",
	"band17m": "17m",
	"band15m": "15m",
	"band12m": "12m",
	"band10m": "10m",
}

// NormalizeKeyValue rewrites keys through the alias map,
// case-insensitively. Keys with no alias pass through unchanged.
func NormalizeKeyValue(parsed map[string]string, aliases map[string]string) map[string]string {
	result := make(map[string]string, len(parsed))
	for key, value := range parsed {
		if canonical, ok := aliases[strings.ToLower(strings.TrimSpace(key))]; ok {
			result[canonical] = value
		} else {
			result[key] = value
		}
	}
	return result
}

// NormalizeSpaceWx canonicalizes a space weather document.
func NormalizeSpaceWx(parsed map[string]string) map[string]string {
	return NormalizeKeyValue(parsed, spacewxAliases)
}

// NormalizeDEDX canonicalizes a DE or DX station document.
func NormalizeDEDX(parsed map[string]string) map[string]string {
	return NormalizeKeyValue(parsed, deDXAliases)
}

// NormalizeBandConditions canonicalizes a band conditions document.
func NormalizeBandConditions(parsed map[string]string) map[string]string {
	return NormalizeKeyValue(parsed, bandAliases)
}
