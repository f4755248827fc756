// Package topology grades mesh links by SNR and renders the merged
// link graph as GeoJSON for the map's topology layer.
package topology

// snrTiers is the five-tier quality scale for RF links. Bounds are
// inclusive: a link at exactly 8.0 dB grades excellent.
var snrTiers = []struct {
	min     float64
	quality string
	color   string
}{
	{8, "excellent", "#4caf50"},
	{5, "good", "#8bc34a"},
	{0, "marginal", "#ffeb3b"},
	{-10, "poor", "#ff9800"},
}

// ClassifySNR returns the quality label and display colour for a link.
// Links without SNR data grade unknown.
func ClassifySNR(snr *float64) (quality, color string) {
	if snr == nil {
		return "unknown", "#9e9e9e"
	}
	for _, tier := range snrTiers {
		if *snr >= tier.min {
			return tier.quality, tier.color
		}
	}
	return "bad", "#f44336"
}
