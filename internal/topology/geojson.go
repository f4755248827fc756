package topology

import "github.com/meshforge/meshforge-maps/internal/model"

// LinkFeature renders one link as a LineString feature with its SNR
// grade. Links missing either endpoint's coordinates return nil; a
// line needs both ends.
func LinkFeature(l model.ResolvedLink) map[string]any {
	if l.SourceLat == nil || l.SourceLon == nil || l.TargetLat == nil || l.TargetLon == nil {
		return nil
	}
	quality, color := ClassifySNR(l.SNR)
	var snr any
	if l.SNR != nil {
		snr = *l.SNR
	}
	props := map[string]any{
		"source":  l.Source,
		"target":  l.Target,
		"snr":     snr,
		"quality": quality,
		"color":   color,
	}
	if l.Network != "" {
		props["network"] = l.Network
	}
	if l.LinkType != "" {
		props["link_type"] = l.LinkType
	}
	if l.ArednQuality != nil {
		props["aredn_quality"] = *l.ArednQuality
	}
	return map[string]any{
		"type": "Feature",
		"geometry": map[string]any{
			"type": "LineString",
			"coordinates": [][]float64{
				{*l.SourceLon, *l.SourceLat},
				{*l.TargetLon, *l.TargetLat},
			},
		},
		"properties": props,
	}
}

// Collection renders the drawable subset of links as a
// FeatureCollection stamped with link_count.
func Collection(links []model.ResolvedLink) map[string]any {
	features := make([]map[string]any, 0, len(links))
	for _, l := range links {
		if f := LinkFeature(l); f != nil {
			features = append(features, f)
		}
	}
	return map[string]any{
		"type":     "FeatureCollection",
		"features": features,
		"properties": map[string]any{
			"link_count": len(features),
		},
	}
}
