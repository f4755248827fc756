package collector

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/meshforge/meshforge-maps/internal/model"
)

// Cache files written by the meshforge core under the data directory.
// This service only reads them.
const (
	rnsCacheFile     = "rns_nodes.json"
	arednCacheFile   = "aredn_nodes.json"
	unifiedCacheFile = "node_cache.json"
)

// collectionCache reads a GeoJSON cache file and returns the features
// whose network property matches network ("" keeps all). Missing or
// malformed files yield nil.
func collectionCache(path, network string) []model.Feature {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var fc model.FeatureCollection
	if err := json.Unmarshal(data, &fc); err != nil || fc.Type != "FeatureCollection" {
		return nil
	}
	if network == "" {
		return fc.Features
	}
	var out []model.Feature
	for _, f := range fc.Features {
		if f.Network() == network {
			out = append(out, f)
		}
	}
	return out
}

// nodeMapCache reads a cache file in either of its two on-disk forms:
// a GeoJSON FeatureCollection (features returned as-is) or a map of
// node id to record (converted to features on the given network).
func nodeMapCache(path, network string) []model.Feature {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	var fc model.FeatureCollection
	if err := json.Unmarshal(data, &fc); err == nil && fc.Type == "FeatureCollection" {
		return fc.Features
	}

	var nodes map[string]map[string]any
	if err := json.Unmarshal(data, &nodes); err != nil {
		return nil
	}
	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []model.Feature
	for _, id := range ids {
		rec := nodes[id]
		lat, latOK := numField(rec, "latitude")
		lon, lonOK := numField(rec, "longitude")
		if !latOK || !lonOK {
			continue
		}
		props := map[string]any{}
		if v, ok := rec["is_online"]; ok {
			props["is_online"] = v
		}
		if v, ok := rec["last_seen"]; ok {
			props["last_seen"] = v
		}
		name, _ := rec["name"].(string)
		nodeType, _ := rec["type"].(string)
		if nodeType == "" {
			nodeType = "unknown"
		}
		if f := makeFeature(id, lat, lon, network, nodeType, name, props); f != nil {
			out = append(out, *f)
		}
	}
	return out
}

func numField(m map[string]any, key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

func cachePath(dataDir, file string) string {
	return filepath.Join(dataDir, file)
}
