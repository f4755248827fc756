package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/meshforge/meshforge-maps/internal/breaker"
	"github.com/meshforge/meshforge-maps/internal/model"
	"github.com/meshforge/meshforge-maps/internal/netutil"
)

const (
	// arednFetchTimeout caps one sysinfo request.
	arednFetchTimeout = 5 * time.Second
	// arednFanout bounds concurrent endpoint queries.
	arednFanout = 4
)

// AREDNConfig configures the Wi-Fi mesh collector.
type AREDNConfig struct {
	// Endpoints are node hostnames on the mesh, e.g.
	// "localnode.local.mesh".
	Endpoints  []string
	DataDir    string
	Downloader netutil.Downloader
	CacheTTL   time.Duration
	MaxRetries int
	Breaker    *breaker.Breaker
}

// AREDN collects Wi-Fi mesh nodes by querying each configured node's
// sysinfo API, merging in the AREDN disk cache and the unified node
// cache. LQM neighbor tables become directed topology links.
type AREDN struct {
	*Base
	endpoints []string
	dataDir   string
	dl        netutil.Downloader

	topoMu sync.Mutex
	links  []model.TopologyLink
	coords map[string][2]float64
}

// NewAREDN builds the collector.
func NewAREDN(cfg AREDNConfig) *AREDN {
	if cfg.Downloader == nil {
		cfg.Downloader = &netutil.DirectDownloader{
			Timeout:   arednFetchTimeout,
			UserAgent: "MeshForge/1.0",
			Accept:    "application/json",
		}
	}
	c := &AREDN{
		endpoints: cfg.Endpoints,
		dataDir:   cfg.DataDir,
		dl:        cfg.Downloader,
	}
	c.Base = NewBase("aredn", c.fetch, Options{
		CacheTTL:   cfg.CacheTTL,
		MaxRetries: cfg.MaxRetries,
		Breaker:    cfg.Breaker,
	})
	return c
}

// Links returns the LQM links from the most recent successful fetch,
// with endpoint coordinates resolved where that fetch saw them.
func (c *AREDN) Links() []model.ResolvedLink {
	c.topoMu.Lock()
	defer c.topoMu.Unlock()

	out := make([]model.ResolvedLink, 0, len(c.links))
	for _, l := range c.links {
		rl := model.ResolvedLink{TopologyLink: l}
		if pos, ok := c.coords[l.Source]; ok {
			rl.SourceLat = model.Float64(pos[0])
			rl.SourceLon = model.Float64(pos[1])
		}
		if pos, ok := c.coords[l.Target]; ok {
			rl.TargetLat = model.Float64(pos[0])
			rl.TargetLon = model.Float64(pos[1])
		}
		out = append(out, rl)
	}
	return out
}

func (c *AREDN) fetch(ctx context.Context) ([]model.Feature, Overlay, error) {
	type nodeResult struct {
		features []model.Feature
		links    []model.TopologyLink
	}
	results := make([]nodeResult, len(c.endpoints))
	var failed atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(arednFanout)
	for i, target := range c.endpoints {
		g.Go(func() error {
			features, links, err := c.fetchNode(gctx, target)
			if err != nil {
				failed.Add(1)
				log.Printf("[collector] aredn: %s unreachable: %v", target, err)
				return nil
			}
			results[i] = nodeResult{features: features, links: links}
			return nil
		})
	}
	_ = g.Wait()

	var live []model.Feature
	var links []model.TopologyLink
	for _, r := range results {
		live = append(live, r.features...)
		links = append(links, r.links...)
	}
	cached := collectionCache(cachePath(c.dataDir, arednCacheFile), "aredn")
	unified := collectionCache(cachePath(c.dataDir, unifiedCacheFile), "aredn")
	merged := model.DeduplicateFeatures(append(append(live, cached...), unified...))

	if len(merged) == 0 && len(c.endpoints) > 0 && int(failed.Load()) == len(c.endpoints) {
		return nil, nil, fmt.Errorf("all %d endpoints unreachable", len(c.endpoints))
	}

	coords := make(map[string][2]float64, len(merged))
	for _, f := range merged {
		if id := f.ID(); id != "" {
			coords[id] = [2]float64{f.Lat(), f.Lon()}
		}
	}
	c.topoMu.Lock()
	c.links = links
	c.coords = coords
	c.topoMu.Unlock()

	return merged, nil, nil
}

// fetchNode queries one node's sysinfo API. The response is checked
// for AREDN-specific fields so another HTTP service on the same port
// is not mistaken for a node.
func (c *AREDN) fetchNode(ctx context.Context, target string) ([]model.Feature, []model.TopologyLink, error) {
	ctx, cancel := context.WithTimeout(ctx, arednFetchTimeout)
	defer cancel()

	body, err := c.dl.Download(ctx, fmt.Sprintf("http://%s/a/sysinfo?lqm=1", target))
	if err != nil {
		return nil, nil, err
	}
	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, nil, fmt.Errorf("parse sysinfo: %w", err)
	}
	if _, hasNode := data["node"]; !hasNode {
		if _, hasSys := data["sysinfo"]; !hasSys {
			if _, hasMesh := data["meshrf"]; !hasMesh {
				return nil, nil, fmt.Errorf("response lacks AREDN sysinfo fields")
			}
		}
	}

	var features []model.Feature
	nodeName := target
	if n, ok := data["node"].(string); ok && n != "" {
		nodeName = n
	}
	if f := sysinfoFeature(data, target); f != nil {
		features = append(features, *f)
	}

	var links []model.TopologyLink
	if lqm, ok := data["lqm"].([]any); ok {
		for _, entry := range lqm {
			neighbor, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			if link := lqmLink(neighbor, nodeName); link != nil {
				links = append(links, *link)
			}
		}
	}
	return features, links, nil
}

// sysinfoFeature converts a sysinfo document into a node feature.
// AREDN firmware versions disagree on types, so coordinates may be
// numbers or strings.
func sysinfoFeature(data map[string]any, target string) *model.Feature {
	lat, latOK := looseNum(data, "lat")
	lon, lonOK := looseNum(data, "lon")
	if !latOK || !lonOK {
		return nil
	}

	nodeName, _ := data["node"].(string)
	if nodeName == "" {
		nodeName = target
	}
	hwModel, _ := data["model"].(string)
	firmware, _ := data["firmware_version"].(string)
	apiVersion, _ := data["api_version"].(string)
	gridSquare, _ := data["grid_square"].(string)

	props := map[string]any{
		"hardware":    hwModel,
		"firmware":    firmware,
		"api_version": apiVersion,
		"uptime":      "",
		"is_online":   true,
		"grid_square": gridSquare,
		"description": fmt.Sprintf("AREDN %s - %s", hwModel, firmware),
	}
	if sysinfo, ok := data["sysinfo"].(map[string]any); ok {
		if uptime, ok := sysinfo["uptime"].(string); ok {
			props["uptime"] = uptime
		}
		if loads, ok := sysinfo["loads"].([]any); ok && len(loads) > 0 {
			if la, ok := loads[0].(float64); ok {
				props["load_avg"] = la
			}
		}
	}
	return makeFeature(nodeName, lat, lon, "aredn", "aredn_node", nodeName, props)
}

// lqmLink converts one LQM neighbor entry into a directed link.
// Blocked and nameless neighbors are dropped; out-of-range quality and
// non-numeric SNR are dropped field-wise.
func lqmLink(neighbor map[string]any, source string) *model.TopologyLink {
	name, _ := neighbor["name"].(string)
	if name == "" {
		return nil
	}
	if blocked, _ := neighbor["blocked"].(bool); blocked {
		return nil
	}

	link := &model.TopologyLink{
		Source:  source,
		Target:  name,
		Network: "aredn",
	}
	if snr, ok := looseNum(neighbor, "snr"); ok {
		link.SNR = model.Float64(snr)
	}
	if q, ok := looseNum(neighbor, "quality"); ok && q >= 0 && q <= 100 {
		link.ArednQuality = model.Float64(q)
	}
	if lt, ok := neighbor["type"].(string); ok && lt != "" {
		link.LinkType = lt
	}
	return link
}

// looseNum reads a numeric field that may arrive as a JSON number or
// a numeric string.
func looseNum(m map[string]any, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}
