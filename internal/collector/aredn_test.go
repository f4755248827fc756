package collector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/meshforge/meshforge-maps/internal/model"
)

func sysinfoDoc(node string, lqm []map[string]any) map[string]any {
	doc := map[string]any{
		"node":             node,
		"lat":              "39.45",
		"lon":              -104.98,
		"model":            "hAP ac lite",
		"firmware_version": "3.24.4.0",
		"api_version":      "1.14",
		"grid_square":      "DM79lr",
		"sysinfo": map[string]any{
			"uptime": "5 days, 3:21",
			"loads":  []any{0.25, 0.2, 0.15},
		},
	}
	if lqm != nil {
		doc["lqm"] = lqm
	}
	return doc
}

func sysinfoServer(t *testing.T, doc map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/a/sysinfo" || r.URL.Query().Get("lqm") != "1" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(doc)
	}))
}

// closedEndpoint returns a host:port that refuses connections.
func closedEndpoint(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.Listener.Addr().String()
	srv.Close()
	return addr
}

// --- sysinfo collection ---

func TestAREDNCollectsSysinfo(t *testing.T) {
	srv := sysinfoServer(t, sysinfoDoc("kd0aaa-hap", nil))
	defer srv.Close()

	c := NewAREDN(AREDNConfig{Endpoints: []string{srv.Listener.Addr().String()}, DataDir: t.TempDir()})
	r, cached := c.Collect(context.Background())
	if cached || len(r.Features) != 1 {
		t.Fatalf("collect: cached=%v features=%d", cached, len(r.Features))
	}
	f := r.Features[0]
	if f.ID() != "kd0aaa-hap" || f.Network() != "aredn" {
		t.Fatalf("identity: %v", f.Properties)
	}
	if f.Lat() != 39.45 {
		t.Errorf("string latitude not parsed: %v", f.Lat())
	}
	if hw, _ := f.Str("hardware"); hw != "hAP ac lite" {
		t.Errorf("hardware = %q", hw)
	}
	if desc, _ := f.Str("description"); desc != "AREDN hAP ac lite - 3.24.4.0" {
		t.Errorf("description = %q", desc)
	}
	if up, _ := f.Str("uptime"); up != "5 days, 3:21" {
		t.Errorf("uptime = %q", up)
	}
	if la, _ := f.Num("load_avg"); la != 0.25 {
		t.Errorf("load_avg = %v", la)
	}
	if gs, _ := f.Str("grid_square"); gs != "DM79lr" {
		t.Errorf("grid_square = %q", gs)
	}
	if !f.Bool("is_online") {
		t.Error("sysinfo responder should be online")
	}
}

func TestAREDNRejectsNonArednService(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"hello": "world"})
	}))
	defer srv.Close()

	c := NewAREDN(AREDNConfig{Endpoints: []string{srv.Listener.Addr().String()}, DataDir: t.TempDir()})
	r, cached := c.Collect(context.Background())
	if cached || len(r.Features) != 0 {
		t.Fatalf("collect: cached=%v features=%d", cached, len(r.Features))
	}
	lastErr, _ := c.HealthInfo()["last_error"].(string)
	if !strings.Contains(lastErr, "endpoints unreachable") {
		t.Errorf("last_error = %q", lastErr)
	}
}

func TestAREDNToleratesPartialFailure(t *testing.T) {
	srv := sysinfoServer(t, sysinfoDoc("kd0aaa-hap", nil))
	defer srv.Close()

	c := NewAREDN(AREDNConfig{
		Endpoints: []string{srv.Listener.Addr().String(), closedEndpoint(t)},
		DataDir:   t.TempDir(),
	})
	r, _ := c.Collect(context.Background())
	if len(r.Features) != 1 {
		t.Fatalf("features = %d, want 1 from the reachable endpoint", len(r.Features))
	}
	if got := c.HealthInfo()["total_errors"].(int64); got != 0 {
		t.Errorf("total_errors = %d, partial failure is not a failed cycle", got)
	}
}

// --- LQM topology ---

func TestAREDNLQMLinks(t *testing.T) {
	lqm := []map[string]any{
		{"name": "kd0bbb-rocket", "snr": 14.0, "quality": 92.0, "type": "RF"},
		{"name": "kd0ccc-nano", "snr": "7.5", "quality": 150.0, "type": "DTD"},
		{"name": "", "snr": 3.0},
		{"name": "kd0ddd-m2", "blocked": true},
		{"name": "kd0aaa-hap", "snr": 1.0},
	}
	srv := sysinfoServer(t, sysinfoDoc("kd0aaa-hap", lqm))
	defer srv.Close()

	c := NewAREDN(AREDNConfig{Endpoints: []string{srv.Listener.Addr().String()}, DataDir: t.TempDir()})
	c.Collect(context.Background())

	links := c.Links()
	if len(links) != 3 {
		t.Fatalf("links = %d, want 3 (nameless and blocked dropped)", len(links))
	}
	byTarget := map[string]model.ResolvedLink{}
	for _, l := range links {
		if l.Source != "kd0aaa-hap" {
			t.Errorf("source = %q", l.Source)
		}
		if l.Network != "aredn" {
			t.Errorf("network = %q", l.Network)
		}
		byTarget[l.Target] = l
	}

	rf := byTarget["kd0bbb-rocket"]
	if rf.SNR == nil || *rf.SNR != 14 || rf.LinkType != "RF" {
		t.Errorf("rf link = %+v", rf.TopologyLink)
	}
	if rf.ArednQuality == nil || *rf.ArednQuality != 92 {
		t.Errorf("rf quality = %v", rf.ArednQuality)
	}
	if rf.SourceLat == nil || *rf.SourceLat != 39.45 {
		t.Errorf("source coords not resolved: %+v", rf)
	}
	if rf.TargetLat != nil {
		t.Error("unseen target must stay unresolved")
	}

	dtd := byTarget["kd0ccc-nano"]
	if dtd.SNR == nil || *dtd.SNR != 7.5 {
		t.Errorf("string snr not parsed: %v", dtd.SNR)
	}
	if dtd.ArednQuality != nil {
		t.Errorf("quality 150 out of range, got %v", *dtd.ArednQuality)
	}

	self := byTarget["kd0aaa-hap"]
	if self.Source != self.Target {
		t.Error("self link should be kept")
	}
	if self.TargetLat == nil {
		t.Error("self link target should resolve to the node's own coords")
	}
}

func TestAREDNLinksWithoutNodeCoords(t *testing.T) {
	doc := map[string]any{
		"node": "kd0aaa-hap",
		"lqm":  []any{map[string]any{"name": "kd0bbb-rocket", "snr": 5.0}},
	}
	srv := sysinfoServer(t, doc)
	defer srv.Close()

	c := NewAREDN(AREDNConfig{Endpoints: []string{srv.Listener.Addr().String()}, DataDir: t.TempDir()})
	r, _ := c.Collect(context.Background())
	if len(r.Features) != 0 {
		t.Fatalf("features = %d, coordinate-less node yields none", len(r.Features))
	}
	links := c.Links()
	if len(links) != 1 {
		t.Fatalf("links = %d, want 1 even without node coords", len(links))
	}
	if links[0].SourceLat != nil {
		t.Error("source coords should be unresolved")
	}
}

func TestLQMLink(t *testing.T) {
	tests := []struct {
		name     string
		neighbor map[string]any
		want     *model.TopologyLink
	}{
		{"nameless", map[string]any{"snr": 5.0}, nil},
		{"blocked", map[string]any{"name": "x", "blocked": true}, nil},
		{
			"full",
			map[string]any{"name": "kd0bbb", "snr": 12.0, "quality": 88.0, "type": "RF"},
			&model.TopologyLink{Source: "kd0aaa", Target: "kd0bbb", Network: "aredn",
				SNR: model.Float64(12), ArednQuality: model.Float64(88), LinkType: "RF"},
		},
		{
			"bad_snr_string_dropped_fieldwise",
			map[string]any{"name": "kd0bbb", "snr": "n/a"},
			&model.TopologyLink{Source: "kd0aaa", Target: "kd0bbb", Network: "aredn"},
		},
		{
			"quality_bounds_inclusive",
			map[string]any{"name": "kd0bbb", "quality": 100.0},
			&model.TopologyLink{Source: "kd0aaa", Target: "kd0bbb", Network: "aredn",
				ArednQuality: model.Float64(100)},
		},
		{
			"negative_quality_dropped",
			map[string]any{"name": "kd0bbb", "quality": -1.0},
			&model.TopologyLink{Source: "kd0aaa", Target: "kd0bbb", Network: "aredn"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := lqmLink(tt.neighbor, "kd0aaa")
			if (got == nil) != (tt.want == nil) {
				t.Fatalf("lqmLink = %+v, want %+v", got, tt.want)
			}
			if got == nil {
				return
			}
			if got.Source != tt.want.Source || got.Target != tt.want.Target ||
				got.Network != tt.want.Network || got.LinkType != tt.want.LinkType {
				t.Fatalf("link = %+v, want %+v", got, tt.want)
			}
			if (got.SNR == nil) != (tt.want.SNR == nil) ||
				(got.SNR != nil && *got.SNR != *tt.want.SNR) {
				t.Errorf("snr = %v, want %v", got.SNR, tt.want.SNR)
			}
			if (got.ArednQuality == nil) != (tt.want.ArednQuality == nil) ||
				(got.ArednQuality != nil && *got.ArednQuality != *tt.want.ArednQuality) {
				t.Errorf("quality = %v, want %v", got.ArednQuality, tt.want.ArednQuality)
			}
		})
	}
}

// --- disk cache merge ---

func TestAREDNMergesDiskCaches(t *testing.T) {
	srv := sysinfoServer(t, sysinfoDoc("kd0aaa-hap", nil))
	defer srv.Close()
	dir := t.TempDir()

	stale := makeFeature("kd0aaa-hap", 10, 10, "aredn", "aredn_node", "Stale Name", nil)
	extra := makeFeature("kd0eee-bullet", 39.5, -105.1, "aredn", "aredn_node", "", nil)
	writeJSONFile(t, filepath.Join(dir, "aredn_nodes.json"),
		model.NewFeatureCollection([]model.Feature{*stale, *extra}))

	old := makeFeature("kd0fff-old", 39.6, -105.2, "aredn", "aredn_node", "", nil)
	foreign := makeFeature("ret1", 39.7, -105.3, "reticulum", "nomadnet", "", nil)
	writeJSONFile(t, filepath.Join(dir, "node_cache.json"),
		model.NewFeatureCollection([]model.Feature{*old, *foreign}))

	c := NewAREDN(AREDNConfig{Endpoints: []string{srv.Listener.Addr().String()}, DataDir: dir})
	r, _ := c.Collect(context.Background())
	if len(r.Features) != 3 {
		t.Fatalf("features = %d, want 3", len(r.Features))
	}
	byID := map[string]model.Feature{}
	for _, f := range r.Features {
		byID[f.ID()] = f
	}
	if name, _ := byID["kd0aaa-hap"].Str("name"); name == "Stale Name" {
		t.Error("live fetch must win over the disk cache for the same node")
	}
	if _, ok := byID["kd0eee-bullet"]; !ok {
		t.Error("aredn cache entry missing")
	}
	if _, ok := byID["kd0fff-old"]; !ok {
		t.Error("unified cache entry missing")
	}
	if _, ok := byID["ret1"]; ok {
		t.Error("foreign-network cache entry must be filtered out")
	}
}

func TestAREDNDiskCacheRescuesFailedCycle(t *testing.T) {
	dir := t.TempDir()
	writeJSONFile(t, filepath.Join(dir, "aredn_nodes.json"),
		model.NewFeatureCollection([]model.Feature{
			*makeFeature("kd0eee-bullet", 39.5, -105.1, "aredn", "aredn_node", "", nil),
		}))

	c := NewAREDN(AREDNConfig{Endpoints: []string{closedEndpoint(t)}, DataDir: dir})
	r, _ := c.Collect(context.Background())
	if len(r.Features) != 1 {
		t.Fatalf("features = %d, want 1 from disk", len(r.Features))
	}
	if got := c.HealthInfo()["total_errors"].(int64); got != 0 {
		t.Errorf("total_errors = %d, disk rescue is a successful cycle", got)
	}
}
