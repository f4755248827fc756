package collector

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/meshforge/meshforge-maps/internal/model"
)

func scriptedRun(out string, err error) runFunc {
	return func(context.Context, []string) ([]byte, error) {
		return []byte(out), err
	}
}

func writeJSONFile(t *testing.T, path string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

// --- command invocation ---

func TestReticulumCommandArgv(t *testing.T) {
	tests := []struct {
		name    string
		command string
		want    []string
	}{
		{"default", "", []string{"rnstatus", "-d", "--json"}},
		{"bare_command", "rnstatus", []string{"rnstatus", "-d", "--json"}},
		{"custom_args_kept", "ssh gateway rnstatus --json", []string{"ssh", "gateway", "rnstatus", "--json"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			c := NewReticulum(ReticulumConfig{
				Command: tt.command,
				Run: func(_ context.Context, argv []string) ([]byte, error) {
					got = append([]string(nil), argv...)
					return []byte(`{"interfaces": []}`), nil
				},
			})
			c.Collect(context.Background())
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("argv = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReticulumParsesInterfaces(t *testing.T) {
	out := `{"interfaces": [
		{"name": "Basecamp RNode", "type": "RNode", "hash": "3b291f30c61a7dca04b1797b8c1a4ccd",
		 "status": "up", "latitude": 39.7, "longitude": -104.9, "height": 1800,
		 "description": "LoRa gateway on the ridge"},
		{"name": "TCP uplink", "type": "tcp", "status": "up"}
	]}`
	c := NewReticulum(ReticulumConfig{Run: scriptedRun(out, nil)})

	r, cached := c.Collect(context.Background())
	if cached || len(r.Features) != 1 {
		t.Fatalf("collect: cached=%v features=%d (coordinate-less interface must be skipped)",
			cached, len(r.Features))
	}
	f := r.Features[0]
	if f.ID() != "3b291f30c61a7dca04b1797b8c1a4ccd" {
		t.Errorf("id = %q", f.ID())
	}
	if nt, _ := f.Str("node_type"); nt != "RNode (LoRa)" {
		t.Errorf("node_type = %q", nt)
	}
	if it, _ := f.Str("rns_interface_type"); it != "rnode" {
		t.Errorf("rns_interface_type = %q", it)
	}
	if !f.Bool("is_online") {
		t.Error("status up should mean online")
	}
	if alt, _ := f.Num("altitude"); alt != 1800 {
		t.Errorf("altitude = %v", alt)
	}
	if desc, _ := f.Str("description"); desc != "LoRa gateway on the ridge" {
		t.Errorf("description = %q", desc)
	}
}

func TestReticulumUnknownTypeKeptVerbatim(t *testing.T) {
	out := `{"interfaces": [
		{"name": "Exotic", "type": "QUANTUM", "latitude": 39.7, "longitude": -104.9}
	]}`
	c := NewReticulum(ReticulumConfig{Run: scriptedRun(out, nil)})
	r, _ := c.Collect(context.Background())
	if len(r.Features) != 1 {
		t.Fatalf("features = %d", len(r.Features))
	}
	if nt, _ := r.Features[0].Str("node_type"); nt != "quantum" {
		t.Errorf("node_type = %q, want lowercased passthrough", nt)
	}
}

// --- disk fallback chain ---

func TestReticulumFallsBackToRNSCache(t *testing.T) {
	dir := t.TempDir()
	writeJSONFile(t, filepath.Join(dir, "rns_nodes.json"), map[string]map[string]any{
		"b71a0c9e007e4d2b8a47c4047f21f33a": {
			"latitude": 40.0, "longitude": -105.0,
			"name": "Cached Node", "type": "nomadnet", "is_online": false,
		},
		"nofix": {"name": "Broken"},
	})
	c := NewReticulum(ReticulumConfig{
		DataDir: dir,
		Run:     scriptedRun("", errors.New("rnstatus not found")),
	})

	r, cached := c.Collect(context.Background())
	if cached {
		t.Fatal("disk fallback is part of the fetch, not a cache hit")
	}
	if len(r.Features) != 1 {
		t.Fatalf("features = %d, want 1", len(r.Features))
	}
	f := r.Features[0]
	if name, _ := f.Str("name"); name != "Cached Node" {
		t.Errorf("name = %q", name)
	}
	if nt, _ := f.Str("node_type"); nt != "nomadnet" {
		t.Errorf("node_type = %q", nt)
	}
	info := c.HealthInfo()
	if got := info["total_errors"].(int64); got != 0 {
		t.Errorf("total_errors = %d, cache fallback should not count as failure", got)
	}
}

func TestReticulumMapCacheDeterministicOrder(t *testing.T) {
	dir := t.TempDir()
	writeJSONFile(t, filepath.Join(dir, "rns_nodes.json"), map[string]map[string]any{
		"bb": {"latitude": 41.0, "longitude": -106.0, "name": "Second"},
		"aa": {"latitude": 40.0, "longitude": -105.0, "name": "First"},
	})
	c := NewReticulum(ReticulumConfig{DataDir: dir, Run: scriptedRun("", errors.New("down"))})

	r, _ := c.Collect(context.Background())
	if len(r.Features) != 2 {
		t.Fatalf("features = %d", len(r.Features))
	}
	if r.Features[0].ID() != "aa" || r.Features[1].ID() != "bb" {
		t.Errorf("order = %q, %q, want id-sorted", r.Features[0].ID(), r.Features[1].ID())
	}
}

func TestReticulumUnifiedCacheFiltersNetwork(t *testing.T) {
	dir := t.TempDir()
	fc := model.NewFeatureCollection([]model.Feature{
		*makeFeature("ret1", 40, -105, "reticulum", "nomadnet", "Ret", nil),
		*makeFeature("mesh1", 41, -106, "meshtastic", "meshtastic_node", "Mesh", nil),
	})
	writeJSONFile(t, filepath.Join(dir, "node_cache.json"), fc)
	c := NewReticulum(ReticulumConfig{DataDir: dir, Run: scriptedRun("", errors.New("down"))})

	r, _ := c.Collect(context.Background())
	if len(r.Features) != 1 || r.Features[0].ID() != "ret1" {
		t.Fatalf("features = %+v, want only the reticulum entry", r.Features)
	}
}

func TestReticulumCommandWinsOverCache(t *testing.T) {
	dir := t.TempDir()
	writeJSONFile(t, filepath.Join(dir, "rns_nodes.json"), map[string]map[string]any{
		"cached": {"latitude": 40.0, "longitude": -105.0, "name": "Cached"},
	})
	out := `{"interfaces": [{"name": "Live", "hash": "live1", "type": "rnode", "latitude": 39.7, "longitude": -104.9}]}`
	c := NewReticulum(ReticulumConfig{DataDir: dir, Run: scriptedRun(out, nil)})

	r, _ := c.Collect(context.Background())
	if len(r.Features) != 1 || r.Features[0].ID() != "live1" {
		t.Fatalf("features = %+v, want only the live entry", r.Features)
	}
}

func TestReticulumFailureWithoutFallback(t *testing.T) {
	c := NewReticulum(ReticulumConfig{
		DataDir: t.TempDir(),
		Run:     scriptedRun("", errors.New("exit status 127")),
	})

	r, cached := c.Collect(context.Background())
	if cached || len(r.Features) != 0 {
		t.Fatalf("collect: cached=%v features=%d", cached, len(r.Features))
	}
	info := c.HealthInfo()
	if got := info["total_errors"].(int64); got != 1 {
		t.Errorf("total_errors = %d, want 1", got)
	}
	lastErr, _ := info["last_error"].(string)
	if !strings.Contains(lastErr, "rnstatus") {
		t.Errorf("last_error = %q", lastErr)
	}
}

func TestReticulumEmptyOutputIsSuccess(t *testing.T) {
	c := NewReticulum(ReticulumConfig{
		DataDir: t.TempDir(),
		Run:     scriptedRun(`{"interfaces": []}`, nil),
	})

	r, _ := c.Collect(context.Background())
	if len(r.Features) != 0 {
		t.Fatalf("features = %d", len(r.Features))
	}
	info := c.HealthInfo()
	if got := info["total_collections"].(int64); got != 1 {
		t.Errorf("total_collections = %d, want 1", got)
	}
	if got := info["total_errors"].(int64); got != 0 {
		t.Errorf("total_errors = %d, want 0", got)
	}
}
