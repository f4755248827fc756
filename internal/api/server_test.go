package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/meshforge/meshforge-maps/internal/alert"
	"github.com/meshforge/meshforge-maps/internal/breaker"
	"github.com/meshforge/meshforge-maps/internal/config"
	"github.com/meshforge/meshforge-maps/internal/perf"
)

func newTestServer(t *testing.T, opts Options, deps Deps) *Server {
	t.Helper()
	if deps.StartTime.IsZero() {
		deps.StartTime = time.Now()
	}
	return NewServer(opts, deps)
}

func doGet(t *testing.T, srv *Server, path string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestSecurityHeadersOnEveryResponse(t *testing.T) {
	srv := newTestServer(t, Options{}, Deps{Perf: perf.NewMonitor()})

	for _, path := range []string{"/api/status", "/api/perf", "/api/nope"} {
		rec := doGet(t, srv, path, nil)
		h := rec.Header()
		if h.Get("X-Content-Type-Options") != "nosniff" ||
			h.Get("X-Frame-Options") != "DENY" ||
			h.Get("Server") != "MeshForge-Maps/1.0" {
			t.Errorf("%s headers = %v", path, h)
		}
		if got := h.Get("Content-Length"); got != strconv.Itoa(rec.Body.Len()) {
			t.Errorf("%s Content-Length = %q, body %d bytes", path, got, rec.Body.Len())
		}
		if h.Get("Access-Control-Allow-Origin") != "" {
			t.Errorf("%s has CORS header without configured origin", path)
		}
	}
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t, Options{CORSOrigin: "https://maps.example.org"}, Deps{})
	req := httptest.NewRequest(http.MethodOptions, "/api/status", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://maps.example.org" {
		t.Errorf("preflight headers = %v", rec.Header())
	}
	if !strings.Contains(rec.Header().Get("Access-Control-Allow-Headers"), APIKeyHeader) {
		t.Errorf("key header missing from Allow-Headers: %v", rec.Header())
	}
}

func TestAuthGuardsAPIButNotMapPage(t *testing.T) {
	srv := newTestServer(t, Options{APIKey: "sekrit"}, Deps{})

	rec := doGet(t, srv, "/api/status", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no key status = %d", rec.Code)
	}
	if decodeBody(t, rec)["error"] != "unauthorized" {
		t.Errorf("401 body = %s", rec.Body.String())
	}

	rec = doGet(t, srv, "/api/status", map[string]string{APIKeyHeader: "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong key status = %d", rec.Code)
	}

	rec = doGet(t, srv, "/api/status", map[string]string{APIKeyHeader: "sekrit"})
	if rec.Code != http.StatusOK {
		t.Errorf("right key status = %d", rec.Code)
	}

	// The map page stays public; only /api/ is keyed.
	if rec := doGet(t, srv, "/", nil); rec.Code != http.StatusOK {
		t.Errorf("map page status = %d", rec.Code)
	}
}

func TestMapPageCSP(t *testing.T) {
	srv := newTestServer(t, Options{}, Deps{})
	rec := doGet(t, srv, "/", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q", ct)
	}
	if csp := rec.Header().Get("Content-Security-Policy"); !strings.Contains(csp, "default-src 'self'") {
		t.Errorf("CSP = %q", csp)
	}
	// API responses never carry the CSP.
	if csp := doGet(t, srv, "/api/status", nil).Header().Get("Content-Security-Policy"); csp != "" {
		t.Errorf("API response carries CSP %q", csp)
	}
}

func TestUnknownAPIRouteIsJSON404(t *testing.T) {
	srv := newTestServer(t, Options{}, Deps{})
	rec := doGet(t, srv, "/api/does/not/exist", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if decodeBody(t, rec)["error"] != "not found" {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestAlertQueryValidation(t *testing.T) {
	engine := alert.NewEngine(alert.Options{})
	srv := newTestServer(t, Options{}, Deps{Alerts: engine})

	for _, path := range []string{
		"/api/alerts?limit=abc",
		"/api/alerts?severity=bogus",
		"/api/alerts?node_id=not-hex!",
	} {
		if rec := doGet(t, srv, path, nil); rec.Code != http.StatusBadRequest {
			t.Errorf("%s status = %d, want 400", path, rec.Code)
		}
	}
	if rec := doGet(t, srv, "/api/alerts?limit=500000", nil); rec.Code != http.StatusOK {
		t.Errorf("oversized limit must clamp, got %d", rec.Code)
	}
}

func TestAcknowledgeAlert(t *testing.T) {
	engine := alert.NewEngine(alert.Options{})
	srv := newTestServer(t, Options{}, Deps{Alerts: engine})

	fired := engine.EvaluateNode("!a1b2c3d4", map[string]any{"battery": 5.0}, nil)
	if len(fired) == 0 {
		t.Fatal("default rules did not fire on critical battery")
	}

	req := httptest.NewRequest(http.MethodPost, "/api/alerts/"+fired[0].AlertID+"/acknowledge", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("ack status = %d", rec.Code)
	}
	if decodeBody(t, rec)["acknowledged"] != true {
		t.Errorf("ack body = %s", rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/api/alerts/nope/acknowledge", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown ack status = %d", rec.Code)
	}
}

func TestSystemHealthWithoutAggregator(t *testing.T) {
	srv := newTestServer(t, Options{}, Deps{Breakers: breaker.NewRegistry(breaker.RegistryConfig{})})
	body := decodeBody(t, doGet(t, srv, "/api/health", nil))
	if body["status"] != "offline" || body["score"] != float64(0) {
		t.Errorf("health = %v", body)
	}
}

func TestConfigRedactsCredentials(t *testing.T) {
	settings := config.NewManager(filepath.Join(t.TempDir(), "settings.json"))
	env := &config.EnvConfig{APIKey: "sekrit", WSEnabled: true, WSPort: 8811}
	srv := newTestServer(t, Options{}, Deps{Settings: settings, Env: env})

	body := decodeBody(t, doGet(t, srv, "/api/config", nil))
	if _, leaked := body["mqtt_username"]; leaked {
		t.Error("mqtt_username leaked into /api/config")
	}
	if _, leaked := body["api_key"]; leaked {
		t.Error("api_key leaked into /api/config")
	}
	if _, ok := body["has_mqtt_credentials"].(bool); !ok {
		t.Errorf("has_mqtt_credentials = %v", body["has_mqtt_credentials"])
	}
	if body["auth_required"] != true || body["ws_port"] != float64(8811) {
		t.Errorf("config = %v", body)
	}
}

func TestExportFormats(t *testing.T) {
	engine := alert.NewEngine(alert.Options{})
	engine.EvaluateNode("!a1b2c3d4", map[string]any{"battery": 5.0}, nil)
	srv := newTestServer(t, Options{}, Deps{Alerts: engine})

	rec := doGet(t, srv, "/api/export/alerts", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("csv status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("Content-Type = %q", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "meshforge_alerts.csv") {
		t.Errorf("Content-Disposition = %q", cd)
	}
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) < 2 || !strings.HasPrefix(lines[0], "alert_id,") {
		t.Errorf("csv body = %q", rec.Body.String())
	}

	rec = doGet(t, srv, "/api/export/alerts?format=json", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("json status = %d", rec.Code)
	}
	if decodeBody(t, rec)["count"] == float64(0) {
		t.Error("json export empty")
	}

	if rec := doGet(t, srv, "/api/export/alerts?format=xml", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad format status = %d", rec.Code)
	}
}

func TestDegradedRoutesWithNilDeps(t *testing.T) {
	srv := newTestServer(t, Options{}, Deps{})

	// Optional integrations answer 200 with an availability flag.
	for _, path := range []string{"/api/core-health", "/api/proxy/stats", "/api/mqtt/stats"} {
		rec := doGet(t, srv, path, nil)
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d", path, rec.Code)
			continue
		}
		if decodeBody(t, rec)["available"] != false {
			t.Errorf("%s body = %s", path, rec.Body.String())
		}
	}

	// Core read surfaces answer 503 when their component is absent.
	for _, path := range []string{"/api/perf", "/api/alerts", "/api/analytics/growth"} {
		if rec := doGet(t, srv, path, nil); rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s status = %d, want 503", path, rec.Code)
		}
	}
}

func TestTileProviders(t *testing.T) {
	srv := newTestServer(t, Options{}, Deps{})
	rec := doGet(t, srv, "/api/tile-providers", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var providers map[string]config.TileProvider
	if err := json.Unmarshal(rec.Body.Bytes(), &providers); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(providers) == 0 {
		t.Error("no tile providers")
	}
}
