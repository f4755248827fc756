package api

import (
	"context"
	"log"
	"net"
	"net/http"
	"time"

	xnetutil "golang.org/x/net/netutil"

	"github.com/meshforge/meshforge-maps/internal/aggregate"
	"github.com/meshforge/meshforge-maps/internal/alert"
	"github.com/meshforge/meshforge-maps/internal/breaker"
	"github.com/meshforge/meshforge-maps/internal/bus"
	"github.com/meshforge/meshforge-maps/internal/config"
	"github.com/meshforge/meshforge-maps/internal/corehealth"
	"github.com/meshforge/meshforge-maps/internal/drift"
	"github.com/meshforge/meshforge-maps/internal/health"
	"github.com/meshforge/meshforge-maps/internal/history"
	"github.com/meshforge/meshforge-maps/internal/hostlock"
	"github.com/meshforge/meshforge-maps/internal/mqttsub"
	"github.com/meshforge/meshforge-maps/internal/netutil"
	"github.com/meshforge/meshforge-maps/internal/nodestate"
	"github.com/meshforge/meshforge-maps/internal/perf"
	"github.com/meshforge/meshforge-maps/internal/ws"
)

// Deps are the read-side components the handlers serve from. Any
// field may be nil; the affected routes degrade instead of panicking.
type Deps struct {
	Aggregator *aggregate.Aggregator
	History    *history.Store
	Analytics  *history.Analytics
	Alerts     *alert.Engine
	Health     *health.Scorer
	States     *nodestate.Tracker
	Drift      *drift.Detector
	Subscriber *mqttsub.Subscriber
	WS         *ws.Broadcaster
	Perf       *perf.Monitor
	Breakers   *breaker.Registry
	Bus        *bus.Bus
	Leases     *hostlock.Manager
	Settings   *config.Manager
	Env        *config.EnvConfig
	CoreHealth *corehealth.Reader

	// ProxyStats reports the Meshtastic API proxy counters; nil when
	// the proxy is disabled.
	ProxyStats func() map[string]any

	StartTime time.Time
}

// Options configure the listener and request policies.
type Options struct {
	Host         string
	Port         int
	APIKey       string
	CORSOrigin   string
	MaxBodyBytes int64
	MaxConns     int
}

// Server is the public HTTP API listener.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	opts       Options
	listener   net.Listener
	port       int
	serveDone  chan struct{}
}

// NewServer wires the full route table. Routes are registered once
// here, never rebuilt per request.
func NewServer(opts Options, deps Deps) *Server {
	mux := http.NewServeMux()

	// Map page and static assets.
	registerWebUI(mux)

	apiMux := http.NewServeMux()

	// Nodes.
	apiMux.Handle("GET /api/nodes/geojson", HandleNodesGeoJSON(deps.Aggregator))
	apiMux.Handle("GET /api/nodes/all", HandleNodesGeoJSON(deps.Aggregator))
	apiMux.Handle("GET /api/nodes/{source}", HandleNodesBySource(deps.Aggregator))
	apiMux.Handle("GET /api/nodes/{id}/trajectory", HandleTrajectory(deps.History))
	apiMux.Handle("GET /api/nodes/{id}/history", HandleNodeHistory(deps.History))
	apiMux.Handle("GET /api/nodes/{id}/health", HandleNodeHealth(deps.Health, deps.Aggregator, deps.States))
	apiMux.Handle("GET /api/nodes/{id}/drift", HandleNodeDrift(deps.Drift))
	apiMux.Handle("GET /api/history/nodes", HandleTrackedNodes(deps.History))
	apiMux.Handle("GET /api/snapshot/{timestamp}", HandleSnapshot(deps.History))

	// Topology and overlays.
	apiMux.Handle("GET /api/topology", HandleTopology(deps.Aggregator))
	apiMux.Handle("GET /api/topology/geojson", HandleTopologyGeoJSON(deps.Aggregator))
	apiMux.Handle("GET /api/overlay", HandleOverlay(deps.Aggregator))
	apiMux.Handle("GET /api/overlay/weather-alerts", HandleWeatherAlerts(deps.Aggregator))
	apiMux.Handle("GET /api/hamclock", HandleHamClock(deps.Aggregator))

	// Service status.
	apiMux.Handle("GET /api/health", HandleSystemHealth(deps.Aggregator, deps.Breakers, deps.Settings))
	apiMux.Handle("GET /api/status", HandleStatus(deps))
	apiMux.Handle("GET /api/perf", HandlePerf(deps.Perf))
	apiMux.Handle("GET /api/mqtt/stats", HandleMQTTStats(deps.Subscriber))
	apiMux.Handle("GET /api/core-health", HandleCoreHealth(deps.CoreHealth))
	apiMux.Handle("GET /api/proxy/stats", HandleProxyStats(deps.ProxyStats))

	// Node operations layer.
	apiMux.Handle("GET /api/node-health", HandleAllNodeHealth(deps.Health))
	apiMux.Handle("GET /api/node-health/summary", HandleNodeHealthSummary(deps.Health))
	apiMux.Handle("GET /api/node-states", HandleNodeStates(deps.States))
	apiMux.Handle("GET /api/node-states/summary", HandleNodeStatesSummary(deps.States))
	apiMux.Handle("GET /api/config-drift", HandleConfigDrift(deps.Drift))
	apiMux.Handle("GET /api/config-drift/summary", HandleConfigDriftSummary(deps.Drift))

	// Alerts.
	apiMux.Handle("GET /api/alerts", HandleAlerts(deps.Alerts))
	apiMux.Handle("GET /api/alerts/active", HandleActiveAlerts(deps.Alerts))
	apiMux.Handle("GET /api/alerts/rules", HandleAlertRules(deps.Alerts))
	apiMux.Handle("GET /api/alerts/summary", HandleAlertSummary(deps.Alerts, deps.Subscriber))
	apiMux.Handle("POST /api/alerts/{alert_id}/acknowledge", HandleAcknowledgeAlert(deps.Alerts))

	// Analytics.
	apiMux.Handle("GET /api/analytics/growth", HandleGrowth(deps.Analytics))
	apiMux.Handle("GET /api/analytics/activity", HandleActivity(deps.Analytics))
	apiMux.Handle("GET /api/analytics/ranking", HandleRanking(deps.Analytics))
	apiMux.Handle("GET /api/analytics/summary", HandleAnalyticsSummary(deps.Analytics))
	apiMux.Handle("GET /api/analytics/alert-trends", HandleAlertTrends(deps.Analytics))
	apiMux.Handle("GET /api/analytics/density", HandleDensity(deps.History))

	// Configuration surface.
	apiMux.Handle("GET /api/config", HandleConfig(deps.Settings, deps.Env))
	apiMux.Handle("GET /api/tile-providers", HandleTileProviders())
	apiMux.Handle("GET /api/sources", HandleSources(deps.Aggregator, deps.Settings))

	// Exports.
	apiMux.Handle("GET /api/export/nodes", HandleExportNodes(deps.Aggregator))
	apiMux.Handle("GET /api/export/alerts", HandleExportAlerts(deps.Alerts))
	apiMux.Handle("GET /api/export/analytics/{kind}", HandleExportAnalytics(deps.Analytics))

	// Unmatched /api/ paths get a JSON 404, never an empty body.
	apiMux.Handle("/api/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusNotFound, "not found")
	}))

	limited := RequestBodyLimitMiddleware(opts.MaxBodyBytes, apiMux)
	mux.Handle("/api/", AuthMiddleware(opts.APIKey, limited))

	handler := SecurityHeadersMiddleware(opts.CORSOrigin, mux)

	return &Server{
		httpServer: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		handler:   handler,
		opts:      opts,
		serveDone: make(chan struct{}),
	}
}

// Handler returns the middleware-wrapped handler for tests.
func (s *Server) Handler() http.Handler { return s.handler }

// Start binds the listener, falling back across adjacent ports, and
// serves in the background.
func (s *Server) Start() error {
	ln, port, err := netutil.ListenWithFallback(s.opts.Host, s.opts.Port)
	if err != nil {
		return err
	}
	if s.opts.MaxConns > 0 {
		ln = xnetutil.LimitListener(ln, s.opts.MaxConns)
	}
	s.listener = ln
	s.port = port
	log.Printf("[api] listening on %s:%d", s.opts.Host, port)

	go func() {
		defer close(s.serveDone)
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("[api] serve stopped: %v", err)
		}
	}()
	return nil
}

// Port reports the bound port, zero before Start.
func (s *Server) Port() int { return s.port }

// Shutdown drains in-flight requests, joins the serving goroutine with
// a deadline, then closes the listener to free the port immediately.
func (s *Server) Shutdown(ctx context.Context) {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("[api] shutdown: %v", err)
	}
	select {
	case <-s.serveDone:
	case <-time.After(5 * time.Second):
		log.Printf("[api] serve goroutine missed shutdown deadline")
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
}
