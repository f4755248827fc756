// Package proxy serves a meshtasticd-compatible JSON API backed by the
// live broker node store. Tools written against a local meshtasticd
// can read MQTT-sourced nodes from it; the proxy is strictly read-only
// and never relays commands to the mesh.
package proxy

import (
	"context"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meshforge/meshforge-maps/internal/geo"
	"github.com/meshforge/meshforge-maps/internal/model"
	"github.com/meshforge/meshforge-maps/internal/mqttsub"
	"github.com/meshforge/meshforge-maps/internal/netutil"
)

// DefaultPort sits adjacent to meshtasticd's own 4403.
const DefaultPort = 4404

// Options configure the proxy listener.
type Options struct {
	Host       string
	Port       int
	CORSOrigin string

	// APIKey, when set, is required in the X-MeshForge-Key header on
	// every request. The main API server shares the same key.
	APIKey string
}

// Server is the meshtasticd-compatible proxy.
type Server struct {
	opts  Options
	now   func() time.Time
	store atomic.Pointer[mqttsub.Store]

	requests atomic.Int64

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	port      int

	httpServer *http.Server
	listener   net.Listener
	serveDone  chan struct{}
}

// NewServer builds a proxy over the broker store. A nil store is
// allowed; routes degrade until SetStore is called.
func NewServer(opts Options, store *mqttsub.Store) *Server {
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	s := &Server{
		opts:      opts,
		now:       time.Now,
		serveDone: make(chan struct{}),
	}
	if store != nil {
		s.store.Store(store)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /api/v1/nodes", http.HandlerFunc(s.serveNodes))
	mux.Handle("GET /api/v1/nodes/{id}", http.HandlerFunc(s.serveNode))
	mux.Handle("GET /api/v1/topology", http.HandlerFunc(s.serveTopology))
	mux.Handle("GET /api/v1/stats", http.HandlerFunc(s.serveStats))
	mux.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
	}))

	s.httpServer = &http.Server{
		Handler:           http.HandlerFunc(s.withCORS(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// SetStore rebinds the node store for late wiring; in-flight handlers
// see either the old or the new store, never a partial state.
func (s *Server) SetStore(store *mqttsub.Store) {
	s.store.Store(store)
}

// Handler exposes the wrapped mux for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start binds the listener, falling back across adjacent ports, and
// serves in the background.
func (s *Server) Start() error {
	ln, port, err := netutil.ListenWithFallback(s.opts.Host, s.opts.Port)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.port = port
	s.running = true
	s.startedAt = s.now()
	s.mu.Unlock()
	log.Printf("[proxy] meshtastic API proxy listening on %s:%d", s.opts.Host, port)

	go func() {
		defer close(s.serveDone)
		err := s.httpServer.Serve(ln)
		if err != nil && err != http.ErrServerClosed {
			log.Printf("[proxy] serve stopped: %v", err)
		}
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()
	return nil
}

// Port reports the bound port, zero before Start.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Shutdown drains in-flight requests and releases the listener.
func (s *Server) Shutdown(ctx context.Context) {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("[proxy] shutdown: %v", err)
	}
	select {
	case <-s.serveDone:
	case <-time.After(5 * time.Second):
		log.Printf("[proxy] serve goroutine missed shutdown deadline")
	}
	s.mu.Lock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.running = false
	s.mu.Unlock()
	log.Printf("[proxy] meshtastic API proxy stopped")
}

// Stats is the counter block surfaced by the main API.
func (s *Server) Stats() map[string]any {
	s.mu.Lock()
	running := s.running
	port := s.port
	started := s.startedAt
	s.mu.Unlock()

	store := s.store.Load()
	nodeCount := 0
	if store != nil {
		nodeCount = store.Count()
	}
	uptime := int64(0)
	if running {
		uptime = int64(s.now().Sub(started).Seconds())
	} else {
		port = 0
	}
	return map[string]any{
		"running":         running,
		"host":            s.opts.Host,
		"port":            port,
		"request_count":   s.requests.Load(),
		"uptime_seconds":  uptime,
		"store_available": store != nil,
		"node_count":      nodeCount,
	}
}

func (s *Server) serveNodes(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(1)
	store := s.store.Load()
	if store == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"nodes": []any{}, "node_count": 0})
		return
	}
	nodes := store.Nodes()
	formatted := make([]map[string]any, 0, len(nodes))
	for _, n := range nodes {
		formatted = append(formatted, formatNodeMeshtastic(n))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"nodes":      formatted,
		"node_count": len(formatted),
		"source":     "mqtt_proxy",
	})
}

func (s *Server) serveNode(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(1)
	id := r.PathValue("id")
	if _, err := geo.ValidateNodeID(id); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid node ID format"})
		return
	}
	store := s.store.Load()
	if store == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "store not available"})
		return
	}
	n := store.GetNode(id)
	if n == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]any{"error": "node not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, formatNodeMeshtastic(n))
}

func (s *Server) serveTopology(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(1)
	store := s.store.Load()
	if store == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"links": []any{}, "link_count": 0})
		return
	}
	links := store.TopologyLinks()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"links":      links,
		"link_count": len(links),
	})
}

func (s *Server) serveStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.Stats())
}

// formatNodeMeshtastic renders a store node the way the meshtastic
// client library shapes its node dicts: camelCase keys, metric blocks
// omitted when no reading is present.
func formatNodeMeshtastic(n *model.Node) map[string]any {
	num, err := geo.NumFromNodeID(n.ID)
	if err != nil {
		num = 0
	}
	out := map[string]any{
		"num": num,
		"user": map[string]any{
			"id":        n.ID,
			"longName":  n.DisplayName(),
			"shortName": n.ShortName,
			"hwModel":   n.HWModel,
			"role":      n.Role,
		},
		"lastHeard": n.LastSeen,
	}
	if n.SNR != nil {
		out["snr"] = *n.SNR
	}
	if n.Position != nil {
		pos := map[string]any{
			"latitude":  n.Position.Latitude,
			"longitude": n.Position.Longitude,
		}
		if n.Position.Altitude != nil {
			pos["altitude"] = *n.Position.Altitude
		}
		out["position"] = pos
	}

	dm := map[string]any{}
	putNum(dm, "batteryLevel", n.BatteryLevel)
	putNum(dm, "voltage", n.Voltage)
	putNum(dm, "channelUtilization", n.ChannelUtilization)
	putNum(dm, "airUtilTx", n.AirUtilTx)
	if len(dm) > 0 {
		out["deviceMetrics"] = dm
	}

	if e := n.Environment; e != nil {
		em := map[string]any{}
		putNum(em, "temperature", e.Temperature)
		putNum(em, "relativeHumidity", e.RelativeHumidity)
		putNum(em, "barometricPressure", e.BarometricPressure)
		putNum(em, "iaq", e.IAQ)
		if len(em) > 0 {
			out["environmentMetrics"] = em
		}
	}
	if a := n.AirQuality; a != nil {
		aq := map[string]any{}
		putNum(aq, "pm10Standard", a.PM10Standard)
		putNum(aq, "pm25Standard", a.PM25Standard)
		putNum(aq, "pm100Standard", a.PM100Standard)
		putNum(aq, "co2", a.CO2)
		putNum(aq, "vocIdx", a.VOC)
		putNum(aq, "noxIdx", a.NOx)
		if len(aq) > 0 {
			out["airQualityMetrics"] = aq
		}
	}
	if h := n.Health; h != nil {
		hm := map[string]any{}
		putNum(hm, "heartBpm", h.HeartBPM)
		putNum(hm, "spO2", h.SpO2)
		putNum(hm, "temperature", h.BodyTemperature)
		if len(hm) > 0 {
			out["healthMetrics"] = hm
		}
	}
	if n.HopsAway != nil {
		out["hopsAway"] = *n.HopsAway
	}
	if n.ViaMQTT {
		out["viaMqtt"] = true
	}
	return out
}

func putNum(m map[string]any, key string, v *float64) {
	if v != nil {
		m[key] = *v
	}
}
