// Package mqttsub maintains the live node picture heard over the
// Meshtastic MQTT broker: a bounded in-memory store fed by a
// subscriber that decodes the firmware's JSON envelopes.
package mqttsub

import (
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/meshforge/meshforge-maps/internal/geo"
	"github.com/meshforge/meshforge-maps/internal/model"
)

const (
	// defaultStaleTimeout marks nodes offline on reads once they go
	// quiet; defaultRemoveAfter drops them from the store entirely.
	defaultStaleTimeout = 30 * time.Minute
	defaultRemoveAfter  = 72 * time.Hour
	defaultMaxNodes     = 10000
)

// StoreOptions tunes the node store. Zero values take the defaults.
type StoreOptions struct {
	StaleTimeout time.Duration
	RemoveAfter  time.Duration
	MaxNodes     int

	// OnRemoved fires once per evicted or expired node, outside the
	// store mutex.
	OnRemoved func(nodeID string)

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Store is the shared live-node map. One mutex guards both the node
// records and the neighbor tables; readers always get clones.
type Store struct {
	mu        sync.Mutex
	nodes     map[string]*model.Node
	neighbors map[string][]model.Neighbor

	staleTimeout time.Duration
	removeAfter  time.Duration
	maxNodes     int
	onRemoved    func(string)
	now          func() time.Time
}

// NewStore builds an empty store.
func NewStore(opts StoreOptions) *Store {
	if opts.StaleTimeout <= 0 {
		opts.StaleTimeout = defaultStaleTimeout
	}
	if opts.RemoveAfter <= 0 {
		opts.RemoveAfter = defaultRemoveAfter
	}
	if opts.MaxNodes <= 0 {
		opts.MaxNodes = defaultMaxNodes
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		nodes:        make(map[string]*model.Node),
		neighbors:    make(map[string][]model.Neighbor),
		staleTimeout: opts.StaleTimeout,
		removeAfter:  opts.RemoveAfter,
		maxNodes:     opts.MaxNodes,
		onRemoved:    opts.OnRemoved,
		now:          opts.Now,
	}
}

// Identity carries the fields of a nodeinfo update. Empty strings
// leave the stored value alone.
type Identity struct {
	LongName  string
	ShortName string
	HWModel   string
	Role      string
	Region    string
}

// Telemetry carries one telemetry update. Nil fields leave the stored
// value alone; callers apply range guards before building one.
type Telemetry struct {
	Battery            *float64
	Voltage            *float64
	ChannelUtilization *float64
	AirUtilTx          *float64

	Temperature *float64
	Humidity    *float64
	Pressure    *float64
	IAQ         *float64

	PM25 *float64
	CO2  *float64
	VOC  *float64
	NOx  *float64

	HeartBPM        *float64
	SpO2            *float64
	BodyTemperature *float64
}

// UpdatePosition records a position fix and marks the node online.
// ts is the observation time in Unix seconds; zero means now.
func (s *Store) UpdatePosition(nodeID string, lat, lon float64, altitude *float64, ts int64) {
	now := s.now().Unix()
	if ts <= 0 {
		ts = now
	}
	s.mu.Lock()
	n, evicted := s.ensureLocked(nodeID, now)
	if n.Position == nil {
		n.Position = &model.Position{}
	}
	n.Position.Latitude = lat
	n.Position.Longitude = lon
	if altitude != nil {
		n.Position.Altitude = altitude
	}
	n.Position.Time = ts
	n.LastSeen = ts
	n.IsOnline = true
	s.mu.Unlock()

	s.notifyRemoved(evicted)
}

// UpdateNodeInfo merges identity fields into the node record.
func (s *Store) UpdateNodeInfo(nodeID string, id Identity) {
	now := s.now().Unix()
	s.mu.Lock()
	n, evicted := s.ensureLocked(nodeID, now)
	if id.LongName != "" {
		n.LongName = id.LongName
	}
	if id.ShortName != "" {
		n.ShortName = id.ShortName
	}
	if id.HWModel != "" {
		n.HWModel = id.HWModel
	}
	if id.Role != "" {
		n.Role = id.Role
	}
	if id.Region != "" {
		n.Region = id.Region
	}
	n.LastSeen = now
	s.mu.Unlock()

	s.notifyRemoved(evicted)
}

// UpdateTelemetry merges telemetry fields into the node record.
func (s *Store) UpdateTelemetry(nodeID string, tm Telemetry) {
	now := s.now().Unix()
	s.mu.Lock()
	n, evicted := s.ensureLocked(nodeID, now)

	if tm.Battery != nil {
		n.BatteryLevel = tm.Battery
	}
	if tm.Voltage != nil {
		n.Voltage = tm.Voltage
	}
	if tm.ChannelUtilization != nil {
		n.ChannelUtilization = tm.ChannelUtilization
	}
	if tm.AirUtilTx != nil {
		n.AirUtilTx = tm.AirUtilTx
	}

	if tm.Temperature != nil || tm.Humidity != nil || tm.Pressure != nil || tm.IAQ != nil {
		if n.Environment == nil {
			n.Environment = &model.EnvironmentMetrics{}
		}
		if tm.Temperature != nil {
			n.Environment.Temperature = tm.Temperature
		}
		if tm.Humidity != nil {
			n.Environment.RelativeHumidity = tm.Humidity
		}
		if tm.Pressure != nil {
			n.Environment.BarometricPressure = tm.Pressure
		}
		if tm.IAQ != nil {
			n.Environment.IAQ = tm.IAQ
		}
	}

	if tm.PM25 != nil || tm.CO2 != nil || tm.VOC != nil || tm.NOx != nil {
		if n.AirQuality == nil {
			n.AirQuality = &model.AirQualityMetrics{}
		}
		if tm.PM25 != nil {
			n.AirQuality.PM25Standard = tm.PM25
		}
		if tm.CO2 != nil {
			n.AirQuality.CO2 = tm.CO2
		}
		if tm.VOC != nil {
			n.AirQuality.VOC = tm.VOC
		}
		if tm.NOx != nil {
			n.AirQuality.NOx = tm.NOx
		}
	}

	if tm.HeartBPM != nil || tm.SpO2 != nil || tm.BodyTemperature != nil {
		if n.Health == nil {
			n.Health = &model.HealthMetrics{}
		}
		if tm.HeartBPM != nil {
			n.Health.HeartBPM = tm.HeartBPM
		}
		if tm.SpO2 != nil {
			n.Health.SpO2 = tm.SpO2
		}
		if tm.BodyTemperature != nil {
			n.Health.BodyTemperature = tm.BodyTemperature
		}
	}

	n.LastSeen = now
	s.mu.Unlock()

	s.notifyRemoved(evicted)
}

// UpdateNeighbors replaces a node's reported neighbor table.
func (s *Store) UpdateNeighbors(nodeID string, neighbors []model.Neighbor) {
	s.mu.Lock()
	s.neighbors[nodeID] = neighbors
	s.mu.Unlock()
}

// NoteGateway records which gateway last uplinked a node's traffic.
// Unknown nodes are not created for gateway info alone.
func (s *Store) NoteGateway(nodeID, gateway string) {
	s.mu.Lock()
	if n := s.nodes[nodeID]; n != nil {
		n.Sender = gateway
	}
	s.mu.Unlock()
}

// GetNode returns a clone of one node, accepting the id with or
// without the "!" prefix. Quiet nodes read as offline.
func (s *Store) GetNode(id string) *model.Node {
	now := s.now().Unix()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.nodes[id]
	if n == nil {
		alt := "!" + id
		if strings.HasPrefix(id, "!") {
			alt = strings.TrimPrefix(id, "!")
		}
		n = s.nodes[alt]
	}
	if n == nil {
		return nil
	}
	c := n.Clone()
	s.markStale(c, now)
	return c
}

// Nodes returns clones of every node with a valid position. Quiet
// nodes read as offline. Satisfies the collector's NodeSource.
func (s *Store) Nodes() []*model.Node {
	now := s.now().Unix()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		if n.Position == nil {
			continue
		}
		if _, _, err := geo.ValidateCoordinates(n.Position.Latitude, n.Position.Longitude, false); err != nil {
			continue
		}
		c := n.Clone()
		s.markStale(c, now)
		out = append(out, c)
	}
	return out
}

// TopologyLinks resolves the neighbor tables into directed links with
// endpoint coordinates. Links whose endpoints have no valid position
// are dropped; they cannot be drawn.
func (s *Store) TopologyLinks() []model.ResolvedLink {
	s.mu.Lock()
	defer s.mu.Unlock()
	links := make([]model.ResolvedLink, 0, len(s.neighbors))
	for nodeID, neighbors := range s.neighbors {
		srcLat, srcLon, ok := s.positionLocked(nodeID)
		if !ok {
			continue
		}
		for _, nb := range neighbors {
			tgtLat, tgtLon, ok := s.positionLocked(nb.NodeID)
			if !ok {
				continue
			}
			snr := nb.SNR
			links = append(links, model.ResolvedLink{
				TopologyLink: model.TopologyLink{
					Source:  nodeID,
					Target:  nb.NodeID,
					Network: "meshtastic",
					SNR:     &snr,
				},
				SourceLat: &srcLat,
				SourceLon: &srcLon,
				TargetLat: &tgtLat,
				TargetLon: &tgtLon,
			})
		}
	}
	return links
}

func (s *Store) positionLocked(nodeID string) (lat, lon float64, ok bool) {
	n := s.nodes[nodeID]
	if n == nil || n.Position == nil {
		return 0, 0, false
	}
	lat, lon, err := geo.ValidateCoordinates(n.Position.Latitude, n.Position.Longitude, false)
	if err != nil {
		return 0, 0, false
	}
	return lat, lon, true
}

// Count returns the number of stored nodes.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nodes)
}

// CleanupStale drops nodes not heard within the removal window and
// returns how many went.
func (s *Store) CleanupStale() int {
	cutoff := s.now().Unix() - int64(s.removeAfter/time.Second)
	var removed []string
	s.mu.Lock()
	for id, n := range s.nodes {
		if n.LastSeen < cutoff {
			delete(s.nodes, id)
			delete(s.neighbors, id)
			removed = append(removed, id)
		}
	}
	s.mu.Unlock()

	s.notifyRemoved(removed...)
	if len(removed) > 0 {
		log.Printf("[mqtt] removed %d nodes not heard for %s", len(removed), s.removeAfter)
	}
	return len(removed)
}

func (s *Store) markStale(n *model.Node, now int64) {
	if now-n.LastSeen > int64(s.staleTimeout/time.Second) {
		n.IsOnline = false
	}
}

// ensureLocked returns the record for nodeID, creating it and evicting
// the longest-quiet node if the store is full. The caller reports the
// evicted id through notifyRemoved after unlocking.
func (s *Store) ensureLocked(nodeID string, now int64) (n *model.Node, evicted string) {
	n = s.nodes[nodeID]
	if n != nil {
		return n, ""
	}
	if len(s.nodes) >= s.maxNodes {
		evicted = s.evictOldestLocked()
	}
	n = &model.Node{ID: nodeID, FirstSeen: now}
	s.nodes[nodeID] = n
	return n, evicted
}

func (s *Store) evictOldestLocked() string {
	oldest := ""
	oldestSeen := int64(math.MaxInt64)
	for id, n := range s.nodes {
		if n.LastSeen < oldestSeen {
			oldest, oldestSeen = id, n.LastSeen
		}
	}
	if oldest != "" {
		delete(s.nodes, oldest)
		delete(s.neighbors, oldest)
	}
	return oldest
}

func (s *Store) notifyRemoved(ids ...string) {
	if s.onRemoved == nil {
		return
	}
	for _, id := range ids {
		if id != "" {
			s.onRemoved(id)
		}
	}
}
