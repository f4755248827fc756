package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/meshforge/meshforge-maps/internal/breaker"
	"github.com/meshforge/meshforge-maps/internal/geo"
	"github.com/meshforge/meshforge-maps/internal/hostlock"
	"github.com/meshforge/meshforge-maps/internal/model"
	"github.com/meshforge/meshforge-maps/internal/netutil"
)

// onlineWindow is how recently a node must have been heard for the
// daemon API path to report it online.
const onlineWindow = 15 * time.Minute

// NodeSource provides live nodes, typically the broker subscriber's
// store.
type NodeSource interface {
	Nodes() []*model.Node
}

// MeshtasticConfig configures the Meshtastic collector.
type MeshtasticConfig struct {
	Host string
	Port int
	// Store is consulted before the daemon API. May be nil.
	Store        NodeSource
	Locks        *hostlock.Manager
	LeaseTimeout time.Duration
	Downloader   netutil.Downloader
	CacheTTL     time.Duration
	MaxRetries   int
	Breaker      *breaker.Breaker
}

// Meshtastic collects LoRa mesh nodes from the live subscriber store,
// falling back to the local meshtasticd HTTP API when the store is
// empty.
type Meshtastic struct {
	*Base
	store        NodeSource
	host         string
	port         int
	locks        *hostlock.Manager
	leaseTimeout time.Duration
	dl           netutil.Downloader
}

// NewMeshtastic builds the collector. The daemon endpoint is shared
// with the API proxy, so fetches take a host lease before dialing.
func NewMeshtastic(cfg MeshtasticConfig) *Meshtastic {
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = hostlock.DefaultTimeout
	}
	if cfg.Downloader == nil {
		cfg.Downloader = &netutil.RetryDownloader{
			Direct: netutil.NewDirectDownloader(cfg.LeaseTimeout-time.Second, ""),
		}
	}
	if cfg.Locks == nil {
		cfg.Locks = hostlock.NewManager()
	}
	c := &Meshtastic{
		store:        cfg.Store,
		host:         cfg.Host,
		port:         cfg.Port,
		locks:        cfg.Locks,
		leaseTimeout: cfg.LeaseTimeout,
		dl:           cfg.Downloader,
	}
	c.Base = NewBase("meshtastic", c.fetch, Options{
		CacheTTL:   cfg.CacheTTL,
		MaxRetries: cfg.MaxRetries,
		Breaker:    cfg.Breaker,
	})
	return c
}

func (c *Meshtastic) fetch(ctx context.Context) ([]model.Feature, Overlay, error) {
	if c.store != nil {
		nodes := c.store.Nodes()
		if len(nodes) > 0 {
			features := make([]model.Feature, 0, len(nodes))
			for _, n := range nodes {
				if f := nodeFeature(n); f != nil {
					features = append(features, *f)
				}
			}
			return features, nil, nil
		}
	}
	return c.fetchFromAPI(ctx)
}

// fetchFromAPI reads the meshtasticd node list. The daemon tolerates
// one client at a time, so the HTTP deadline stays one second inside
// the lease timeout to guarantee the lease is released.
func (c *Meshtastic) fetchFromAPI(ctx context.Context) ([]model.Feature, Overlay, error) {
	lease, ok := c.locks.Acquire(c.host, c.port, c.leaseTimeout, "meshtastic-collector")
	if !ok {
		return nil, nil, fmt.Errorf("meshtasticd %s:%d: lease timeout", c.host, c.port)
	}
	defer lease.Release()

	ctx, cancel := context.WithTimeout(ctx, c.leaseTimeout-time.Second)
	defer cancel()

	url := fmt.Sprintf("http://%s:%d/api/v1/nodes", c.host, c.port)
	body, err := c.dl.Download(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("meshtasticd API: %w", err)
	}
	features, err := parseAPINodes(body)
	if err != nil {
		return nil, nil, err
	}
	return features, nil, nil
}

// parseAPINodes handles both response shapes the daemon produces: a
// bare node array and {"nodes": [...]}.
func parseAPINodes(body []byte) ([]model.Feature, error) {
	var nodes []map[string]any
	if err := json.Unmarshal(body, &nodes); err != nil {
		var wrapper struct {
			Nodes []map[string]any `json:"nodes"`
		}
		if err := json.Unmarshal(body, &wrapper); err != nil {
			return nil, fmt.Errorf("meshtasticd API: parse response: %w", err)
		}
		nodes = wrapper.Nodes
	}
	features := make([]model.Feature, 0, len(nodes))
	for _, node := range nodes {
		if f := apiNodeFeature(node); f != nil {
			features = append(features, *f)
		}
	}
	return features, nil
}

func apiNodeFeature(node map[string]any) *model.Feature {
	pos, _ := node["position"].(map[string]any)
	if pos == nil {
		return nil
	}
	lat, ok := apiCoord(pos, "latitude", "latitudeI", 900)
	if !ok {
		return nil
	}
	lon, ok := apiCoord(pos, "longitude", "longitudeI", 1800)
	if !ok {
		return nil
	}

	user, _ := node["user"].(map[string]any)
	id, _ := user["id"].(string)
	if id == "" {
		if num, ok := numField(node, "num"); ok {
			id = geo.NodeIDFromNum(uint32(num))
		}
	}
	if id == "" {
		return nil
	}
	name, _ := user["longName"].(string)
	if name == "" {
		name, _ = user["shortName"].(string)
	}

	props := map[string]any{}
	if hw, ok := user["hwModel"].(string); ok {
		props["hardware"] = hw
	}
	if role, ok := user["role"].(string); ok {
		props["role"] = role
	}
	if dm, ok := node["deviceMetrics"].(map[string]any); ok {
		if batt, ok := numField(dm, "batteryLevel"); ok {
			props["battery"] = batt
		}
	}
	if snr, ok := numField(node, "snr"); ok {
		props["snr"] = snr
	}
	if alt, ok := numField(pos, "altitude"); ok {
		props["altitude"] = alt
	}
	if heard, ok := numField(node, "lastHeard"); ok && heard > 0 {
		props["last_seen"] = int64(heard)
		props["is_online"] = time.Since(time.Unix(int64(heard), 0)) < onlineWindow
	}
	return makeFeature(id, lat, lon, "meshtastic", "meshtastic_node", name, props)
}

// apiCoord reads a coordinate that may arrive in degrees or in the
// integer-scaled form (degrees * 1e7). Values beyond limit are treated
// as integer-scaled.
func apiCoord(pos map[string]any, degKey, intKey string, limit float64) (float64, bool) {
	if v, ok := numField(pos, degKey); ok && v != 0 {
		return v, true
	}
	v, ok := numField(pos, intKey)
	if !ok || v == 0 {
		return 0, false
	}
	if math.Abs(v) > limit {
		return v / 1e7, true
	}
	return v, true
}

// nodeFeature converts a store node into the map feature shape.
// Returns nil when the node has no usable position.
func nodeFeature(n *model.Node) *model.Feature {
	if n == nil || n.Position == nil {
		return nil
	}

	props := map[string]any{}
	putStr := func(key, v string) {
		if v != "" {
			props[key] = v
		}
	}
	putNum := func(key string, p *float64) {
		if p != nil {
			props[key] = *p
		}
	}
	putInt := func(key string, p *int) {
		if p != nil {
			props[key] = *p
		}
	}

	putStr("short_name", n.ShortName)
	putStr("hardware", n.HWModel)
	putStr("role", n.Role)
	putStr("firmware", n.Firmware)
	putStr("region", n.Region)
	putStr("modem_preset", n.ModemPreset)
	putStr("channel_name", n.ChannelName)
	putInt("hop_limit", n.HopLimit)
	putInt("tx_power", n.TxPower)
	putNum("snr", n.SNR)
	putNum("rssi", n.RSSI)
	putInt("hops_away", n.HopsAway)
	putNum("battery", n.BatteryLevel)
	putNum("voltage", n.Voltage)
	putNum("channel_util", n.ChannelUtilization)
	putNum("air_util_tx", n.AirUtilTx)
	if n.Environment != nil {
		putNum("temperature", n.Environment.Temperature)
		putNum("humidity", n.Environment.RelativeHumidity)
		putNum("pressure", n.Environment.BarometricPressure)
		putNum("iaq", n.Environment.IAQ)
	}
	if n.AirQuality != nil {
		putNum("pm25", n.AirQuality.PM25Standard)
		putNum("co2", n.AirQuality.CO2)
		putNum("voc", n.AirQuality.VOC)
		putNum("nox", n.AirQuality.NOx)
	}
	if n.Health != nil {
		putNum("heart_bpm", n.Health.HeartBPM)
		putNum("spo2", n.Health.SpO2)
		putNum("body_temperature", n.Health.BodyTemperature)
	}
	putNum("altitude", n.Position.Altitude)
	if n.LastSeen > 0 {
		props["last_seen"] = n.LastSeen
	}
	props["is_online"] = n.IsOnline
	if n.ViaMQTT {
		props["via_mqtt"] = true
	}
	if n.Role == "ROUTER" || n.Role == "REPEATER" {
		props["is_relay"] = true
	}

	return makeFeature(n.ID, n.Position.Latitude, n.Position.Longitude,
		"meshtastic", "meshtastic_node", n.DisplayName(), props)
}
