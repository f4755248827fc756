// Package model defines domain structs shared across collectors, the
// aggregator, and the persistence layer.
package model

// Severity levels used by alerts and config drift events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Geometry is a GeoJSON geometry. Coordinates are [lon, lat] or
// [lon, lat, alt].
type Geometry struct {
	Type        string    `json:"type"`
	Coordinates []float64 `json:"coordinates"`
}

// Feature is a GeoJSON feature carrying one node or overlay shape.
// Properties stay schemaless because each source contributes its own
// field set; typed access goes through the accessor methods.
type Feature struct {
	Type       string         `json:"type"`
	Geometry   Geometry       `json:"geometry"`
	Properties map[string]any `json:"properties"`
}

// FeatureCollection is a GeoJSON feature collection with optional
// collection-level properties (per-source counts, collect timestamp,
// overlay data).
type FeatureCollection struct {
	Type       string         `json:"type"`
	Features   []Feature      `json:"features"`
	Properties map[string]any `json:"properties,omitempty"`
}

// NewFeatureCollection wraps features in a collection envelope.
func NewFeatureCollection(features []Feature) FeatureCollection {
	if features == nil {
		features = []Feature{}
	}
	return FeatureCollection{Type: "FeatureCollection", Features: features}
}

// PointFeature builds a point feature at lat/lon with optional altitude.
func PointFeature(lat, lon float64, alt *float64, props map[string]any) Feature {
	coords := []float64{lon, lat}
	if alt != nil {
		coords = append(coords, *alt)
	}
	if props == nil {
		props = map[string]any{}
	}
	return Feature{
		Type:       "Feature",
		Geometry:   Geometry{Type: "Point", Coordinates: coords},
		Properties: props,
	}
}

// ID returns the node identifier property, or "" when absent.
func (f Feature) ID() string {
	s, _ := f.Str("id")
	return s
}

// Network returns the source network property, or "" when absent.
func (f Feature) Network() string {
	s, _ := f.Str("network")
	return s
}

// Str reads a string property.
func (f Feature) Str(key string) (string, bool) {
	v, ok := f.Properties[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Num reads a numeric property, tolerating the integer and float types
// that both JSON decoding and in-process construction produce.
func (f Feature) Num(key string) (float64, bool) {
	v, ok := f.Properties[key]
	if !ok {
		return 0, false
	}
	return numValue(v)
}

// Bool reads a boolean property, false when absent or mistyped.
func (f Feature) Bool(key string) bool {
	v, ok := f.Properties[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Lat returns the latitude from the geometry.
func (f Feature) Lat() float64 {
	if len(f.Geometry.Coordinates) >= 2 {
		return f.Geometry.Coordinates[1]
	}
	return 0
}

// Lon returns the longitude from the geometry.
func (f Feature) Lon() float64 {
	if len(f.Geometry.Coordinates) >= 1 {
		return f.Geometry.Coordinates[0]
	}
	return 0
}

func numValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// DeduplicateFeatures keeps the first feature seen for each id
// property. Features without an id pass through untouched; overlay
// shapes carry no node identity.
func DeduplicateFeatures(features []Feature) []Feature {
	seen := make(map[string]struct{}, len(features))
	out := make([]Feature, 0, len(features))
	for _, f := range features {
		id := f.ID()
		if id == "" {
			out = append(out, f)
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, f)
	}
	return out
}

// Position is a node's last known location.
type Position struct {
	Latitude      float64  `json:"latitude"`
	Longitude     float64  `json:"longitude"`
	Altitude      *float64 `json:"altitude,omitempty"`
	PrecisionBits *int     `json:"precision_bits,omitempty"`
	Time          int64    `json:"time,omitempty"`
}

// EnvironmentMetrics holds optional environmental sensor readings.
type EnvironmentMetrics struct {
	Temperature        *float64 `json:"temperature,omitempty"`
	RelativeHumidity   *float64 `json:"relative_humidity,omitempty"`
	BarometricPressure *float64 `json:"barometric_pressure,omitempty"`
	IAQ                *float64 `json:"iaq,omitempty"`
}

// AirQualityMetrics holds optional particulate and gas readings.
type AirQualityMetrics struct {
	PM10Standard  *float64 `json:"pm10_standard,omitempty"`
	PM25Standard  *float64 `json:"pm25_standard,omitempty"`
	PM100Standard *float64 `json:"pm100_standard,omitempty"`
	CO2           *float64 `json:"co2,omitempty"`
	VOC           *float64 `json:"voc,omitempty"`
	NOx           *float64 `json:"nox,omitempty"`
}

// HealthMetrics holds optional wearable sensor readings.
type HealthMetrics struct {
	HeartBPM        *float64 `json:"heart_bpm,omitempty"`
	SpO2            *float64 `json:"spo2,omitempty"`
	BodyTemperature *float64 `json:"body_temperature,omitempty"`
}

// Neighbor is one entry of a node's reported neighbor table.
type Neighbor struct {
	NodeID string  `json:"node_id"`
	SNR    float64 `json:"snr"`
}

// Node is the live record kept for each mesh node heard over the
// broker feed. Pointer fields distinguish absent telemetry from zero.
type Node struct {
	ID        string `json:"id"`
	LongName  string `json:"long_name,omitempty"`
	ShortName string `json:"short_name,omitempty"`
	HWModel   string `json:"hw_model,omitempty"`
	Role      string `json:"role,omitempty"`

	// Radio configuration, tracked for drift detection.
	Firmware    string `json:"firmware,omitempty"`
	Region      string `json:"region,omitempty"`
	ModemPreset string `json:"modem_preset,omitempty"`
	ChannelName string `json:"channel_name,omitempty"`
	HopLimit    *int   `json:"hop_limit,omitempty"`
	TxPower     *int   `json:"tx_power,omitempty"`

	SNR      *float64 `json:"snr,omitempty"`
	RSSI     *float64 `json:"rssi,omitempty"`
	HopsAway *int     `json:"hops_away,omitempty"`
	HopStart *int     `json:"hop_start,omitempty"`

	BatteryLevel       *float64 `json:"battery_level,omitempty"`
	Voltage            *float64 `json:"voltage,omitempty"`
	ChannelUtilization *float64 `json:"channel_utilization,omitempty"`
	AirUtilTx          *float64 `json:"air_util_tx,omitempty"`

	Position    *Position           `json:"position,omitempty"`
	Environment *EnvironmentMetrics `json:"environment_metrics,omitempty"`
	AirQuality  *AirQualityMetrics  `json:"air_quality_metrics,omitempty"`
	Health      *HealthMetrics      `json:"health_metrics,omitempty"`
	Neighbors   []Neighbor          `json:"neighbors,omitempty"`

	FirstSeen int64  `json:"first_seen"`
	LastSeen  int64  `json:"last_seen"`
	IsOnline  bool   `json:"is_online"`
	ViaMQTT   bool   `json:"via_mqtt,omitempty"`
	Sender    string `json:"sender,omitempty"`
}

// Clone returns a deep copy so store readers never share mutable state
// with the writer.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	c.HopLimit = clonePtr(n.HopLimit)
	c.TxPower = clonePtr(n.TxPower)
	c.SNR = clonePtr(n.SNR)
	c.RSSI = clonePtr(n.RSSI)
	c.HopsAway = clonePtr(n.HopsAway)
	c.HopStart = clonePtr(n.HopStart)
	c.BatteryLevel = clonePtr(n.BatteryLevel)
	c.Voltage = clonePtr(n.Voltage)
	c.ChannelUtilization = clonePtr(n.ChannelUtilization)
	c.AirUtilTx = clonePtr(n.AirUtilTx)
	if n.Position != nil {
		p := *n.Position
		p.Altitude = clonePtr(n.Position.Altitude)
		p.PrecisionBits = clonePtr(n.Position.PrecisionBits)
		c.Position = &p
	}
	if n.Environment != nil {
		e := *n.Environment
		e.Temperature = clonePtr(n.Environment.Temperature)
		e.RelativeHumidity = clonePtr(n.Environment.RelativeHumidity)
		e.BarometricPressure = clonePtr(n.Environment.BarometricPressure)
		e.IAQ = clonePtr(n.Environment.IAQ)
		c.Environment = &e
	}
	if n.AirQuality != nil {
		a := *n.AirQuality
		a.PM10Standard = clonePtr(n.AirQuality.PM10Standard)
		a.PM25Standard = clonePtr(n.AirQuality.PM25Standard)
		a.PM100Standard = clonePtr(n.AirQuality.PM100Standard)
		a.CO2 = clonePtr(n.AirQuality.CO2)
		a.VOC = clonePtr(n.AirQuality.VOC)
		a.NOx = clonePtr(n.AirQuality.NOx)
		c.AirQuality = &a
	}
	if n.Health != nil {
		h := *n.Health
		h.HeartBPM = clonePtr(n.Health.HeartBPM)
		h.SpO2 = clonePtr(n.Health.SpO2)
		h.BodyTemperature = clonePtr(n.Health.BodyTemperature)
		c.Health = &h
	}
	if n.Neighbors != nil {
		c.Neighbors = append([]Neighbor(nil), n.Neighbors...)
	}
	return &c
}

// DisplayName prefers the long name, then the short name, then the ID.
func (n *Node) DisplayName() string {
	if n.LongName != "" {
		return n.LongName
	}
	if n.ShortName != "" {
		return n.ShortName
	}
	return n.ID
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Float64 returns a pointer to v. Convenient for optional fields.
func Float64(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// TopologyLink is one directed edge of the merged mesh topology. The
// quality classification string and colour are derived from SNR when
// the link is served, not stored here.
type TopologyLink struct {
	Source   string   `json:"source"`
	Target   string   `json:"target"`
	Network  string   `json:"network"`
	SNR      *float64 `json:"snr,omitempty"`
	LinkType string   `json:"link_type,omitempty"`
	// ArednQuality is the 0-100 link quality reported by AREDN LQM.
	ArednQuality *float64 `json:"aredn_quality,omitempty"`
	LastSeen     int64    `json:"last_seen,omitempty"`
}

// ResolvedLink is a topology link with endpoint coordinates filled in
// when the collector saw the endpoint's position.
type ResolvedLink struct {
	TopologyLink
	SourceLat *float64 `json:"source_lat,omitempty"`
	SourceLon *float64 `json:"source_lon,omitempty"`
	TargetLat *float64 `json:"target_lat,omitempty"`
	TargetLon *float64 `json:"target_lon,omitempty"`
}
