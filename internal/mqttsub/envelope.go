package mqttsub

import (
	"encoding/json"
	"errors"
	"math"

	"github.com/meshforge/meshforge-maps/internal/bus"
	"github.com/meshforge/meshforge-maps/internal/geo"
	"github.com/meshforge/meshforge-maps/internal/model"
)

// Firmware JSON envelopes carry the decoded packet under payload with
// the portnum name in type. from is the originating node number;
// sender names the gateway that uplinked the packet.
type envelope struct {
	Type      string          `json:"type"`
	From      uint32          `json:"from"`
	Sender    string          `json:"sender"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

var errNoOrigin = errors.New("envelope names no origin node")

func (s *Subscriber) handleEnvelope(raw []byte) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return err
	}
	nodeID := ""
	if env.From != 0 {
		nodeID = "!" + geo.NodeIDFromNum(env.From)
	}
	if nodeID == "" {
		nodeID = env.Sender
	}
	if nodeID == "" {
		return errNoOrigin
	}

	var err error
	switch env.Type {
	case "position":
		err = s.handlePosition(nodeID, env.Payload)
	case "nodeinfo":
		err = s.handleNodeInfo(nodeID, env.Payload)
	case "telemetry":
		err = s.handleTelemetry(nodeID, env.Payload)
	case "neighborinfo":
		err = s.handleNeighborInfo(nodeID, env.Payload)
	default:
		// Text messages and other traffic are not map data.
		return nil
	}
	if err != nil {
		return err
	}
	if env.Sender != "" && env.Sender != nodeID {
		s.store.NoteGateway(nodeID, env.Sender)
	}
	return nil
}

func (s *Subscriber) handlePosition(nodeID string, payload json.RawMessage) error {
	var p struct {
		LatitudeI  float64  `json:"latitude_i"`
		LongitudeI float64  `json:"longitude_i"`
		Altitude   *float64 `json:"altitude"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	lat, lon, err := geo.ValidateCoordinates(p.LatitudeI, p.LongitudeI, true)
	if err != nil {
		// Nodes without a GPS fix report null island; not a protocol
		// error, just nothing to plot.
		return nil
	}
	s.store.UpdatePosition(nodeID, lat, lon, bounded(p.Altitude, -500, 100000), 0)
	s.publish(bus.NodeEvent(bus.NodePosition, nodeID, map[string]any{
		"network":   "meshtastic",
		"latitude":  lat,
		"longitude": lon,
	}))
	return nil
}

func (s *Subscriber) handleNodeInfo(nodeID string, payload json.RawMessage) error {
	var p struct {
		LongName  string `json:"long_name"`
		ShortName string `json:"short_name"`
		HWModel   string `json:"hw_model"`
		Role      string `json:"role"`
		Region    string `json:"region"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	s.store.UpdateNodeInfo(nodeID, Identity{
		LongName:  p.LongName,
		ShortName: p.ShortName,
		HWModel:   p.HWModel,
		Role:      p.Role,
		Region:    p.Region,
	})
	s.publish(bus.NodeEvent(bus.NodeInfo, nodeID, map[string]any{
		"network":    "meshtastic",
		"long_name":  p.LongName,
		"short_name": p.ShortName,
	}))
	return nil
}

func (s *Subscriber) handleTelemetry(nodeID string, payload json.RawMessage) error {
	var p struct {
		BatteryLevel       *float64 `json:"battery_level"`
		Voltage            *float64 `json:"voltage"`
		ChannelUtilization *float64 `json:"channel_utilization"`
		AirUtilTx          *float64 `json:"air_util_tx"`

		Temperature        *float64 `json:"temperature"`
		RelativeHumidity   *float64 `json:"relative_humidity"`
		BarometricPressure *float64 `json:"barometric_pressure"`
		IAQ                *float64 `json:"iaq"`

		PM25 *float64 `json:"pm25_standard"`
		CO2  *float64 `json:"co2"`
		VOC  *float64 `json:"voc"`
		NOx  *float64 `json:"nox"`

		HeartBPM        *float64 `json:"heart_bpm"`
		SpO2            *float64 `json:"spo2"`
		BodyTemperature *float64 `json:"body_temperature"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	tm := Telemetry{
		Battery:            bounded(p.BatteryLevel, 0, 100),
		Voltage:            bounded(p.Voltage, 0, 100),
		ChannelUtilization: bounded(p.ChannelUtilization, 0, 100),
		AirUtilTx:          bounded(p.AirUtilTx, 0, 100),
		Temperature:        bounded(p.Temperature, -100, 200),
		Humidity:           bounded(p.RelativeHumidity, 0, 100),
		Pressure:           bounded(p.BarometricPressure, 0, 2000),
		IAQ:                bounded(p.IAQ, 0, 500),
		PM25:               bounded(p.PM25, 0, 10000),
		CO2:                bounded(p.CO2, 0, 40000),
		VOC:                bounded(p.VOC, 0, 500),
		NOx:                bounded(p.NOx, 0, 500),
		HeartBPM:           bounded(p.HeartBPM, 0, 300),
		SpO2:               bounded(p.SpO2, 0, 100),
		BodyTemperature:    bounded(p.BodyTemperature, 20, 50),
	}
	s.store.UpdateTelemetry(nodeID, tm)

	data := map[string]any{"network": "meshtastic"}
	if tm.Battery != nil {
		data["battery"] = *tm.Battery
	}
	if tm.Voltage != nil {
		data["voltage"] = *tm.Voltage
	}
	s.publish(bus.NodeEvent(bus.NodeTelemetry, nodeID, data))
	return nil
}

func (s *Subscriber) handleNeighborInfo(nodeID string, payload json.RawMessage) error {
	var p struct {
		Neighbors []struct {
			NodeID json.RawMessage `json:"node_id"`
			SNR    float64         `json:"snr"`
		} `json:"neighbors"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	neighbors := make([]model.Neighbor, 0, len(p.Neighbors))
	for _, nb := range p.Neighbors {
		id := neighborID(nb.NodeID)
		if id == "" {
			continue
		}
		neighbors = append(neighbors, model.Neighbor{NodeID: id, SNR: nb.SNR})
	}
	s.store.UpdateNeighbors(nodeID, neighbors)
	s.publish(bus.NodeEvent(bus.NodeTopology, nodeID, map[string]any{
		"network":        "meshtastic",
		"neighbor_count": len(neighbors),
	}))
	return nil
}

// neighborID accepts the numeric node number the firmware emits or an
// already-formatted hex id.
func neighborID(raw json.RawMessage) string {
	var num uint32
	if err := json.Unmarshal(raw, &num); err == nil {
		return "!" + geo.NodeIDFromNum(num)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

// bounded discards out-of-range and non-finite readings field-wise.
func bounded(p *float64, lo, hi float64) *float64 {
	if p == nil {
		return nil
	}
	if v := *p; math.IsNaN(v) || math.IsInf(v, 0) || v < lo || v > hi {
		return nil
	}
	return p
}
