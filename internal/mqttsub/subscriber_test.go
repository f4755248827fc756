package mqttsub

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/meshforge/meshforge-maps/internal/bus"
)

// fakeMessage satisfies the paho Message interface for handler tests.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func envelopeJSON(t *testing.T, typ string, from uint32, sender string, payload map[string]any) []byte {
	t.Helper()
	env := map[string]any{"type": typ, "payload": payload, "timestamp": 1767278000}
	if from != 0 {
		env["from"] = from
	}
	if sender != "" {
		env["sender"] = sender
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func newTestSubscriber(t *testing.T) (*Subscriber, *bus.Bus) {
	t.Helper()
	b := bus.New()
	s := NewSubscriber(Config{Store: NewStore(StoreOptions{}), Bus: b})
	return s, b
}

// --- envelope decoding ---

func TestEnvelopePosition(t *testing.T) {
	s, b := newTestSubscriber(t)
	var events []bus.Event
	b.Subscribe(bus.NodePosition, func(ev bus.Event) { events = append(events, ev) })

	raw := envelopeJSON(t, "position", 0xdeadbeef, "!00000001", map[string]any{
		"latitude_i":  401234567,
		"longitude_i": -1049876543,
		"altitude":    1800,
	})
	if err := s.handleEnvelope(raw); err != nil {
		t.Fatal(err)
	}

	n := s.Store().GetNode("!deadbeef")
	if n == nil {
		t.Fatal("node not stored under the from id")
	}
	if n.Position.Latitude != 40.1234567 || n.Position.Longitude != -104.9876543 {
		t.Fatalf("position = %+v", n.Position)
	}
	if *n.Position.Altitude != 1800 {
		t.Fatalf("altitude = %v", n.Position.Altitude)
	}
	if n.Sender != "!00000001" {
		t.Fatalf("gateway = %q", n.Sender)
	}

	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	data := events[0].Data
	if data["node_id"] != "!deadbeef" || data["network"] != "meshtastic" {
		t.Fatalf("event data = %v", data)
	}
	if data["latitude"] != 40.1234567 {
		t.Fatalf("event latitude = %v", data["latitude"])
	}
}

func TestEnvelopeNoFixPositionIgnored(t *testing.T) {
	s, _ := newTestSubscriber(t)
	raw := envelopeJSON(t, "position", 0x00000002, "", map[string]any{
		"latitude_i": 0, "longitude_i": 0,
	})
	if err := s.handleEnvelope(raw); err != nil {
		t.Fatalf("null island is not a parse error: %v", err)
	}
	if s.Store().Count() != 0 {
		t.Fatal("no-fix position must not create a record")
	}
}

func TestEnvelopeNodeInfo(t *testing.T) {
	s, b := newTestSubscriber(t)
	var events []bus.Event
	b.Subscribe(bus.NodeInfo, func(ev bus.Event) { events = append(events, ev) })

	raw := envelopeJSON(t, "nodeinfo", 0x0a1b2c3d, "", map[string]any{
		"long_name":  "Lookout Mountain",
		"short_name": "LKMT",
		"hw_model":   "HELTEC_V3",
		"role":       "ROUTER",
		"region":     "US",
	})
	if err := s.handleEnvelope(raw); err != nil {
		t.Fatal(err)
	}

	n := s.Store().GetNode("!0a1b2c3d")
	if n == nil || n.LongName != "Lookout Mountain" || n.HWModel != "HELTEC_V3" {
		t.Fatalf("node = %+v", n)
	}
	if n.Role != "ROUTER" || n.Region != "US" {
		t.Fatalf("radio fields = %+v", n)
	}
	if len(events) != 1 || events[0].Data["long_name"] != "Lookout Mountain" {
		t.Fatalf("events = %+v", events)
	}
}

func TestEnvelopeTelemetryRangeGuards(t *testing.T) {
	s, b := newTestSubscriber(t)
	var events []bus.Event
	b.Subscribe(bus.NodeTelemetry, func(ev bus.Event) { events = append(events, ev) })

	raw := envelopeJSON(t, "telemetry", 0x0000beef, "", map[string]any{
		"battery_level":       150,
		"voltage":             4.07,
		"temperature":         -150.0,
		"relative_humidity":   55.5,
		"barometric_pressure": 1013.2,
		"co2":                 45000,
		"heart_bpm":           72,
	})
	if err := s.handleEnvelope(raw); err != nil {
		t.Fatal(err)
	}

	n := s.Store().GetNode("!0000beef")
	if n.BatteryLevel != nil {
		t.Errorf("battery 150 must be discarded, got %v", *n.BatteryLevel)
	}
	if n.Voltage == nil || *n.Voltage != 4.07 {
		t.Errorf("voltage = %v", n.Voltage)
	}
	if n.Environment == nil || n.Environment.Temperature != nil {
		t.Errorf("temperature -150 must be discarded: %+v", n.Environment)
	}
	if *n.Environment.RelativeHumidity != 55.5 || *n.Environment.BarometricPressure != 1013.2 {
		t.Errorf("environment = %+v", n.Environment)
	}
	if n.AirQuality != nil {
		t.Errorf("co2 45000 must be discarded entirely: %+v", n.AirQuality)
	}
	if n.Health == nil || *n.Health.HeartBPM != 72 {
		t.Errorf("health = %+v", n.Health)
	}

	if len(events) != 1 {
		t.Fatalf("events = %d", len(events))
	}
	data := events[0].Data
	if _, present := data["battery"]; present {
		t.Error("discarded battery must not ride the event")
	}
	if data["voltage"] != 4.07 {
		t.Errorf("event voltage = %v", data["voltage"])
	}
}

func TestEnvelopeNeighborInfo(t *testing.T) {
	s, b := newTestSubscriber(t)
	var events []bus.Event
	b.Subscribe(bus.NodeTopology, func(ev bus.Event) { events = append(events, ev) })

	raw := envelopeJSON(t, "neighborinfo", 0x00000001, "", map[string]any{
		"neighbors": []map[string]any{
			{"node_id": 2, "snr": 7.25},
			{"node_id": "!0000000a", "snr": -3.5},
		},
	})
	if err := s.handleEnvelope(raw); err != nil {
		t.Fatal(err)
	}

	s.Store().UpdatePosition("!00000001", 40, -105, nil, 0)
	s.Store().UpdatePosition("!00000002", 40.1, -105.1, nil, 0)
	s.Store().UpdatePosition("!0000000a", 40.2, -105.2, nil, 0)

	links := s.Store().TopologyLinks()
	if len(links) != 2 {
		t.Fatalf("links = %+v", links)
	}
	targets := map[string]float64{}
	for _, l := range links {
		targets[l.Target] = *l.SNR
	}
	if targets["!00000002"] != 7.25 || targets["!0000000a"] != -3.5 {
		t.Fatalf("targets = %v (numeric and hex neighbor ids must both resolve)", targets)
	}

	if len(events) != 1 || events[0].Data["neighbor_count"] != 2 {
		t.Fatalf("events = %+v", events)
	}
}

func TestEnvelopeSenderFallback(t *testing.T) {
	s, _ := newTestSubscriber(t)
	raw := []byte(`{"type":"nodeinfo","sender":"!abcd1234","payload":{"long_name":"Gateway Itself"}}`)
	if err := s.handleEnvelope(raw); err != nil {
		t.Fatal(err)
	}
	n := s.Store().GetNode("!abcd1234")
	if n == nil || n.LongName != "Gateway Itself" {
		t.Fatalf("node = %+v", n)
	}
	if n.Sender != "" {
		t.Fatalf("node is its own gateway, sender = %q", n.Sender)
	}
}

func TestEnvelopeUnhandledTypeIgnored(t *testing.T) {
	s, _ := newTestSubscriber(t)
	raw := envelopeJSON(t, "text", 0x00000005, "", map[string]any{"text": "hello mesh"})
	if err := s.handleEnvelope(raw); err != nil {
		t.Fatal(err)
	}
	if s.Store().Count() != 0 {
		t.Fatal("text traffic must not create records")
	}
}

func TestEnvelopeErrors(t *testing.T) {
	s, _ := newTestSubscriber(t)
	tests := []struct {
		name string
		raw  string
	}{
		{"not_json", `portnum=3 garbage`},
		{"no_origin", `{"type":"position","payload":{"latitude_i":401234567,"longitude_i":-1049876543}}`},
		{"malformed_payload", `{"type":"telemetry","from":9,"payload":"not an object"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.handleEnvelope([]byte(tt.raw)); err == nil {
				t.Fatal("want decode error")
			}
		})
	}
}

// --- message handling ---

func TestOnMessageRejectsOversized(t *testing.T) {
	s, _ := newTestSubscriber(t)
	big := fakeMessage{
		topic:   "msh/US/2/e/LongFast/!deadbeef",
		payload: make([]byte, maxPayloadBytes+1),
	}
	s.onMessage(nil, big)

	st := s.Stats()
	if st.OversizedDropped != 1 {
		t.Fatalf("oversized = %d", st.OversizedDropped)
	}
	if st.MessagesReceived != 0 {
		t.Fatalf("oversized payloads must not count as received, got %d", st.MessagesReceived)
	}
}

func TestOnMessageCountsParseErrors(t *testing.T) {
	s, _ := newTestSubscriber(t)
	s.onMessage(nil, fakeMessage{topic: "msh/US", payload: []byte("binary blob")})
	s.onMessage(nil, fakeMessage{
		topic:   "msh/US",
		payload: envelopeJSON(t, "nodeinfo", 7, "", map[string]any{"long_name": "OK"}),
	})

	st := s.Stats()
	if st.MessagesReceived != 2 || st.ParseErrors != 1 {
		t.Fatalf("stats = %+v", st)
	}
	if st.NodeCount != 1 {
		t.Fatalf("node_count = %d", st.NodeCount)
	}
}

func TestSanitizeTopic(t *testing.T) {
	long := "msh/US/CO/2/e/LongFast/!deadbeef"
	if got := sanitizeTopic(long); got != "msh/US/CO/2/e/..." {
		t.Fatalf("sanitized = %q", got)
	}
	short := "msh/US/2/json"
	if got := sanitizeTopic(short); got != short {
		t.Fatalf("short topic changed: %q", got)
	}
	if strings.Contains(sanitizeTopic(long), "deadbeef") {
		t.Fatal("node id leaked into log form")
	}
}

func TestSubscriberDefaults(t *testing.T) {
	s, _ := newTestSubscriber(t)
	st := s.Stats()
	if st.Broker != DefaultBroker || st.Port != DefaultPort || st.Topic != DefaultTopic {
		t.Fatalf("defaults = %+v", st)
	}
	if st.HasCredentials || st.Connected || st.Running {
		t.Fatalf("idle subscriber state = %+v", st)
	}
	if s.url != "tcp://mqtt.meshtastic.org:1883" {
		t.Fatalf("url = %q (no credentials means no TLS)", s.url)
	}
}

func TestSubscriberTLSDefaultsWithCredentials(t *testing.T) {
	s := NewSubscriber(Config{Username: "mesh", Password: "secret"})
	if s.url != "ssl://mqtt.meshtastic.org:1883" {
		t.Fatalf("url = %q, want ssl scheme", s.url)
	}
	if !s.Stats().HasCredentials {
		t.Fatal("has_credentials must report true")
	}

	off := false
	plain := NewSubscriber(Config{Username: "mesh", TLS: &off})
	if !strings.HasPrefix(plain.url, "tcp://") {
		t.Fatalf("explicit TLS=false overridden: %q", plain.url)
	}
}
