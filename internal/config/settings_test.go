package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()

	assertEqual(t, "DefaultTileProvider", s.DefaultTileProvider, "carto_dark")
	assertEqual(t, "EnableMeshtastic", s.EnableMeshtastic, true)
	assertEqual(t, "EnableReticulum", s.EnableReticulum, true)
	assertEqual(t, "EnableHamclock", s.EnableHamclock, true)
	assertEqual(t, "EnableAREDN", s.EnableAREDN, true)
	assertEqual(t, "HamclockHost", s.HamclockHost, "localhost")
	assertEqual(t, "HamclockPort", s.HamclockPort, 8080)
	assertEqual(t, "OpenHamclockPort", s.OpenHamclockPort, 3000)
	assertEqual(t, "MapCenterLat", s.MapCenterLat, 20.0)
	assertEqual(t, "MapCenterLon", s.MapCenterLon, -100.0)
	assertEqual(t, "MapDefaultZoom", s.MapDefaultZoom, 4)
	assertEqual(t, "CacheTTLMinutes", s.CacheTTLMinutes, 15)
	assertEqual(t, "HTTPPort", s.HTTPPort, 8808)
	assertEqual(t, "MQTTBroker", s.MQTTBroker, "mqtt.meshtastic.org")
	assertEqual(t, "MQTTPort", s.MQTTPort, 1883)
	assertEqual(t, "MQTTTopic", s.MQTTTopic, "msh/#")
	if s.MQTTUsername != nil || s.MQTTPassword != nil {
		t.Errorf("expected nil broker credentials by default")
	}
}

func TestManagerMissingFileUsesDefaults(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "nope", "settings.json"))

	if !reflect.DeepEqual(m.Settings(), DefaultSettings()) {
		t.Errorf("expected defaults, got %+v", m.Settings())
	}
}

func TestManagerLoadOverlaysKnownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	raw := `{
		"http_port": 9999,
		"enable_aredn": false,
		"mqtt_broker": "broker.local",
		"mystery_knob": 42
	}`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write settings: %v", err)
	}

	m := NewManager(path)
	s := m.Settings()

	assertEqual(t, "HTTPPort", s.HTTPPort, 9999)
	assertEqual(t, "EnableAREDN", s.EnableAREDN, false)
	assertEqual(t, "MQTTBroker", s.MQTTBroker, "broker.local")
	// Untouched keys keep defaults.
	assertEqual(t, "DefaultTileProvider", s.DefaultTileProvider, "carto_dark")
	assertEqual(t, "MQTTPort", s.MQTTPort, 1883)
}

func TestManagerLoadCorruptFileFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write settings: %v", err)
	}

	m := NewManager(path)
	if !reflect.DeepEqual(m.Settings(), DefaultSettings()) {
		t.Errorf("expected defaults after corrupt file, got %+v", m.Settings())
	}
}

func TestManagerSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plugins", pluginID, "settings.json")
	m := NewManager(path)

	applied, err := m.Update(map[string]any{"map_default_zoom": 7, "hamclock_host": "clock.local"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(applied) != 2 {
		t.Fatalf("expected 2 applied keys, got %v", applied)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat settings: %v", err)
	}
	if mode := info.Mode().Perm(); mode != 0o600 {
		t.Errorf("settings file mode: got %o, want 600", mode)
	}

	reloaded := NewManager(path)
	s := reloaded.Settings()
	assertEqual(t, "MapDefaultZoom", s.MapDefaultZoom, 7)
	assertEqual(t, "HamclockHost", s.HamclockHost, "clock.local")
}

func TestManagerUpdateSkipsUnknownKeys(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "settings.json"))

	applied, err := m.Update(map[string]any{"mystery_knob": true})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if applied != nil {
		t.Errorf("expected no applied keys, got %v", applied)
	}
	if !reflect.DeepEqual(m.Settings(), DefaultSettings()) {
		t.Errorf("settings changed by unknown key")
	}
}

func TestManagerUpdateRejectsWrongType(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "settings.json"))

	_, err := m.Update(map[string]any{"http_port": "eight-thousand"})
	if err == nil {
		t.Fatal("expected type error")
	}
	assertEqual(t, "HTTPPort", m.Settings().HTTPPort, 8808)
}

func TestManagerUpdateCredentials(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	m := NewManager(path)

	_, err := m.Update(map[string]any{"mqtt_username": "ops", "mqtt_password": "hunter2"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	s := m.Settings()
	if s.MQTTUsername == nil || *s.MQTTUsername != "ops" {
		t.Errorf("MQTTUsername: got %v", s.MQTTUsername)
	}
	if s.MQTTPassword == nil || *s.MQTTPassword != "hunter2" {
		t.Errorf("MQTTPassword: got %v", s.MQTTPassword)
	}

	// Clearing credentials via null.
	_, err = m.Update(map[string]any{"mqtt_username": nil})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if m.Settings().MQTTUsername != nil {
		t.Errorf("expected cleared MQTTUsername")
	}
}

func TestEnabledSourcesOrder(t *testing.T) {
	s := DefaultSettings()
	got := s.EnabledSources()
	want := []string{"meshtastic", "reticulum", "hamclock", "aredn"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("EnabledSources: got %v, want %v", got, want)
	}

	s.EnableReticulum = false
	s.EnableHamclock = false
	got = s.EnabledSources()
	want = []string{"meshtastic", "aredn"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("EnabledSources: got %v, want %v", got, want)
	}
}

func TestSettingsPath(t *testing.T) {
	got := SettingsPath("/home/op/.config/meshforge")
	want := filepath.Join("/home/op/.config/meshforge", "plugins", "org.meshforge.extension.maps", "settings.json")
	assertEqual(t, "SettingsPath", got, want)
}

func TestSettingsJSONKeys(t *testing.T) {
	data, err := json.Marshal(DefaultSettings())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{
		"default_tile_provider", "enable_meshtastic", "enable_reticulum",
		"enable_hamclock", "enable_aredn", "hamclock_host", "hamclock_port",
		"openhamclock_port", "map_center_lat", "map_center_lon",
		"map_default_zoom", "cache_ttl_minutes", "http_port",
		"mqtt_broker", "mqtt_port", "mqtt_topic", "mqtt_username", "mqtt_password",
	} {
		if _, ok := m[key]; !ok {
			t.Errorf("missing settings key %q", key)
		}
	}
}
