package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
)

// pluginID names the settings subdirectory under the config dir.
const pluginID = "org.meshforge.extension.maps"

// Settings holds the user-facing map and source settings persisted to
// settings.json. Hot-updatable via the config API.
type Settings struct {
	DefaultTileProvider string  `json:"default_tile_provider"`
	EnableMeshtastic    bool    `json:"enable_meshtastic"`
	EnableReticulum     bool    `json:"enable_reticulum"`
	EnableHamclock      bool    `json:"enable_hamclock"`
	EnableAREDN         bool    `json:"enable_aredn"`
	HamclockHost        string  `json:"hamclock_host"`
	HamclockPort        int     `json:"hamclock_port"`
	OpenHamclockPort    int     `json:"openhamclock_port"`
	MapCenterLat        float64 `json:"map_center_lat"`
	MapCenterLon        float64 `json:"map_center_lon"`
	MapDefaultZoom      int     `json:"map_default_zoom"`
	CacheTTLMinutes     int     `json:"cache_ttl_minutes"`
	HTTPPort            int     `json:"http_port"`
	MQTTBroker          string  `json:"mqtt_broker"`
	MQTTPort            int     `json:"mqtt_port"`
	MQTTTopic           string  `json:"mqtt_topic"`
	MQTTUsername        *string `json:"mqtt_username"`
	MQTTPassword        *string `json:"mqtt_password"`
}

// DefaultSettings returns the built-in defaults.
func DefaultSettings() Settings {
	return Settings{
		DefaultTileProvider: "carto_dark",
		EnableMeshtastic:    true,
		EnableReticulum:     true,
		EnableHamclock:      true,
		EnableAREDN:         true,
		HamclockHost:        "localhost",
		HamclockPort:        8080,
		OpenHamclockPort:    3000,
		MapCenterLat:        20.0,
		MapCenterLon:        -100.0,
		MapDefaultZoom:      4,
		CacheTTLMinutes:     15,
		HTTPPort:            8808,
		MQTTBroker:          "mqtt.meshtastic.org",
		MQTTPort:            1883,
		MQTTTopic:           "msh/#",
	}
}

// EnabledSources returns the enabled collector names in canonical order.
func (s Settings) EnabledSources() []string {
	var out []string
	if s.EnableMeshtastic {
		out = append(out, "meshtastic")
	}
	if s.EnableReticulum {
		out = append(out, "reticulum")
	}
	if s.EnableHamclock {
		out = append(out, "hamclock")
	}
	if s.EnableAREDN {
		out = append(out, "aredn")
	}
	return out
}

func (s Settings) clone() Settings {
	c := s
	if s.MQTTUsername != nil {
		v := *s.MQTTUsername
		c.MQTTUsername = &v
	}
	if s.MQTTPassword != nil {
		v := *s.MQTTPassword
		c.MQTTPassword = &v
	}
	return c
}

// SettingsPath returns the settings file location under configDir.
func SettingsPath(configDir string) string {
	return filepath.Join(configDir, "plugins", pluginID, "settings.json")
}

// Manager owns the persisted settings with concurrency-safe access.
type Manager struct {
	mu       sync.RWMutex
	path     string
	settings Settings
}

// NewManager loads settings from path, falling back to defaults when
// the file is missing or unreadable.
func NewManager(path string) *Manager {
	m := &Manager{path: path, settings: DefaultSettings()}
	m.load()
	return m
}

func (m *Manager) load() {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("[config] no settings file at %s, using defaults", m.path)
		} else {
			log.Printf("[config] failed to read settings: %v, using defaults", err)
		}
		return
	}
	s := DefaultSettings()
	if err := json.Unmarshal(data, &s); err != nil {
		log.Printf("[config] failed to parse settings: %v, using defaults", err)
		return
	}
	m.settings = s
	log.Printf("[config] loaded settings from %s", m.path)
}

// Settings returns a copy of the current settings.
func (m *Manager) Settings() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings.clone()
}

// Update applies known keys from patch and persists. Unknown keys are
// skipped. Returns the keys that were applied.
func (m *Manager) Update(patch map[string]any) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	known := knownKeys()
	filtered := make(map[string]any, len(patch))
	var applied []string
	for k, v := range patch {
		if _, ok := known[k]; !ok {
			log.Printf("[config] ignoring unknown setting %q", k)
			continue
		}
		filtered[k] = v
		applied = append(applied, k)
	}
	if len(filtered) == 0 {
		return nil, nil
	}

	data, err := json.Marshal(filtered)
	if err != nil {
		return nil, fmt.Errorf("encode settings patch: %w", err)
	}
	next := m.settings.clone()
	if err := json.Unmarshal(data, &next); err != nil {
		return nil, fmt.Errorf("apply settings patch: %w", err)
	}
	m.settings = next

	if err := m.saveLocked(); err != nil {
		return applied, err
	}
	return applied, nil
}

// Save persists the current settings to disk with restrictive
// permissions. The file may hold broker credentials.
func (m *Manager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked()
}

func (m *Manager) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	data, err := json.MarshalIndent(m.settings, "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := os.WriteFile(m.path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}

// knownKeys maps JSON setting names to struct presence.
func knownKeys() map[string]struct{} {
	data, _ := json.Marshal(DefaultSettings())
	var asMap map[string]any
	_ = json.Unmarshal(data, &asMap)
	out := make(map[string]struct{}, len(asMap))
	for k := range asMap {
		out[k] = struct{}{}
	}
	return out
}
