// Package config handles environment-based configuration loading and
// the persisted user settings file.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/meshforge/meshforge-maps/internal/paths"
)

// EnvConfig holds all environment-variable-driven settings (not
// hot-updatable). User-facing map and source settings live in Settings.
type EnvConfig struct {
	// Directories
	DataDir   string
	ConfigDir string
	CacheDir  string

	// HTTP API
	HTTPHost          string
	HTTPPort          int // 0 means "use the persisted settings value"
	APIMaxBodyBytes   int
	APIMaxConns       int
	CORSAllowedOrigin string
	APIKey            string

	// WebSocket push
	WSEnabled     bool
	WSHost        string
	WSPort        int
	WSHistorySize int

	// Meshtastic API proxy
	ProxyEnabled bool
	ProxyHost    string
	ProxyPort    int

	// Broker feed and alert publication
	MQTTEnabled    bool
	AlertTopicBase string

	// Collector endpoints
	MeshtasticHost   string
	MeshtasticPort   int
	ReticulumCommand string
	AREDNEndpoints   []string
	NOAAEnabled      bool
	NOAAArea         string
	NOAASeverity     string

	// Collection cadence
	PollInterval  time.Duration
	CycleDeadline time.Duration
	FetchTimeout  time.Duration

	// Node store and connectivity tracking
	MaxNodes          int
	StaleTimeout      time.Duration
	ExpectedHeartbeat time.Duration
	OfflineThreshold  time.Duration

	// Position history
	HistoryThrottle time.Duration
	RetentionDays   int

	// Alerting
	AlertRulesFile string
	WebhookURL     string

	// Shared core health database (read-only)
	CoreHealthDBPath string
}

// LoadEnvConfig reads environment variables and returns a validated
// EnvConfig. Returns an error listing every invalid value at once.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Directories ---
	cfg.DataDir = envStr("MESHMAPS_DATA_DIR", paths.DataDir())
	cfg.ConfigDir = envStr("MESHMAPS_CONFIG_DIR", paths.ConfigDir())
	cfg.CacheDir = envStr("MESHMAPS_CACHE_DIR", paths.CacheDir())

	// --- HTTP API ---
	cfg.HTTPHost = strings.TrimSpace(envStr("MESHMAPS_HTTP_HOST", "127.0.0.1"))
	cfg.HTTPPort = envInt("MESHMAPS_HTTP_PORT", 0, &errs)
	cfg.APIMaxBodyBytes = envInt("MESHMAPS_API_MAX_BODY_BYTES", 1<<20, &errs)
	cfg.APIMaxConns = envInt("MESHMAPS_API_MAX_CONNS", 256, &errs)
	cfg.CORSAllowedOrigin = strings.TrimSpace(envStr("MESHMAPS_CORS_ALLOWED_ORIGIN", ""))
	cfg.APIKey = os.Getenv("MESHMAPS_API_KEY")

	// --- WebSocket ---
	cfg.WSEnabled = envBool("MESHMAPS_WS_ENABLED", true, &errs)
	cfg.WSHost = strings.TrimSpace(envStr("MESHMAPS_WS_HOST", "127.0.0.1"))
	cfg.WSPort = envInt("MESHMAPS_WS_PORT", 8809, &errs)
	cfg.WSHistorySize = envInt("MESHMAPS_WS_HISTORY_SIZE", 50, &errs)

	// --- Meshtastic API proxy ---
	cfg.ProxyEnabled = envBool("MESHMAPS_PROXY_ENABLED", true, &errs)
	cfg.ProxyHost = strings.TrimSpace(envStr("MESHMAPS_PROXY_HOST", "127.0.0.1"))
	cfg.ProxyPort = envInt("MESHMAPS_PROXY_PORT", 4404, &errs)

	// --- Broker ---
	cfg.MQTTEnabled = envBool("MESHMAPS_MQTT_ENABLED", true, &errs)
	cfg.AlertTopicBase = envStr("MESHMAPS_ALERT_TOPIC", "meshforge/alerts")

	// --- Collectors ---
	cfg.MeshtasticHost = strings.TrimSpace(envStr("MESHMAPS_MESHTASTIC_HOST", "127.0.0.1"))
	cfg.MeshtasticPort = envInt("MESHMAPS_MESHTASTIC_PORT", 4403, &errs)
	cfg.ReticulumCommand = envStr("MESHMAPS_RETICULUM_COMMAND", "rnstatus")
	cfg.AREDNEndpoints = envStringSlice("MESHMAPS_AREDN_ENDPOINTS", []string{"localnode.local.mesh"}, &errs)
	cfg.NOAAEnabled = envBool("MESHMAPS_NOAA_ENABLED", false, &errs)
	cfg.NOAAArea = strings.TrimSpace(envStr("MESHMAPS_NOAA_AREA", ""))
	cfg.NOAASeverity = strings.TrimSpace(envStr("MESHMAPS_NOAA_SEVERITY", ""))

	// --- Cadence ---
	cfg.PollInterval = envDuration("MESHMAPS_POLL_INTERVAL", 60*time.Second, &errs)
	cfg.CycleDeadline = envDuration("MESHMAPS_CYCLE_DEADLINE", 20*time.Second, &errs)
	cfg.FetchTimeout = envDuration("MESHMAPS_FETCH_TIMEOUT", 10*time.Second, &errs)

	// --- Node store ---
	cfg.MaxNodes = envInt("MESHMAPS_MAX_NODES", 10000, &errs)
	cfg.StaleTimeout = envDuration("MESHMAPS_STALE_TIMEOUT", 30*time.Minute, &errs)
	cfg.ExpectedHeartbeat = envDuration("MESHMAPS_EXPECTED_HEARTBEAT", 5*time.Minute, &errs)
	cfg.OfflineThreshold = envDuration("MESHMAPS_OFFLINE_THRESHOLD", 15*time.Minute, &errs)

	// --- History ---
	cfg.HistoryThrottle = envDuration("MESHMAPS_HISTORY_THROTTLE", 60*time.Second, &errs)
	cfg.RetentionDays = envInt("MESHMAPS_RETENTION_DAYS", 30, &errs)

	// --- Alerting ---
	cfg.AlertRulesFile = envStr("MESHMAPS_ALERT_RULES_FILE", "")
	cfg.WebhookURL = strings.TrimSpace(envStr("MESHMAPS_WEBHOOK_URL", ""))

	// --- Core health ---
	cfg.CoreHealthDBPath = envStr("MESHMAPS_CORE_HEALTH_DB", "")

	// --- Validation ---
	if cfg.HTTPHost == "" {
		errs = append(errs, "MESHMAPS_HTTP_HOST must not be empty")
	}
	if cfg.HTTPPort != 0 {
		validatePort("MESHMAPS_HTTP_PORT", cfg.HTTPPort, &errs)
	}
	validatePositive("MESHMAPS_API_MAX_BODY_BYTES", cfg.APIMaxBodyBytes, &errs)
	validatePositive("MESHMAPS_API_MAX_CONNS", cfg.APIMaxConns, &errs)
	validatePort("MESHMAPS_WS_PORT", cfg.WSPort, &errs)
	validatePositive("MESHMAPS_WS_HISTORY_SIZE", cfg.WSHistorySize, &errs)
	validatePort("MESHMAPS_PROXY_PORT", cfg.ProxyPort, &errs)
	validatePort("MESHMAPS_MESHTASTIC_PORT", cfg.MeshtasticPort, &errs)
	if cfg.ReticulumCommand == "" {
		errs = append(errs, "MESHMAPS_RETICULUM_COMMAND must not be empty")
	}
	validatePositiveDuration("MESHMAPS_POLL_INTERVAL", cfg.PollInterval, &errs)
	validatePositiveDuration("MESHMAPS_CYCLE_DEADLINE", cfg.CycleDeadline, &errs)
	validatePositiveDuration("MESHMAPS_FETCH_TIMEOUT", cfg.FetchTimeout, &errs)
	validatePositive("MESHMAPS_MAX_NODES", cfg.MaxNodes, &errs)
	validatePositiveDuration("MESHMAPS_STALE_TIMEOUT", cfg.StaleTimeout, &errs)
	validatePositiveDuration("MESHMAPS_EXPECTED_HEARTBEAT", cfg.ExpectedHeartbeat, &errs)
	validatePositiveDuration("MESHMAPS_OFFLINE_THRESHOLD", cfg.OfflineThreshold, &errs)
	validatePositiveDuration("MESHMAPS_HISTORY_THROTTLE", cfg.HistoryThrottle, &errs)
	validatePositive("MESHMAPS_RETENTION_DAYS", cfg.RetentionDays, &errs)
	if cfg.WebhookURL != "" {
		u, err := url.Parse(cfg.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Sprintf("MESHMAPS_WEBHOOK_URL: invalid URL %q", cfg.WebhookURL))
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envBool(key string, defaultVal bool, errs *[]string) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid boolean %q", key, v))
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func envStringSlice(key string, defaultVal []string, errs *[]string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid JSON string array %q", key, v))
		return defaultVal
	}
	if out == nil {
		return []string{}
	}
	return out
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}

func validatePositiveDuration(name string, value time.Duration, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %v", name, value))
	}
}
