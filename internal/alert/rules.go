package alert

import (
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Severities a rule can fire at.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Comparison operators a rule may use.
const (
	OpLT  = "lt"
	OpLTE = "lte"
	OpGT  = "gt"
	OpGTE = "gte"
	OpEQ  = "eq"
)

const (
	// DefaultCooldown is the seconds a node and rule pair waits
	// before the same alert can fire again.
	DefaultCooldown = 600

	// RuleNodeOffline identifies the synthesized absence rule.
	RuleNodeOffline = "node_offline"

	// eqEpsilon bounds float equality for the eq operator.
	eqEpsilon = 1e-9
)

// Rule is one threshold check evaluated against node properties.
// Metric names a property key; health_score resolves from the scorer
// instead of the property map.
type Rule struct {
	RuleID        string  `json:"rule_id"`
	AlertType     string  `json:"alert_type"`
	Metric        string  `json:"metric"`
	Operator      string  `json:"operator"`
	Threshold     float64 `json:"threshold"`
	Severity      string  `json:"severity"`
	Cooldown      int     `json:"cooldown"`
	NetworkFilter string  `json:"network_filter,omitempty"`
	Enabled       bool    `json:"enabled"`
	Description   string  `json:"description,omitempty"`
}

// Matches reports whether value trips the threshold.
func (r Rule) Matches(value float64) bool {
	switch r.Operator {
	case OpLT:
		return value < r.Threshold
	case OpLTE:
		return value <= r.Threshold
	case OpGT:
		return value > r.Threshold
	case OpGTE:
		return value >= r.Threshold
	case OpEQ:
		return math.Abs(value-r.Threshold) <= eqEpsilon
	default:
		return false
	}
}

func (r Rule) validate() error {
	if r.Metric == "" {
		return errors.New("metric is required")
	}
	switch r.Operator {
	case OpLT, OpLTE, OpGT, OpGTE, OpEQ:
	default:
		return fmt.Errorf("unknown operator %q", r.Operator)
	}
	switch r.Severity {
	case SeverityInfo, SeverityWarning, SeverityCritical:
	default:
		return fmt.Errorf("unknown severity %q", r.Severity)
	}
	return nil
}

// withDefaults fills the optional rule fields.
func withDefaults(r Rule) Rule {
	if r.RuleID == "" {
		r.RuleID = uuid.NewString()
	}
	if r.AlertType == "" {
		r.AlertType = r.RuleID
	}
	if r.Cooldown <= 0 {
		r.Cooldown = DefaultCooldown
	}
	return r
}

// DefaultRules returns the built-in rule set. Thresholds track what
// the map UI renders as degraded.
func DefaultRules() []Rule {
	return []Rule{
		{
			RuleID:      "battery_low",
			AlertType:   "battery_low",
			Metric:      "battery",
			Operator:    OpLTE,
			Threshold:   20,
			Severity:    SeverityWarning,
			Cooldown:    DefaultCooldown,
			Enabled:     true,
			Description: "Battery level is low (<=20%)",
		},
		{
			RuleID:      "battery_critical",
			AlertType:   "battery_critical",
			Metric:      "battery",
			Operator:    OpLTE,
			Threshold:   5,
			Severity:    SeverityCritical,
			Cooldown:    DefaultCooldown,
			Enabled:     true,
			Description: "Battery level is critical (<=5%)",
		},
		{
			RuleID:      "signal_poor",
			AlertType:   "signal_poor",
			Metric:      "snr",
			Operator:    OpLTE,
			Threshold:   -10,
			Severity:    SeverityWarning,
			Cooldown:    DefaultCooldown,
			Enabled:     true,
			Description: "Signal quality is poor (SNR <= -10 dB)",
		},
		{
			RuleID:      "congestion_high",
			AlertType:   "congestion_high",
			Metric:      "channel_util",
			Operator:    OpGTE,
			Threshold:   75,
			Severity:    SeverityWarning,
			Cooldown:    DefaultCooldown,
			Enabled:     true,
			Description: "Channel utilization is high (>=75%)",
		},
		{
			RuleID:      "health_degraded",
			AlertType:   "health_degraded",
			Metric:      "health_score",
			Operator:    OpLTE,
			Threshold:   20,
			Severity:    SeverityWarning,
			Cooldown:    DefaultCooldown,
			Enabled:     true,
			Description: "Node health score is critical (<=20)",
		},
	}
}

// ruleSpec is the on-disk rule shape. Enabled is a pointer so an
// omitted key reads as enabled.
type ruleSpec struct {
	RuleID        string  `yaml:"rule_id"`
	AlertType     string  `yaml:"alert_type"`
	Metric        string  `yaml:"metric"`
	Operator      string  `yaml:"operator"`
	Threshold     float64 `yaml:"threshold"`
	Severity      string  `yaml:"severity"`
	Cooldown      int     `yaml:"cooldown"`
	NetworkFilter string  `yaml:"network_filter"`
	Enabled       *bool   `yaml:"enabled"`
	Description   string  `yaml:"description"`
}

// LoadRules reads a YAML rule file. Entries without a rule_id get a
// generated one; same-id entries override built-ins when the engine
// merges them.
func LoadRules(path string) ([]Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("alert: read rules: %w", err)
	}
	var f struct {
		Rules []ruleSpec `yaml:"rules"`
	}
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("alert: parse rules %s: %w", path, err)
	}
	out := make([]Rule, 0, len(f.Rules))
	for i, spec := range f.Rules {
		r := withDefaults(Rule{
			RuleID:        spec.RuleID,
			AlertType:     spec.AlertType,
			Metric:        spec.Metric,
			Operator:      spec.Operator,
			Threshold:     spec.Threshold,
			Severity:      spec.Severity,
			Cooldown:      spec.Cooldown,
			NetworkFilter: spec.NetworkFilter,
			Enabled:       spec.Enabled == nil || *spec.Enabled,
			Description:   spec.Description,
		})
		if err := r.validate(); err != nil {
			return nil, fmt.Errorf("alert: rule %d (%s): %w", i, r.RuleID, err)
		}
		out = append(out, r)
	}
	return out, nil
}
