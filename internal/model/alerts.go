package model

// AlertRule is a threshold rule evaluated against node metrics.
// YAML tags cover the optional rules file; JSON tags cover the API.
type AlertRule struct {
	ID              string  `json:"rule_id" yaml:"rule_id"`
	Name            string  `json:"name" yaml:"name"`
	Metric          string  `json:"metric" yaml:"metric"`
	Operator        string  `json:"operator" yaml:"operator"`
	Threshold       float64 `json:"threshold" yaml:"threshold"`
	Severity        string  `json:"severity" yaml:"severity"`
	Enabled         bool    `json:"enabled" yaml:"enabled"`
	CooldownSeconds int     `json:"cooldown_seconds" yaml:"cooldown_seconds"`
	Description     string  `json:"description,omitempty" yaml:"description,omitempty"`
}

// Alert is one fired rule instance.
type Alert struct {
	ID           string  `json:"id"`
	RuleID       string  `json:"rule_id"`
	RuleName     string  `json:"rule_name"`
	NodeID       string  `json:"node_id"`
	NodeName     string  `json:"node_name,omitempty"`
	Severity     string  `json:"severity"`
	Message      string  `json:"message"`
	Metric       string  `json:"metric"`
	Value        float64 `json:"value"`
	Threshold    float64 `json:"threshold"`
	Timestamp    int64   `json:"timestamp"`
	Acknowledged bool    `json:"acknowledged"`
}

// DriftChange is one field difference between consecutive config
// snapshots of a node.
type DriftChange struct {
	Field    string `json:"field"`
	OldValue any    `json:"old_value"`
	NewValue any    `json:"new_value"`
	Severity string `json:"severity"`
}

// DriftEvent groups the changes detected in a single check-in.
// Severity is the highest severity among the changes.
type DriftEvent struct {
	NodeID    string        `json:"node_id"`
	NodeName  string        `json:"node_name,omitempty"`
	Timestamp int64         `json:"timestamp"`
	Severity  string        `json:"severity"`
	Changes   []DriftChange `json:"changes"`
}

// SeverityRank orders severities for comparisons; unknown ranks lowest.
func SeverityRank(s string) int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	}
	return 0
}
