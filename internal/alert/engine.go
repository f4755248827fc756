// Package alert evaluates threshold rules against node properties and
// fans fired alerts out to the configured delivery channels. Cooldowns
// keyed by node and rule keep a flapping metric from turning into an
// alert storm.
package alert

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/meshforge/meshforge-maps/internal/bus"
)

const (
	// DefaultMaxHistory bounds the in-memory alert log.
	DefaultMaxHistory = 500

	// DefaultOfflineThreshold is how long a node can stay silent
	// before the absence rule fires.
	DefaultOfflineThreshold = time.Hour

	// cooldownMaxAge is how long a cooldown entry survives without
	// refiring before the hourly sweep drops it.
	cooldownMaxAge = 24 * time.Hour

	webhookTimeout = 10 * time.Second
)

// Alert is one fired threshold violation.
type Alert struct {
	AlertID      string  `json:"alert_id"`
	RuleID       string  `json:"rule_id"`
	AlertType    string  `json:"alert_type"`
	Severity     string  `json:"severity"`
	NodeID       string  `json:"node_id"`
	Metric       string  `json:"metric"`
	Value        float64 `json:"value"`
	Threshold    float64 `json:"threshold"`
	Message      string  `json:"message"`
	Timestamp    int64   `json:"timestamp"`
	Acknowledged bool    `json:"acknowledged"`
}

// Publisher pushes alert payloads to an MQTT broker.
// *mqttsub.Subscriber satisfies it.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// OfflineCheck names a node and when it last reported.
type OfflineCheck struct {
	NodeID   string
	LastSeen int64
}

// Options wires an Engine. Nil Rules takes DefaultRules; pass an empty
// non-nil slice to start with none.
type Options struct {
	Rules      []Rule
	RulesPath  string // optional YAML overlay, merged over Rules
	MaxHistory int
	OnAlert    func(Alert)
	Broker     Publisher
	BaseTopic  string // MQTT topic alerts publish under
	WebhookURL string
	Bus        *bus.Bus
	HTTPClient *http.Client
	Now        func() time.Time
}

// Engine matches node properties against rules and delivers whatever
// fires. History is append-only and bounded; cooldown state is swept
// hourly once Start runs.
type Engine struct {
	mu        sync.Mutex
	rules     map[string]Rule
	order     []string             // rule ids in definition order
	cooldowns map[string]time.Time // "node:rule" -> last fired
	history   []Alert

	counter atomic.Int64

	maxHistory int
	onAlert    func(Alert)
	broker     Publisher
	baseTopic  string
	webhookURL string
	httpc      *http.Client
	bus        *bus.Bus
	cron       *cron.Cron
	now        func() time.Time
}

// NewEngine builds an engine. Start begins the cooldown sweep.
func NewEngine(opts Options) *Engine {
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = DefaultMaxHistory
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: webhookTimeout}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	e := &Engine{
		rules:      make(map[string]Rule),
		cooldowns:  make(map[string]time.Time),
		maxHistory: opts.MaxHistory,
		onAlert:    opts.OnAlert,
		broker:     opts.Broker,
		baseTopic:  opts.BaseTopic,
		webhookURL: opts.WebhookURL,
		httpc:      opts.HTTPClient,
		bus:        opts.Bus,
		now:        opts.Now,
	}
	rules := opts.Rules
	if rules == nil {
		rules = DefaultRules()
	}
	for _, r := range rules {
		e.upsertLocked(withDefaults(r))
	}
	if opts.RulesPath != "" {
		e.loadRulesFile(opts.RulesPath)
	}

	e.cron = cron.New()
	if _, err := e.cron.AddFunc("@hourly", e.cleanupCooldowns); err != nil {
		log.Printf("[alert] cooldown sweep not scheduled: %v", err)
	}
	return e
}

func (e *Engine) loadRulesFile(path string) {
	loaded, err := LoadRules(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// The rules file is optional.
		return
	case err != nil:
		log.Printf("[alert] rules file %s ignored: %v", path, err)
		return
	}
	for _, r := range loaded {
		e.upsertLocked(r)
	}
	log.Printf("[alert] %d rules loaded from %s", len(loaded), path)
}

// upsertLocked stores a rule, keeping definition order: new ids append,
// replacements keep their slot. Evaluation walks this order.
func (e *Engine) upsertLocked(r Rule) {
	if _, ok := e.rules[r.RuleID]; !ok {
		e.order = append(e.order, r.RuleID)
	}
	e.rules[r.RuleID] = r
}

// Start launches the hourly cooldown sweep.
func (e *Engine) Start() {
	e.cron.Start()
	e.mu.Lock()
	n := len(e.rules)
	e.mu.Unlock()
	log.Printf("[alert] engine started: %d rules", n)
}

// Stop halts the cooldown sweep. In-flight deliveries finish on their
// caller's goroutine.
func (e *Engine) Stop() {
	e.cron.Stop()
}

// EvaluateNode checks every enabled rule against a node's properties,
// in rule-definition order. healthScore supplements the property map
// when the scorer has one; pass nil when it does not. Fired alerts are
// delivered before returning.
func (e *Engine) EvaluateNode(nodeID string, props map[string]any, healthScore *float64) []Alert {
	network, _ := props["network"].(string)
	now := e.now()

	e.mu.Lock()
	var fired []Alert
	for _, id := range e.order {
		rule := e.rules[id]
		if !rule.Enabled {
			continue
		}
		if rule.NetworkFilter != "" && rule.NetworkFilter != network {
			continue
		}
		value, ok := metricValue(rule.Metric, props, healthScore)
		if !ok || !rule.Matches(value) {
			continue
		}
		if !e.cooldownExpiredLocked(nodeID, rule.RuleID, rule.Cooldown, now) {
			continue
		}
		desc := rule.Description
		if desc == "" {
			desc = rule.AlertType
		}
		a := Alert{
			AlertID:   fmt.Sprintf("alert-%d", e.counter.Add(1)),
			RuleID:    rule.RuleID,
			AlertType: rule.AlertType,
			Severity:  rule.Severity,
			NodeID:    nodeID,
			Metric:    rule.Metric,
			Value:     value,
			Threshold: rule.Threshold,
			Message:   fmt.Sprintf("%s: node %s %s=%s", desc, nodeID, rule.Metric, trimFloat(value)),
			Timestamp: now.Unix(),
		}
		e.cooldowns[cooldownKey(nodeID, rule.RuleID)] = now
		e.appendHistoryLocked(a)
		fired = append(fired, a)
	}
	e.mu.Unlock()

	e.deliver(fired)
	return fired
}

// EvaluateOffline fires the absence rule for nodes silent longer than
// threshold. Absence never shows up in node properties, so it runs off
// the connectivity sweep instead of evaluate-on-update. Zero threshold
// takes the default hour.
func (e *Engine) EvaluateOffline(nodes []OfflineCheck, threshold time.Duration) []Alert {
	if threshold <= 0 {
		threshold = DefaultOfflineThreshold
	}
	now := e.now()

	e.mu.Lock()
	var fired []Alert
	for _, n := range nodes {
		if n.LastSeen <= 0 {
			continue
		}
		age := now.Unix() - n.LastSeen
		if float64(age) <= threshold.Seconds() {
			continue
		}
		if !e.cooldownExpiredLocked(n.NodeID, RuleNodeOffline, DefaultCooldown, now) {
			continue
		}
		a := Alert{
			AlertID:   fmt.Sprintf("alert-%d", e.counter.Add(1)),
			RuleID:    RuleNodeOffline,
			AlertType: RuleNodeOffline,
			Severity:  SeverityCritical,
			NodeID:    n.NodeID,
			Metric:    "seconds_since_seen",
			Value:     float64(age),
			Threshold: threshold.Seconds(),
			Message:   fmt.Sprintf("Node %s offline, last seen %ds ago", n.NodeID, age),
			Timestamp: now.Unix(),
		}
		e.cooldowns[cooldownKey(n.NodeID, RuleNodeOffline)] = now
		e.appendHistoryLocked(a)
		fired = append(fired, a)
	}
	e.mu.Unlock()

	e.deliver(fired)
	return fired
}

func (e *Engine) cooldownExpiredLocked(nodeID, ruleID string, cooldown int, now time.Time) bool {
	last, ok := e.cooldowns[cooldownKey(nodeID, ruleID)]
	if !ok {
		return true
	}
	return now.Sub(last) >= time.Duration(cooldown)*time.Second
}

func (e *Engine) appendHistoryLocked(a Alert) {
	e.history = append(e.history, a)
	if len(e.history) > e.maxHistory {
		e.history = e.history[len(e.history)-e.maxHistory:]
	}
}

// deliver walks the delivery chain for each alert. Channels are
// independent: one failing never blocks the rest.
func (e *Engine) deliver(alerts []Alert) {
	for _, a := range alerts {
		log.Printf("[alert] fired %s: %s", a.AlertID, a.Message)
		if e.onAlert != nil {
			e.onAlert(a)
		}
		payload, err := json.Marshal(a)
		if err != nil {
			log.Printf("[alert] marshal %s: %v", a.AlertID, err)
			continue
		}
		if e.broker != nil && e.baseTopic != "" {
			for _, topic := range []string{e.baseTopic, e.baseTopic + "/" + a.Severity} {
				if err := e.broker.Publish(topic, payload); err != nil {
					log.Printf("[alert] publish %s: %v", topic, err)
				}
			}
		}
		if e.webhookURL != "" {
			if err := e.postWebhook(payload); err != nil {
				log.Printf("[alert] webhook: %v", err)
			}
		}
		if e.bus != nil {
			e.bus.Publish(bus.NodeEvent(bus.AlertFired, a.NodeID, map[string]any{
				"alert_id":   a.AlertID,
				"rule_id":    a.RuleID,
				"alert_type": a.AlertType,
				"severity":   a.Severity,
				"metric":     a.Metric,
				"value":      a.Value,
				"threshold":  a.Threshold,
				"message":    a.Message,
			}))
		}
	}
}

func (e *Engine) postWebhook(payload []byte) error {
	resp, err := e.httpc.Post(e.webhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

// Acknowledge marks an alert acknowledged. Unknown ids return false;
// acknowledging twice is a no-op that still reports true.
func (e *Engine) Acknowledge(alertID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.history {
		if e.history[i].AlertID == alertID {
			e.history[i].Acknowledged = true
			return true
		}
	}
	return false
}

// ActiveAlerts returns unacknowledged alerts, newest first.
func (e *Engine) ActiveAlerts() []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Alert
	for i := len(e.history) - 1; i >= 0; i-- {
		if !e.history[i].Acknowledged {
			out = append(out, e.history[i])
		}
	}
	return out
}

// History returns recent alerts, newest first, optionally filtered by
// severity and node. Non-positive limits take 50.
func (e *Engine) History(limit int, severity, nodeID string) []Alert {
	if limit <= 0 {
		limit = 50
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Alert
	for i := len(e.history) - 1; i >= 0 && len(out) < limit; i-- {
		a := e.history[i]
		if severity != "" && a.Severity != severity {
			continue
		}
		if nodeID != "" && a.NodeID != nodeID {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Summary aggregates rule and alert counts for the status API.
// BySeverity and ByType cover unacknowledged alerts only.
type Summary struct {
	TotalRules   int            `json:"total_rules"`
	EnabledRules int            `json:"enabled_rules"`
	TotalFired   int64          `json:"total_alerts_fired"`
	ActiveAlerts int            `json:"active_alerts"`
	HistorySize  int            `json:"history_size"`
	Last24h      int            `json:"alerts_last_24h"`
	BySeverity   map[string]int `json:"by_severity"`
	ByType       map[string]int `json:"by_type"`
}

// Summary snapshots engine state.
func (e *Engine) Summary() Summary {
	dayAgo := e.now().Add(-24 * time.Hour).Unix()

	e.mu.Lock()
	defer e.mu.Unlock()
	s := Summary{
		TotalRules:  len(e.rules),
		TotalFired:  e.counter.Load(),
		HistorySize: len(e.history),
		BySeverity:  make(map[string]int),
		ByType:      make(map[string]int),
	}
	for _, r := range e.rules {
		if r.Enabled {
			s.EnabledRules++
		}
	}
	for _, a := range e.history {
		if a.Timestamp >= dayAgo {
			s.Last24h++
		}
		if a.Acknowledged {
			continue
		}
		s.ActiveAlerts++
		s.BySeverity[a.Severity]++
		s.ByType[a.AlertType]++
	}
	return s
}

// AddRule registers or replaces a rule. Blank ids get a generated one;
// the stored rule is returned.
func (e *Engine) AddRule(r Rule) (Rule, error) {
	r = withDefaults(r)
	if err := r.validate(); err != nil {
		return Rule{}, fmt.Errorf("alert: rule %s: %w", r.RuleID, err)
	}
	e.mu.Lock()
	e.upsertLocked(r)
	e.mu.Unlock()
	log.Printf("[alert] rule %s: %s %s %s", r.RuleID, r.Metric, r.Operator, trimFloat(r.Threshold))
	return r, nil
}

// RemoveRule drops a rule, reporting whether it existed.
func (e *Engine) RemoveRule(ruleID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rules[ruleID]; !ok {
		return false
	}
	delete(e.rules, ruleID)
	for i, id := range e.order {
		if id == ruleID {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	return true
}

// Rule fetches one rule by id.
func (e *Engine) Rule(ruleID string) (Rule, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rules[ruleID]
	return r, ok
}

// Rules lists all rules sorted by id.
func (e *Engine) Rules() []Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Rule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RuleID < out[j].RuleID })
	return out
}

// EnableRule turns a rule on, reporting whether it exists.
func (e *Engine) EnableRule(ruleID string) bool { return e.setEnabled(ruleID, true) }

// DisableRule turns a rule off, reporting whether it exists.
func (e *Engine) DisableRule(ruleID string) bool { return e.setEnabled(ruleID, false) }

func (e *Engine) setEnabled(ruleID string, enabled bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rules[ruleID]
	if !ok {
		return false
	}
	r.Enabled = enabled
	e.rules[ruleID] = r
	return true
}

// ClearCooldowns wipes suppression state so the next evaluation can
// fire immediately. Returns how many entries were dropped.
func (e *Engine) ClearCooldowns() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.cooldowns)
	e.cooldowns = make(map[string]time.Time)
	return n
}

// cleanupCooldowns drops entries that have not refired in a day. Nodes
// that left the mesh would otherwise pin map entries forever.
func (e *Engine) cleanupCooldowns() {
	cutoff := e.now().Add(-cooldownMaxAge)
	e.mu.Lock()
	removed := 0
	for k, t := range e.cooldowns {
		if t.Before(cutoff) {
			delete(e.cooldowns, k)
			removed++
		}
	}
	e.mu.Unlock()
	if removed > 0 {
		log.Printf("[alert] dropped %d stale cooldowns", removed)
	}
}

func cooldownKey(nodeID, ruleID string) string { return nodeID + ":" + ruleID }

// metricValue resolves a rule metric. health_score comes from the
// scorer; everything else is a property lookup with float coercion.
func metricValue(metric string, props map[string]any, healthScore *float64) (float64, bool) {
	if metric == "health_score" && healthScore != nil {
		return *healthScore, true
	}
	v, ok := props[metric]
	if !ok {
		return 0, false
	}
	return toFloat(v)
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint32:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// trimFloat renders a metric value without trailing zeros.
func trimFloat(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
