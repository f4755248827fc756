package alert

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/meshforge/meshforge-maps/internal/bus"
)

var testStart = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

type testClock struct {
	t time.Time
}

func (c *testClock) now() time.Time { return c.t }

func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestEngine(opts Options) (*Engine, *testClock) {
	clock := &testClock{t: testStart}
	opts.Now = clock.now
	return NewEngine(opts), clock
}

type fakeBroker struct {
	topics   []string
	payloads [][]byte
	err      error
}

func (b *fakeBroker) Publish(topic string, payload []byte) error {
	if b.err != nil {
		return b.err
	}
	b.topics = append(b.topics, topic)
	b.payloads = append(b.payloads, payload)
	return nil
}

// --- evaluation ---

func TestDefaultRulesFire(t *testing.T) {
	e, _ := newTestEngine(Options{})

	fired := e.EvaluateNode("!aaa", map[string]any{"network": "meshtastic", "battery": 15.0}, nil)
	if len(fired) != 1 {
		t.Fatalf("fired = %d alerts, want 1", len(fired))
	}
	a := fired[0]
	if a.AlertID != "alert-1" || a.RuleID != "battery_low" || a.Severity != SeverityWarning {
		t.Fatalf("unexpected alert %+v", a)
	}
	if a.Value != 15 || a.Threshold != 20 || a.Metric != "battery" {
		t.Fatalf("unexpected alert fields %+v", a)
	}
	if want := "Battery level is low (<=20%): node !aaa battery=15"; a.Message != want {
		t.Fatalf("message = %q, want %q", a.Message, want)
	}
	if a.Timestamp != testStart.Unix() {
		t.Fatalf("timestamp = %d, want %d", a.Timestamp, testStart.Unix())
	}

	// Critical battery trips both battery rules, in definition order.
	fired = e.EvaluateNode("!bbb", map[string]any{"battery": 5.0}, nil)
	if len(fired) != 2 {
		t.Fatalf("fired = %d alerts, want 2", len(fired))
	}
	if fired[0].RuleID != "battery_low" || fired[1].RuleID != "battery_critical" {
		t.Fatalf("rule order = %s, %s", fired[0].RuleID, fired[1].RuleID)
	}
}

func TestBatteryCriticalBoundary(t *testing.T) {
	e, _ := newTestEngine(Options{})

	if fired := e.EvaluateNode("!aaa", map[string]any{"battery": 5.0}, nil); len(fired) != 2 {
		t.Fatalf("battery 5 fired %d alerts, want 2", len(fired))
	}
	fired := e.EvaluateNode("!bbb", map[string]any{"battery": 5.01}, nil)
	if len(fired) != 1 || fired[0].RuleID != "battery_low" {
		t.Fatalf("battery 5.01 fired %d alerts, want battery_low only", len(fired))
	}
}

func TestRuleMatches(t *testing.T) {
	cases := []struct {
		op    string
		value float64
		want  bool
	}{
		{OpLT, 9.5, true},
		{OpLT, 10, false},
		{OpLTE, 10, true},
		{OpLTE, 10.001, false},
		{OpGT, 10.001, true},
		{OpGT, 10, false},
		{OpGTE, 10, true},
		{OpGTE, 9.999, false},
		{OpEQ, 10, true},
		{OpEQ, 10.0000000001, true},
		{OpEQ, 10.00001, false},
		{"between", 10, false},
	}
	for _, tc := range cases {
		r := Rule{Operator: tc.op, Threshold: 10}
		if got := r.Matches(tc.value); got != tc.want {
			t.Errorf("%s %v vs 10 = %v, want %v", tc.op, tc.value, got, tc.want)
		}
	}
}

func TestCooldownSuppressesRefire(t *testing.T) {
	e, clock := newTestEngine(Options{})
	props := map[string]any{"battery": 15.0}

	if fired := e.EvaluateNode("!aaa", props, nil); len(fired) != 1 {
		t.Fatalf("first evaluation fired %d alerts", len(fired))
	}
	clock.advance(599 * time.Second)
	if fired := e.EvaluateNode("!aaa", props, nil); len(fired) != 0 {
		t.Fatalf("refire inside cooldown: %+v", fired)
	}
	clock.advance(1 * time.Second)
	if fired := e.EvaluateNode("!aaa", props, nil); len(fired) != 1 {
		t.Fatalf("cooldown expiry did not refire")
	}
}

func TestCooldownIsPerNode(t *testing.T) {
	e, _ := newTestEngine(Options{})
	props := map[string]any{"battery": 15.0}

	e.EvaluateNode("!aaa", props, nil)
	if fired := e.EvaluateNode("!bbb", props, nil); len(fired) != 1 {
		t.Fatalf("second node suppressed by first node's cooldown")
	}
}

func TestNetworkFilter(t *testing.T) {
	rule := Rule{
		RuleID:        "aredn_load",
		Metric:        "load_average",
		Operator:      OpGTE,
		Threshold:     4,
		Severity:      SeverityWarning,
		NetworkFilter: "aredn",
		Enabled:       true,
	}
	e, _ := newTestEngine(Options{Rules: []Rule{rule}})

	if fired := e.EvaluateNode("!aaa", map[string]any{"network": "meshtastic", "load_average": 9.0}, nil); len(fired) != 0 {
		t.Fatalf("rule fired for wrong network: %+v", fired)
	}
	if fired := e.EvaluateNode("node1", map[string]any{"network": "aredn", "load_average": 9.0}, nil); len(fired) != 1 {
		t.Fatalf("rule did not fire for matching network")
	}
}

func TestMissingAndUncoercibleMetricsSkip(t *testing.T) {
	e, _ := newTestEngine(Options{})

	if fired := e.EvaluateNode("!aaa", map[string]any{"name": "Base"}, nil); len(fired) != 0 {
		t.Fatalf("fired with no metrics present: %+v", fired)
	}
	if fired := e.EvaluateNode("!aaa", map[string]any{"battery": []int{1}}, nil); len(fired) != 0 {
		t.Fatalf("fired on uncoercible value: %+v", fired)
	}
	// Numeric strings coerce.
	if fired := e.EvaluateNode("!aaa", map[string]any{"battery": " 15 "}, nil); len(fired) != 1 {
		t.Fatalf("numeric string did not coerce")
	}
}

func TestHealthScoreFromScorer(t *testing.T) {
	e, _ := newTestEngine(Options{})

	score := 15.0
	fired := e.EvaluateNode("!aaa", map[string]any{"name": "Base"}, &score)
	if len(fired) != 1 || fired[0].RuleID != "health_degraded" {
		t.Fatalf("fired = %+v, want health_degraded", fired)
	}
	if fired[0].Value != 15 {
		t.Fatalf("value = %v, want 15", fired[0].Value)
	}
}

// --- absence ---

func TestEvaluateOffline(t *testing.T) {
	e, clock := newTestEngine(Options{})
	now := testStart.Unix()

	nodes := []OfflineCheck{
		{NodeID: "!aaa", LastSeen: now - 3700},
		{NodeID: "!bbb", LastSeen: now - 3600}, // exactly at the threshold
		{NodeID: "!ccc", LastSeen: 0},          // never seen
	}
	fired := e.EvaluateOffline(nodes, 0)
	if len(fired) != 1 {
		t.Fatalf("fired = %d alerts, want 1", len(fired))
	}
	a := fired[0]
	if a.RuleID != RuleNodeOffline || a.Severity != SeverityCritical || a.Metric != "seconds_since_seen" {
		t.Fatalf("unexpected alert %+v", a)
	}
	if a.Value != 3700 || a.Threshold != 3600 {
		t.Fatalf("value/threshold = %v/%v", a.Value, a.Threshold)
	}
	if want := "Node !aaa offline, last seen 3700s ago"; a.Message != want {
		t.Fatalf("message = %q, want %q", a.Message, want)
	}

	// Still down: the cooldown holds the repeat back.
	if fired := e.EvaluateOffline(nodes, 0); len(fired) != 0 {
		t.Fatalf("offline refired inside cooldown: %+v", fired)
	}
	clock.advance(10 * time.Minute)
	if fired := e.EvaluateOffline(nodes, 0); len(fired) != 2 {
		t.Fatalf("after cooldown fired %d alerts, want 2", len(fired))
	}

	// Larger thresholds hold the absence rule back.
	e2, _ := newTestEngine(Options{})
	if fired := e2.EvaluateOffline([]OfflineCheck{{NodeID: "!ddd", LastSeen: now - 5000}}, 2*time.Hour); len(fired) != 0 {
		t.Fatalf("5000s quiet fired against a 7200s threshold")
	}
}

// --- delivery ---

func TestDeliveryChainFanout(t *testing.T) {
	var hookAlerts []Alert
	broker := &fakeBroker{}

	var webhookBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		webhookBody, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	b := bus.New()
	var events []bus.Event
	b.Subscribe(bus.AlertFired, func(ev bus.Event) { events = append(events, ev) })

	e, _ := newTestEngine(Options{
		OnAlert:    func(a Alert) { hookAlerts = append(hookAlerts, a) },
		Broker:     broker,
		BaseTopic:  "meshforge/alerts",
		WebhookURL: srv.URL,
		Bus:        b,
	})

	if fired := e.EvaluateNode("!aaa", map[string]any{"battery": 15.0}, nil); len(fired) != 1 {
		t.Fatalf("fired = %d", len(fired))
	}
	if len(hookAlerts) != 1 || hookAlerts[0].AlertID != "alert-1" {
		t.Fatalf("local callback missed the alert: %+v", hookAlerts)
	}
	wantTopics := []string{"meshforge/alerts", "meshforge/alerts/warning"}
	if !reflect.DeepEqual(broker.topics, wantTopics) {
		t.Fatalf("topics = %v, want %v", broker.topics, wantTopics)
	}
	var posted Alert
	if err := json.Unmarshal(webhookBody, &posted); err != nil {
		t.Fatalf("webhook body: %v", err)
	}
	if posted.AlertID != "alert-1" || posted.NodeID != "!aaa" {
		t.Fatalf("webhook alert = %+v", posted)
	}
	if len(events) != 1 || events[0].Data["node_id"] != "!aaa" || events[0].Data["severity"] != "warning" {
		t.Fatalf("bus event = %+v", events)
	}
}

func TestBrokerFailureIsolated(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits++ }))
	defer srv.Close()

	e, _ := newTestEngine(Options{
		Broker:     &fakeBroker{err: errors.New("broker down")},
		BaseTopic:  "meshforge/alerts",
		WebhookURL: srv.URL,
	})
	if fired := e.EvaluateNode("!aaa", map[string]any{"battery": 15.0}, nil); len(fired) != 1 {
		t.Fatalf("alert not fired")
	}
	if hits != 1 {
		t.Fatalf("webhook skipped after broker failure: hits=%d", hits)
	}
}

// --- bookkeeping ---

func TestAcknowledge(t *testing.T) {
	e, _ := newTestEngine(Options{})
	e.EvaluateNode("!aaa", map[string]any{"battery": 15.0}, nil)

	if active := e.ActiveAlerts(); len(active) != 1 {
		t.Fatalf("active = %d, want 1", len(active))
	}
	if !e.Acknowledge("alert-1") {
		t.Fatalf("acknowledge returned false for known id")
	}
	if active := e.ActiveAlerts(); len(active) != 0 {
		t.Fatalf("acknowledged alert still active")
	}
	if !e.Acknowledge("alert-1") {
		t.Fatalf("second acknowledge must stay true")
	}
	if e.Acknowledge("alert-999") {
		t.Fatalf("acknowledge invented an alert")
	}
}

func TestHistoryBoundedAndFiltered(t *testing.T) {
	e, _ := newTestEngine(Options{MaxHistory: 5})

	for i := 0; i < 8; i++ {
		node := fmt.Sprintf("!node%02d", i)
		if fired := e.EvaluateNode(node, map[string]any{"battery": 15.0}, nil); len(fired) != 1 {
			t.Fatalf("node %s did not fire", node)
		}
	}
	all := e.History(50, "", "")
	if len(all) != 5 {
		t.Fatalf("history = %d entries, want 5", len(all))
	}
	if all[0].NodeID != "!node07" || all[4].NodeID != "!node03" {
		t.Fatalf("history order: first %s last %s", all[0].NodeID, all[4].NodeID)
	}
	if got := e.History(2, "", ""); len(got) != 2 || got[0].NodeID != "!node07" {
		t.Fatalf("limit 2 = %+v", got)
	}
	if got := e.History(50, "", "!node05"); len(got) != 1 || got[0].NodeID != "!node05" {
		t.Fatalf("node filter = %+v", got)
	}
	if got := e.History(50, SeverityCritical, ""); len(got) != 0 {
		t.Fatalf("severity filter found critical alerts: %+v", got)
	}
}

func TestSummary(t *testing.T) {
	e, clock := newTestEngine(Options{})

	e.EvaluateNode("!aaa", map[string]any{"battery": 15.0}, nil)
	e.EvaluateNode("!bbb", map[string]any{"battery": 4.0}, nil) // low then critical
	e.Acknowledge("alert-3")

	s := e.Summary()
	if s.TotalRules != 5 || s.EnabledRules != 5 {
		t.Fatalf("rules = %d/%d, want 5/5", s.EnabledRules, s.TotalRules)
	}
	if s.TotalFired != 3 || s.HistorySize != 3 || s.ActiveAlerts != 2 {
		t.Fatalf("counts = %+v", s)
	}
	if !reflect.DeepEqual(s.BySeverity, map[string]int{"warning": 2}) {
		t.Fatalf("by severity = %v", s.BySeverity)
	}
	if !reflect.DeepEqual(s.ByType, map[string]int{"battery_low": 2}) {
		t.Fatalf("by type = %v", s.ByType)
	}
	if s.Last24h != 3 {
		t.Fatalf("last 24h = %d, want 3", s.Last24h)
	}

	// A day on, only fresh alerts count toward the rolling window.
	clock.advance(25 * time.Hour)
	e.EvaluateNode("!ccc", map[string]any{"battery": 15.0}, nil)
	s = e.Summary()
	if s.Last24h != 1 || s.TotalFired != 4 {
		t.Fatalf("rolling day = %d fired = %d", s.Last24h, s.TotalFired)
	}
}

func TestClearAndSweepCooldowns(t *testing.T) {
	e, clock := newTestEngine(Options{})

	e.EvaluateNode("!aaa", map[string]any{"battery": 15.0}, nil)
	if n := e.ClearCooldowns(); n != 1 {
		t.Fatalf("cleared %d cooldowns, want 1", n)
	}
	if fired := e.EvaluateNode("!aaa", map[string]any{"battery": 15.0}, nil); len(fired) != 1 {
		t.Fatalf("cleared cooldown still suppressing")
	}

	// The hourly sweep drops entries quiet for a day.
	clock.advance(25 * time.Hour)
	e.cleanupCooldowns()
	if n := e.ClearCooldowns(); n != 0 {
		t.Fatalf("sweep left %d entries", n)
	}
}

// --- rules ---

func TestRuleCRUD(t *testing.T) {
	e, _ := newTestEngine(Options{})

	added, err := e.AddRule(Rule{Metric: "temperature", Operator: OpGT, Threshold: 45, Severity: SeverityCritical})
	if err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	if added.RuleID == "" || added.AlertType != added.RuleID || added.Cooldown != DefaultCooldown {
		t.Fatalf("defaults not applied: %+v", added)
	}
	if _, err := e.AddRule(Rule{RuleID: "bad", Metric: "x", Operator: "between", Severity: SeverityInfo}); err == nil {
		t.Fatalf("invalid operator accepted")
	}

	if got, ok := e.Rule("battery_low"); !ok || got.Threshold != 20 {
		t.Fatalf("Rule lookup = %+v, %v", got, ok)
	}
	if !e.DisableRule("battery_low") {
		t.Fatalf("DisableRule returned false")
	}
	if fired := e.EvaluateNode("!aaa", map[string]any{"battery": 15.0}, nil); len(fired) != 0 {
		t.Fatalf("disabled rule fired: %+v", fired)
	}
	if !e.EnableRule("battery_low") {
		t.Fatalf("EnableRule returned false")
	}
	if fired := e.EvaluateNode("!aaa", map[string]any{"battery": 15.0}, nil); len(fired) != 1 {
		t.Fatalf("re-enabled rule stayed quiet")
	}

	if !e.RemoveRule("battery_low") || e.RemoveRule("battery_low") {
		t.Fatalf("RemoveRule bookkeeping wrong")
	}
	if e.EnableRule("no_such_rule") {
		t.Fatalf("EnableRule invented a rule")
	}

	rules := e.Rules()
	for i := 1; i < len(rules); i++ {
		if rules[i-1].RuleID > rules[i].RuleID {
			t.Fatalf("rules not sorted: %s > %s", rules[i-1].RuleID, rules[i].RuleID)
		}
	}
}

func TestYAMLRulesOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alert_rules.yaml")
	doc := `rules:
  - rule_id: battery_low
    metric: battery
    operator: lte
    threshold: 30
    severity: warning
    cooldown: 300
  - metric: temperature
    operator: gt
    threshold: 45
    severity: critical
    description: Enclosure running hot
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}

	e, _ := newTestEngine(Options{RulesPath: path})
	if got := len(e.Rules()); got != 6 {
		t.Fatalf("rule count = %d, want 6", got)
	}
	r, ok := e.Rule("battery_low")
	if !ok || r.Threshold != 30 || r.Cooldown != 300 {
		t.Fatalf("override not applied: %+v", r)
	}
	// Battery 25 clears the stock threshold but trips the override.
	if fired := e.EvaluateNode("!aaa", map[string]any{"battery": 25.0}, nil); len(fired) != 1 {
		t.Fatalf("overridden threshold did not fire")
	}

	var custom Rule
	for _, r := range e.Rules() {
		if r.Metric == "temperature" {
			custom = r
		}
	}
	if custom.RuleID == "" || !custom.Enabled || custom.Cooldown != DefaultCooldown {
		t.Fatalf("generated rule = %+v", custom)
	}
	if fired := e.EvaluateNode("!bbb", map[string]any{"temperature": 50.0}, nil); len(fired) != 1 || fired[0].AlertType != custom.RuleID {
		t.Fatalf("custom rule did not fire: %+v", fired)
	}
}

func TestMissingRulesFileKeepsDefaults(t *testing.T) {
	e, _ := newTestEngine(Options{RulesPath: filepath.Join(t.TempDir(), "absent.yaml")})
	if got := len(e.Rules()); got != 5 {
		t.Fatalf("rule count = %d, want 5", got)
	}
}

func TestLoadRulesRejectsBadEntries(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("rules:\n  - metric: x\n    operator: between\n    severity: info\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadRules(bad); err == nil || !strings.Contains(err.Error(), "operator") {
		t.Fatalf("bad operator accepted: %v", err)
	}

	mangled := filepath.Join(dir, "mangled.yaml")
	if err := os.WriteFile(mangled, []byte("rules: ["), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadRules(mangled); err == nil {
		t.Fatalf("mangled yaml accepted")
	}
}

func TestEngineDefaults(t *testing.T) {
	e, _ := newTestEngine(Options{})
	if e.maxHistory != DefaultMaxHistory {
		t.Fatalf("maxHistory = %d", e.maxHistory)
	}
	if e.httpc.Timeout != 10*time.Second {
		t.Fatalf("webhook timeout = %s", e.httpc.Timeout)
	}
}
