// Package bus implements the synchronous in-process event bus that
// links the subscriber, aggregator, alerting, history, and WebSocket
// layers.
package bus

import (
	"log"
	"sync"
	"time"
)

// EventType enumerates the published event kinds.
type EventType string

const (
	NodePosition    EventType = "node.position"
	NodeInfo        EventType = "node.info"
	NodeTelemetry   EventType = "node.telemetry"
	NodeTopology    EventType = "node.topology"
	ServiceUp       EventType = "service.up"
	ServiceDown     EventType = "service.down"
	ServiceDegraded EventType = "service.degraded"
	AlertFired      EventType = "alert.fired"

	// Wildcard subscribers receive every event.
	Wildcard EventType = "*"
)

// Event is one published occurrence. Data is schemaless so each
// producer can attach its own payload; consumers that need typed
// access re-marshal or read known keys.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp int64          `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent stamps an event with the current time.
func NewEvent(t EventType, data map[string]any) Event {
	return Event{Type: t, Timestamp: time.Now().Unix(), Data: data}
}

// NodeEvent builds a node-scoped event; node_id is always present in
// the payload.
func NodeEvent(t EventType, nodeID string, data map[string]any) Event {
	if data == nil {
		data = map[string]any{}
	}
	data["node_id"] = nodeID
	return NewEvent(t, data)
}

// ServiceEvent builds a service-transition event.
func ServiceEvent(t EventType, service, message string) Event {
	return NewEvent(t, map[string]any{"service": service, "message": message})
}

// Handler consumes one event. Handlers run synchronously on the
// publisher's goroutine and must not block.
type Handler func(Event)

// Stats are the bus delivery counters.
type Stats struct {
	TotalPublished int64          `json:"total_published"`
	TotalDelivered int64          `json:"total_delivered"`
	TotalErrors    int64          `json:"total_errors"`
	Subscribers    map[string]int `json:"subscribers"`
}

type subscription struct {
	token int
	fn    Handler
}

// Bus is a synchronous pub/sub keyed by event type.
type Bus struct {
	mu        sync.Mutex
	nextToken int
	subs      map[EventType][]subscription
	tokenType map[int]EventType

	totalPublished int64
	totalDelivered int64
	totalErrors    int64
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{
		subs:      make(map[EventType][]subscription),
		tokenType: make(map[int]EventType),
	}
}

// Subscribe registers fn for events of type t (Wildcard for all).
// The returned token unsubscribes.
func (b *Bus) Subscribe(t EventType, fn Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextToken++
	token := b.nextToken
	b.subs[t] = append(b.subs[t], subscription{token: token, fn: fn})
	b.tokenType[token] = t
	return token
}

// SubscribeAll registers fn for every event type.
func (b *Bus) SubscribeAll(fn Handler) int {
	return b.Subscribe(Wildcard, fn)
}

// Unsubscribe removes the subscription for token. Unknown tokens are
// ignored.
func (b *Bus) Unsubscribe(token int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tokenType[token]
	if !ok {
		return
	}
	delete(b.tokenType, token)
	list := b.subs[t]
	for i, s := range list {
		if s.token == token {
			b.subs[t] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[t]) == 0 {
		delete(b.subs, t)
	}
}

// Publish delivers ev to every matching subscriber plus wildcard
// subscribers. The delivery set is snapshotted once, so subscribing or
// unsubscribing from inside a handler affects later publishes only.
// A panicking handler is logged and counted but never stops delivery.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	b.totalPublished++
	targets := make([]subscription, 0, len(b.subs[ev.Type])+len(b.subs[Wildcard]))
	targets = append(targets, b.subs[ev.Type]...)
	if ev.Type != Wildcard {
		targets = append(targets, b.subs[Wildcard]...)
	}
	b.mu.Unlock()

	var delivered, failed int64
	for _, s := range targets {
		if deliver(s.fn, ev) {
			delivered++
		} else {
			failed++
		}
	}

	b.mu.Lock()
	b.totalDelivered += delivered
	b.totalErrors += failed
	b.mu.Unlock()
}

func deliver(fn Handler, ev Event) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[bus] subscriber panic on %s: %v", ev.Type, r)
			ok = false
		}
	}()
	fn(ev)
	return true
}

// Stats returns a snapshot of the counters and per-type subscriber
// counts.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := make(map[string]int, len(b.subs))
	for t, list := range b.subs {
		subs[string(t)] = len(list)
	}
	return Stats{
		TotalPublished: b.totalPublished,
		TotalDelivered: b.totalDelivered,
		TotalErrors:    b.totalErrors,
		Subscribers:    subs,
	}
}

// ResetStats zeroes the counters in place; subscriptions are kept.
func (b *Bus) ResetStats() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalPublished = 0
	b.totalDelivered = 0
	b.totalErrors = 0
}

// Reset drops every subscription so a restarting owner cannot leak
// handlers into its next generation. Counters survive the reset.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[EventType][]subscription)
	b.tokenType = make(map[int]EventType)
}
