package bus

import (
	"sync"
	"testing"
)

func TestPublishReachesTypeAndWildcard(t *testing.T) {
	b := New()
	var typed, wild []EventType

	b.Subscribe(NodePosition, func(ev Event) { typed = append(typed, ev.Type) })
	b.SubscribeAll(func(ev Event) { wild = append(wild, ev.Type) })

	b.Publish(NodeEvent(NodePosition, "ab12", map[string]any{"latitude": 35.0}))
	b.Publish(ServiceEvent(ServiceDown, "aredn", "fetch failed"))

	if len(typed) != 1 || typed[0] != NodePosition {
		t.Fatalf("typed subscriber got %v", typed)
	}
	if len(wild) != 2 {
		t.Fatalf("wildcard subscriber got %d events, want 2", len(wild))
	}
}

func TestNodeEventCarriesNodeID(t *testing.T) {
	b := New()
	var got Event
	b.Subscribe(NodeTelemetry, func(ev Event) { got = ev })

	b.Publish(NodeEvent(NodeTelemetry, "deadbeef", map[string]any{"battery": 42}))

	if got.Data["node_id"] != "deadbeef" {
		t.Fatalf("node_id missing from payload: %v", got.Data)
	}
	if got.Timestamp == 0 {
		t.Fatal("timestamp not stamped")
	}
}

func TestPanickingSubscriberDoesNotBlockOthers(t *testing.T) {
	b := New()
	delivered := 0

	b.Subscribe(AlertFired, func(Event) { panic("boom") })
	b.Subscribe(AlertFired, func(Event) { delivered++ })
	b.Subscribe(AlertFired, func(Event) { delivered++ })

	b.Publish(NewEvent(AlertFired, nil))

	if delivered != 2 {
		t.Fatalf("delivered = %d, want 2", delivered)
	}
	s := b.Stats()
	if s.TotalErrors != 1 {
		t.Fatalf("TotalErrors = %d, want 1", s.TotalErrors)
	}
	if s.TotalDelivered != 2 {
		t.Fatalf("TotalDelivered = %d, want 2", s.TotalDelivered)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	calls := 0
	token := b.Subscribe(ServiceUp, func(Event) { calls++ })

	b.Publish(ServiceEvent(ServiceUp, "hamclock", "ok"))
	b.Unsubscribe(token)
	b.Publish(ServiceEvent(ServiceUp, "hamclock", "ok"))
	b.Unsubscribe(token) // second call is a no-op

	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestSubscribeDuringPublishAffectsLaterOnly(t *testing.T) {
	b := New()
	lateCalls := 0

	b.Subscribe(NodeInfo, func(Event) {
		b.Subscribe(NodeInfo, func(Event) { lateCalls++ })
	})

	b.Publish(NewEvent(NodeInfo, nil))
	if lateCalls != 0 {
		t.Fatal("subscriber added mid-publish received the same event")
	}
	b.Publish(NewEvent(NodeInfo, nil))
	if lateCalls != 1 {
		t.Fatalf("late subscriber calls = %d, want 1", lateCalls)
	}
}

func TestStatsAndReset(t *testing.T) {
	b := New()
	b.Subscribe(NodePosition, func(Event) {})
	b.Subscribe(NodePosition, func(Event) {})

	b.Publish(NewEvent(NodePosition, nil))
	s := b.Stats()
	if s.TotalPublished != 1 || s.TotalDelivered != 2 {
		t.Fatalf("stats = %+v", s)
	}
	if s.Subscribers[string(NodePosition)] != 2 {
		t.Fatalf("subscriber count = %+v", s.Subscribers)
	}

	b.ResetStats()
	s = b.Stats()
	if s.TotalPublished != 0 || s.TotalDelivered != 0 || s.TotalErrors != 0 {
		t.Fatalf("stats after reset = %+v", s)
	}
	if s.Subscribers[string(NodePosition)] != 2 {
		t.Fatal("reset must keep subscriptions")
	}
}

func TestResetDropsSubscribersKeepsCounters(t *testing.T) {
	b := New()
	b.Subscribe(NodePosition, func(Event) {})
	b.Publish(NewEvent(NodePosition, nil))

	b.Reset()
	s := b.Stats()
	if s.TotalPublished != 1 || s.TotalDelivered != 1 {
		t.Fatalf("counters must survive a reset, got %+v", s)
	}
	if len(s.Subscribers) != 0 {
		t.Fatalf("subscribers after reset = %+v", s.Subscribers)
	}

	b.Publish(NewEvent(NodePosition, nil))
	if s := b.Stats(); s.TotalDelivered != 1 {
		t.Fatalf("delivery to dropped subscriber, stats %+v", s)
	}
}

func TestConcurrentPublish(t *testing.T) {
	b := New()
	var mu sync.Mutex
	count := 0
	b.SubscribeAll(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Publish(NewEvent(NodeTelemetry, nil))
			}
		}()
	}
	wg.Wait()

	if count != 400 {
		t.Fatalf("deliveries = %d, want 400", count)
	}
	if s := b.Stats(); s.TotalPublished != 400 || s.TotalDelivered != 400 {
		t.Fatalf("stats = %+v", s)
	}
}
