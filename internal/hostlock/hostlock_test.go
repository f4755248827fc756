package hostlock

import (
	"sync"
	"testing"
	"time"
)

func TestAcquireRelease(t *testing.T) {
	m := NewManager()

	lease, ok := m.Acquire("radio.local", 4403, time.Second, "collector")
	if !ok {
		t.Fatal("uncontended acquire failed")
	}

	stats := m.Stats()["radio.local:4403"]
	if stats.Acquisitions != 1 || stats.CurrentlyHeldBy != "collector" {
		t.Fatalf("stats while held = %+v", stats)
	}

	lease.Release()
	stats = m.Stats()["radio.local:4403"]
	if stats.Releases != 1 || stats.CurrentlyHeldBy != "" {
		t.Fatalf("stats after release = %+v", stats)
	}
}

func TestSecondAcquireTimesOutWhileHeld(t *testing.T) {
	m := NewManager()

	lease, ok := m.Acquire("radio.local", 4403, time.Second, "first")
	if !ok {
		t.Fatal("first acquire failed")
	}
	defer lease.Release()

	if _, ok := m.Acquire("radio.local", 4403, 10*time.Millisecond, "second"); ok {
		t.Fatal("second acquire succeeded while lock held")
	}
	if stats := m.Stats()["radio.local:4403"]; stats.Timeouts != 1 {
		t.Fatalf("timeouts = %d, want 1", stats.Timeouts)
	}
}

func TestDistinctHostsDoNotContend(t *testing.T) {
	m := NewManager()

	a, ok := m.Acquire("a.local", 80, time.Second, "x")
	if !ok {
		t.Fatal("acquire a failed")
	}
	defer a.Release()

	b, ok := m.Acquire("b.local", 80, 10*time.Millisecond, "y")
	if !ok {
		t.Fatal("distinct host blocked by unrelated lease")
	}
	b.Release()
}

func TestReleaseIdempotent(t *testing.T) {
	m := NewManager()
	lease, _ := m.Acquire("radio.local", 4403, time.Second, "a")

	lease.Release()
	lease.Release()

	if stats := m.Stats()["radio.local:4403"]; stats.Releases != 1 {
		t.Fatalf("releases = %d, want 1", stats.Releases)
	}
	// The lock must be reacquirable exactly once: a double-release that
	// drained twice would allow two concurrent holders.
	l2, ok := m.Acquire("radio.local", 4403, 10*time.Millisecond, "b")
	if !ok {
		t.Fatal("reacquire after release failed")
	}
	defer l2.Release()
	if _, ok := m.Acquire("radio.local", 4403, 10*time.Millisecond, "c"); ok {
		t.Fatal("double release corrupted the lock")
	}
}

func TestNilLeaseReleaseSafe(t *testing.T) {
	var l *Lease
	l.Release() // must not panic
}

func TestManagersAreIsolated(t *testing.T) {
	m1 := NewManager()
	m2 := NewManager()

	lease, ok := m1.Acquire("radio.local", 4403, time.Second, "m1")
	if !ok {
		t.Fatal("acquire on m1 failed")
	}
	defer lease.Release()

	other, ok := m2.Acquire("radio.local", 4403, 10*time.Millisecond, "m2")
	if !ok {
		t.Fatal("independent manager shared lock state")
	}
	other.Release()
}

func TestContendedHandoff(t *testing.T) {
	m := NewManager()
	const workers = 8

	var mu sync.Mutex
	holders := 0
	maxHolders := 0

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, ok := m.Acquire("radio.local", 4403, 5*time.Second, "worker")
			if !ok {
				t.Error("acquire timed out under contention")
				return
			}
			defer lease.Release()

			mu.Lock()
			holders++
			if holders > maxHolders {
				maxHolders = holders
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			holders--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if maxHolders != 1 {
		t.Fatalf("observed %d concurrent holders, want 1", maxHolders)
	}
	if stats := m.Stats()["radio.local:4403"]; stats.Acquisitions != workers {
		t.Fatalf("acquisitions = %d, want %d", stats.Acquisitions, workers)
	}
}
