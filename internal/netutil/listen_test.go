package netutil

import (
	"net"
	"strconv"
	"testing"
)

func TestListenWithFallback_PreferredPortFree(t *testing.T) {
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("probe listen: %v", err)
	}
	base := probe.Addr().(*net.TCPAddr).Port
	probe.Close()

	ln, port, err := ListenWithFallback("127.0.0.1", base)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer ln.Close()
	if port != base {
		t.Fatalf("port: got %d, want %d", port, base)
	}
}

func TestListenWithFallback_AdjacentPortUsed(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("occupy listen: %v", err)
	}
	defer occupied.Close()
	base := occupied.Addr().(*net.TCPAddr).Port

	ln, port, err := ListenWithFallback("127.0.0.1", base)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer ln.Close()
	if port <= base || port >= base+PortAttempts {
		t.Fatalf("port: got %d, want within (%d, %d)", port, base, base+PortAttempts)
	}
}

func TestListenWithFallback_AllPortsBusy(t *testing.T) {
	// Occupy a contiguous range so every fallback attempt fails.
	var listeners []net.Listener
	t.Cleanup(func() {
		for _, ln := range listeners {
			ln.Close()
		}
	})

	first, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	listeners = append(listeners, first)
	base := first.Addr().(*net.TCPAddr).Port

	for offset := 1; offset < PortAttempts; offset++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
		listeners = append(listeners, ln)
	}

	// The ephemeral ports above are not guaranteed contiguous; rebind
	// them onto base..base+4 explicitly, skipping any that fail.
	for i, ln := range listeners[1:] {
		ln.Close()
		want := base + i + 1
		reb, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(want)))
		if err != nil {
			t.Skipf("port %d not reservable on this host", want)
		}
		listeners[i+1] = reb
	}

	_, _, err = ListenWithFallback("127.0.0.1", base)
	if err == nil {
		t.Fatal("expected bind failure with all ports busy")
	}
}
