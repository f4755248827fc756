package netutil

import (
	"fmt"
	"log"
	"net"
	"strconv"
)

// PortAttempts is how many adjacent ports a listener tries before
// giving up: the configured port plus four fallbacks.
const PortAttempts = 5

// ListenWithFallback binds host:port, falling back to adjacent ports
// when the preferred one is taken. Returns the listener and the port
// actually bound.
func ListenWithFallback(host string, port int) (net.Listener, int, error) {
	var lastErr error
	for offset := 0; offset < PortAttempts; offset++ {
		p := port + offset
		if p > 65535 {
			break
		}
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(p)))
		if err != nil {
			lastErr = err
			continue
		}
		if offset > 0 {
			log.Printf("[netutil] port %d unavailable, bound %s:%d", port, host, p)
		}
		return ln, p, nil
	}
	return nil, 0, fmt.Errorf("bind %s ports %d-%d: %w", host, port, port+PortAttempts-1, lastErr)
}
