// Package ws pushes live map updates to WebSocket clients on a
// dedicated listener. A bounded replay ring catches new clients up
// before they join live traffic.
package ws

import (
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshforge/meshforge-maps/internal/netutil"
)

const (
	// DefaultPort is the WebSocket listener port.
	DefaultPort = 8809

	// DefaultHistorySize is how many recent messages replay to a new
	// client.
	DefaultHistorySize = 50

	writeTimeout = 10 * time.Second

	// sendHeadroom pads each client's queue beyond the replay ring so
	// a fresh client surviving a live burst is not mistaken for a slow
	// one.
	sendHeadroom = 64
)

// Options configures a Broadcaster. Zero values take the defaults.
type Options struct {
	Host        string
	Port        int
	HistorySize int
}

// Stats are the broadcaster counters reported by the status API.
type Stats struct {
	ClientsConnected  int   `json:"clients_connected"`
	TotalConnections  int64 `json:"total_connections"`
	TotalMessagesSent int64 `json:"total_messages_sent"`
	HistorySize       int   `json:"history_size"`
}

type client struct {
	conn   *websocket.Conn
	addr   string
	send   chan []byte
	closed bool
}

// Broadcaster fans JSON messages out to every connected client. One
// mutex covers the client set and the replay ring together: Broadcast
// appends to the ring and enqueues to clients in the same critical
// section, so a connecting client either gets a message replayed or
// enqueued live, never both and never neither.
type Broadcaster struct {
	host        string
	port        int
	historySize int
	upgrader    websocket.Upgrader

	mu         sync.Mutex
	clients    map[*client]struct{}
	history    [][]byte
	running    bool
	boundPort  int
	totalConns int64
	ln         net.Listener

	totalSent atomic.Int64
}

// New builds a stopped Broadcaster.
func New(opts Options) *Broadcaster {
	if opts.Host == "" {
		opts.Host = "0.0.0.0"
	}
	if opts.Port <= 0 {
		opts.Port = DefaultPort
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	return &Broadcaster{
		host:        opts.Host,
		port:        opts.Port,
		historySize: opts.HistorySize,
		clients:     make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The map page is served from the API port, so the
			// Origin header never matches this listener.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Start binds the listener, trying adjacent ports when the configured
// one is taken, and begins accepting clients.
func (b *Broadcaster) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return errors.New("ws: already running")
	}

	ln, _, err := netutil.ListenWithFallback(b.host, b.port)
	if err != nil {
		return err
	}
	b.ln = ln
	b.boundPort = ln.Addr().(*net.TCPAddr).Port
	b.running = true

	srv := &http.Server{Handler: b}
	go func() {
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[ws] server: %v", err)
		}
	}()
	log.Printf("[ws] listening on ws://%s:%d", b.host, b.boundPort)
	return nil
}

// Shutdown closes the listener first, then drops every client.
func (b *Broadcaster) Shutdown() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	ln := b.ln
	b.ln = nil
	for c := range b.clients {
		b.dropLocked(c)
	}
	b.mu.Unlock()

	if ln != nil {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Printf("[ws] close listener: %v", err)
		}
	}
	log.Printf("[ws] shut down")
}

// Running reports whether the listener is up.
func (b *Broadcaster) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Port returns the bound port, which differs from the configured one
// after a fallback. Zero before Start.
func (b *Broadcaster) Port() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.boundPort
}

// Broadcast marshals the message once, records it in the replay ring,
// and enqueues it to every connected client. A client whose queue is
// full is dropped rather than allowed to stall the rest. No-op while
// the broadcaster is not running.
func (b *Broadcaster) Broadcast(message any) {
	data, err := json.Marshal(message)
	if err != nil {
		log.Printf("[ws] broadcast marshal: %v", err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return
	}

	b.history = append(b.history, data)
	if len(b.history) > b.historySize {
		b.history = b.history[len(b.history)-b.historySize:]
	}

	for c := range b.clients {
		select {
		case c.send <- data:
		default:
			log.Printf("[ws] dropping slow client %s", c.addr)
			b.dropLocked(c)
		}
	}
}

// Stats returns the broadcaster counters.
func (b *Broadcaster) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		ClientsConnected:  len(b.clients),
		TotalConnections:  b.totalConns,
		TotalMessagesSent: b.totalSent.Load(),
		HistorySize:       len(b.history),
	}
}

// ServeHTTP upgrades the connection and attaches the client to the
// broadcast set, replaying the ring first.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade failed: %v", err)
		return
	}

	c := &client{conn: conn, addr: conn.RemoteAddr().String()}

	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		conn.Close()
		return
	}
	c.send = make(chan []byte, b.historySize+sendHeadroom)
	for _, msg := range b.history {
		c.send <- msg
	}
	b.clients[c] = struct{}{}
	b.totalConns++
	total := len(b.clients)
	b.mu.Unlock()

	log.Printf("[ws] client connected: %s (total: %d)", c.addr, total)
	go b.writeLoop(c)

	// Inbound frames are discarded; the read loop exists to notice the
	// close handshake or a dead connection.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	b.mu.Lock()
	b.dropLocked(c)
	total = len(b.clients)
	b.mu.Unlock()
	conn.Close()
	log.Printf("[ws] client disconnected: %s (total: %d)", c.addr, total)
}

// writeLoop drains one client's queue onto its connection.
func (b *Broadcaster) writeLoop(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			b.mu.Lock()
			b.dropLocked(c)
			b.mu.Unlock()
			return
		}
		b.totalSent.Add(1)
	}
}

// dropLocked detaches a client and closes its queue, which ends its
// write loop. Safe to call repeatedly; callers hold b.mu.
func (b *Broadcaster) dropLocked(c *client) {
	if c.closed {
		return
	}
	c.closed = true
	delete(b.clients, c)
	close(c.send)
}
