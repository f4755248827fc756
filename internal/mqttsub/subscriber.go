package mqttsub

import (
	"crypto/tls"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/meshforge/meshforge-maps/internal/backoff"
	"github.com/meshforge/meshforge-maps/internal/bus"
)

const (
	DefaultBroker = "mqtt.meshtastic.org"
	DefaultPort   = 1883
	DefaultTopic  = "msh/#"

	// maxPayloadBytes rejects oversized broker payloads before any
	// decode work happens.
	maxPayloadBytes = 64 * 1024

	keepAlive      = 60 * time.Second
	connectTimeout = 10 * time.Second
	cleanupEvery   = 30 * time.Minute
)

// Config wires a Subscriber. Zero values take the public-broker
// defaults.
type Config struct {
	Broker   string
	Port     int
	Topic    string
	Username string
	Password string

	// TLS nil defaults to on when credentials are set, so passwords
	// never cross the wire in the clear.
	TLS *bool

	Store *Store
	Bus   *bus.Bus
}

// Stats is the subscriber counter snapshot served by the API.
type Stats struct {
	Broker           string `json:"broker"`
	Port             int    `json:"port"`
	Topic            string `json:"topic"`
	Connected        bool   `json:"connected"`
	Running          bool   `json:"running"`
	HasCredentials   bool   `json:"has_credentials"`
	MessagesReceived int64  `json:"messages_received"`
	ParseErrors      int64  `json:"parse_errors"`
	OversizedDropped int64  `json:"oversized_dropped"`
	ConnectAttempts  int64  `json:"connect_attempts"`
	NodeCount        int    `json:"node_count"`
}

// Subscriber keeps a live session to the broker and feeds decoded
// envelopes into the store. Reconnection is driven by our own loop
// with the broker backoff preset; paho's auto-reconnect stays off so
// the retry cadence and logging are in one place.
type Subscriber struct {
	broker string
	port   int
	topic  string
	url    string
	creds  bool

	store  *Store
	bus    *bus.Bus
	client mqtt.Client

	mu               sync.Mutex
	running          bool
	connected        bool
	messagesReceived int64
	parseErrors      int64
	oversized        int64
	connects         int64

	lost chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// NewSubscriber builds a subscriber; Start opens the session.
func NewSubscriber(cfg Config) *Subscriber {
	if cfg.Broker == "" {
		cfg.Broker = DefaultBroker
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.Store == nil {
		cfg.Store = NewStore(StoreOptions{})
	}
	useTLS := cfg.Username != ""
	if cfg.TLS != nil {
		useTLS = *cfg.TLS
	}
	scheme := "tcp"
	if useTLS {
		scheme = "ssl"
	}

	s := &Subscriber{
		broker: cfg.Broker,
		port:   cfg.Port,
		topic:  cfg.Topic,
		url:    fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker, cfg.Port),
		creds:  cfg.Username != "",
		store:  cfg.Store,
		bus:    cfg.Bus,
		lost:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(s.url).
		SetClientID("meshforge-maps-" + uuid.NewString()[:8]).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetKeepAlive(keepAlive).
		SetConnectTimeout(connectTimeout).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(s.onConnectionLost)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if useTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	s.client = mqtt.NewClient(opts)
	return s
}

// Store returns the node store the subscriber writes into.
func (s *Subscriber) Store() *Store { return s.store }

// Start opens the broker session in the background. Calling Start on
// a running subscriber is a no-op.
func (s *Subscriber) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(2)
	go s.run()
	go s.cleanupLoop()
	log.Printf("[mqtt] subscriber starting: %s topic=%s", s.url, s.topic)
}

// Stop closes the session and waits for the background loops.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.done)
	s.client.Disconnect(250)
	s.wg.Wait()

	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	log.Printf("[mqtt] subscriber stopped")
}

// Publish sends a payload to the broker at QoS 1. Alert publication
// rides the same session the subscriber holds open.
func (s *Subscriber) Publish(topic string, payload []byte) error {
	s.mu.Lock()
	ok := s.connected
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("mqtt: not connected, cannot publish to %s", topic)
	}
	token := s.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt: publish to %s timed out", topic)
	}
	return token.Error()
}

// Stats snapshots the counters.
func (s *Subscriber) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		Broker:           s.broker,
		Port:             s.port,
		Topic:            s.topic,
		Connected:        s.connected,
		Running:          s.running,
		HasCredentials:   s.creds,
		MessagesReceived: s.messagesReceived,
		ParseErrors:      s.parseErrors,
		OversizedDropped: s.oversized,
		ConnectAttempts:  s.connects,
	}
	s.mu.Unlock()
	st.NodeCount = s.store.Count()
	return st
}

func (s *Subscriber) run() {
	defer s.wg.Done()
	strategy := backoff.ForBroker()
	for {
		select {
		case <-s.done:
			return
		default:
		}

		s.mu.Lock()
		s.connects++
		attempt := s.connects
		s.mu.Unlock()

		token := s.client.Connect()
		token.Wait()
		if err := token.Error(); err != nil {
			delay := strategy.NextDelay()
			log.Printf("[mqtt] connect to %s failed (attempt %d): %v, retry in %s",
				s.url, attempt, err, delay.Round(time.Millisecond))
			if !s.sleep(delay) {
				return
			}
			continue
		}
		strategy.Reset()

		select {
		case <-s.done:
			return
		case <-s.lost:
			if !s.sleep(strategy.NextDelay()) {
				return
			}
		}
	}
}

func (s *Subscriber) cleanupLoop() {
	defer s.wg.Done()
	t := time.NewTicker(cleanupEvery)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			s.store.CleanupStale()
		}
	}
}

// sleep waits for d, returning false if the subscriber stops first.
func (s *Subscriber) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.done:
		return false
	case <-t.C:
		return true
	}
}

func (s *Subscriber) onConnect(client mqtt.Client) {
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	log.Printf("[mqtt] connected to %s, store has %d nodes", s.url, s.store.Count())

	// Clean sessions drop subscriptions, so resubscribe on every
	// connect.
	if token := client.Subscribe(s.topic, 0, s.onMessage); token.Wait() && token.Error() != nil {
		log.Printf("[mqtt] subscribe %s failed: %v", s.topic, token.Error())
	}
}

func (s *Subscriber) onConnectionLost(_ mqtt.Client, err error) {
	s.mu.Lock()
	s.connected = false
	running := s.running
	s.mu.Unlock()
	if running {
		log.Printf("[mqtt] connection lost: %v", err)
	}
	select {
	case s.lost <- struct{}{}:
	default:
	}
}

func (s *Subscriber) onMessage(_ mqtt.Client, msg mqtt.Message) {
	payload := msg.Payload()
	if len(payload) > maxPayloadBytes {
		s.mu.Lock()
		s.oversized++
		s.mu.Unlock()
		log.Printf("[mqtt] dropped oversized payload (%d bytes) on %s",
			len(payload), sanitizeTopic(msg.Topic()))
		return
	}

	s.mu.Lock()
	s.messagesReceived++
	s.mu.Unlock()

	if err := s.handleEnvelope(payload); err != nil {
		s.mu.Lock()
		s.parseErrors++
		n := s.parseErrors
		s.mu.Unlock()
		// Unparseable traffic is routine on the public broker; log a
		// running total instead of every drop.
		if n%1000 == 0 {
			log.Printf("[mqtt] %d unparseable messages dropped", n)
		}
	}
}

func (s *Subscriber) publish(ev bus.Event) {
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}

// sanitizeTopic trims node-specific trailing segments before logging.
func sanitizeTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) > 5 {
		return strings.Join(parts[:5], "/") + "/..."
	}
	return topic
}
