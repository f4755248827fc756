package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/meshforge/meshforge-maps/internal/aggregate"
	"github.com/meshforge/meshforge-maps/internal/alert"
	"github.com/meshforge/meshforge-maps/internal/api"
	"github.com/meshforge/meshforge-maps/internal/breaker"
	"github.com/meshforge/meshforge-maps/internal/buildinfo"
	"github.com/meshforge/meshforge-maps/internal/bus"
	"github.com/meshforge/meshforge-maps/internal/collector"
	"github.com/meshforge/meshforge-maps/internal/config"
	"github.com/meshforge/meshforge-maps/internal/corehealth"
	"github.com/meshforge/meshforge-maps/internal/drift"
	"github.com/meshforge/meshforge-maps/internal/health"
	"github.com/meshforge/meshforge-maps/internal/history"
	"github.com/meshforge/meshforge-maps/internal/hostlock"
	"github.com/meshforge/meshforge-maps/internal/model"
	"github.com/meshforge/meshforge-maps/internal/mqttsub"
	"github.com/meshforge/meshforge-maps/internal/netutil"
	"github.com/meshforge/meshforge-maps/internal/nodestate"
	"github.com/meshforge/meshforge-maps/internal/perf"
	"github.com/meshforge/meshforge-maps/internal/proxy"
	"github.com/meshforge/meshforge-maps/internal/scanloop"
	"github.com/meshforge/meshforge-maps/internal/ws"
)

const (
	sweepInterval = time.Minute
	sweepJitter   = 10 * time.Second
	shutdownJoin  = 5 * time.Second
)

// mapsApp holds every running component so shutdown can walk them in
// reverse start order.
type mapsApp struct {
	env      *config.EnvConfig
	settings *config.Manager

	bus      *bus.Bus
	breakers *breaker.Registry
	locks    *hostlock.Manager
	perfMon  *perf.Monitor

	store      *mqttsub.Store
	subscriber *mqttsub.Subscriber
	aggregator *aggregate.Aggregator

	tracker  *nodestate.Tracker
	scorer   *health.Scorer
	detector *drift.Detector
	alerts   *alert.Engine

	history   *history.Store
	analytics *history.Analytics
	core      *corehealth.Reader

	broadcaster *ws.Broadcaster
	proxySrv    *proxy.Server
	apiSrv      *api.Server

	cronJobs  *cron.Cron
	sweepStop chan struct{}
	sweepDone chan struct{}

	startedAt time.Time
}

func run(opts cliOptions) error {
	// Phase 1: configuration.
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		return fmt.Errorf("%w: %v", errConfig, err)
	}
	if opts.Host != "" {
		envCfg.HTTPHost = opts.Host
	}
	if opts.Port != 0 {
		envCfg.HTTPPort = opts.Port
	}
	settings := config.NewManager(config.SettingsPath(envCfg.ConfigDir))
	if config.IsWeakKey(envCfg.APIKey) {
		log.Printf("[main] MESHMAPS_API_KEY looks guessable; consider a longer random key")
	}
	apiPort := envCfg.HTTPPort
	if apiPort == 0 {
		apiPort = settings.Settings().HTTPPort
	}
	log.Printf("[main] configuration loaded (data dir %s)", envCfg.DataDir)

	apiURL := fmt.Sprintf("http://%s:%d", envCfg.HTTPHost, apiPort)
	if opts.TUIOnly {
		// The dashboard ships separately; it only needs the API URL.
		fmt.Println(apiURL)
		return nil
	}
	if opts.TUI {
		log.Printf("[main] terminal dashboard can attach at %s", apiURL)
	}

	// Phase 2: position history database.
	hist, err := history.Open(history.Options{
		Path:      filepath.Join(envCfg.DataDir, "maps_node_history.db"),
		Throttle:  envCfg.HistoryThrottle,
		Retention: time.Duration(envCfg.RetentionDays) * 24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("open history database: %w", err)
	}
	log.Printf("[main] history database open")

	app := newMapsApp(envCfg, settings, hist, apiPort)
	if err := app.start(); err != nil {
		app.shutdown()
		_ = hist.Close()
		return err
	}

	waitForShutdown()
	app.shutdown()
	if err := hist.Close(); err != nil {
		log.Printf("[main] history close: %v", err)
	}
	log.Printf("[main] shutdown complete")
	return nil
}

// newMapsApp builds every component and wires the callbacks between
// them. Nothing starts here; start order is its own phase.
func newMapsApp(envCfg *config.EnvConfig, settings *config.Manager, hist *history.Store, apiPort int) *mapsApp {
	app := &mapsApp{
		env:       envCfg,
		settings:  settings,
		history:   hist,
		startedAt: time.Now(),
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}

	// Phase 3: core components.
	app.bus = bus.New()
	app.breakers = breaker.NewRegistry(breaker.RegistryConfig{})
	app.locks = hostlock.NewManager()
	app.perfMon = perf.NewMonitor()

	app.scorer = health.NewScorer(health.Options{MaxNodes: envCfg.MaxNodes})
	app.tracker = nodestate.NewTracker(nodestate.Options{
		ExpectedInterval: envCfg.ExpectedHeartbeat,
		OfflineAfter:     envCfg.OfflineThreshold,
		MaxNodes:         envCfg.MaxNodes,
	})
	app.detector = drift.NewDetector(drift.Options{MaxNodes: envCfg.MaxNodes})

	// A node leaving the store takes its derived state along.
	app.store = mqttsub.NewStore(mqttsub.StoreOptions{
		StaleTimeout: envCfg.StaleTimeout,
		MaxNodes:     envCfg.MaxNodes,
		OnRemoved: func(nodeID string) {
			app.tracker.RemoveNode(nodeID)
			app.scorer.RemoveNode(nodeID)
			app.detector.RemoveNode(nodeID)
		},
	})

	s := settings.Settings()
	if envCfg.MQTTEnabled && s.MQTTBroker != "" {
		cfg := mqttsub.Config{
			Broker: s.MQTTBroker,
			Port:   s.MQTTPort,
			Topic:  s.MQTTTopic,
			Store:  app.store,
			Bus:    app.bus,
		}
		if s.MQTTUsername != nil {
			cfg.Username = *s.MQTTUsername
		}
		if s.MQTTPassword != nil {
			cfg.Password = *s.MQTTPassword
		}
		app.subscriber = mqttsub.NewSubscriber(cfg)
	}

	alertOpts := alert.Options{
		RulesPath:  envCfg.AlertRulesFile,
		BaseTopic:  envCfg.AlertTopicBase,
		WebhookURL: envCfg.WebhookURL,
		Bus:        app.bus,
	}
	if app.subscriber != nil {
		alertOpts.Broker = app.subscriber
	}
	app.alerts = alert.NewEngine(alertOpts)
	app.analytics = history.NewAnalytics(hist, app.alerts)
	app.core = corehealth.NewReader(envCfg.CoreHealthDBPath)

	app.aggregator = aggregate.New(aggregate.Options{
		Collectors:   app.buildCollectors(s),
		Store:        app.store,
		Bus:          app.bus,
		Perf:         app.perfMon,
		CycleTimeout: envCfg.CycleDeadline,
		MinInterval:  envCfg.PollInterval,
	})

	if envCfg.WSEnabled {
		app.broadcaster = ws.New(ws.Options{
			Host:        envCfg.WSHost,
			Port:        envCfg.WSPort,
			HistorySize: envCfg.WSHistorySize,
		})
	}
	if envCfg.ProxyEnabled {
		app.proxySrv = proxy.NewServer(proxy.Options{
			Host:       envCfg.ProxyHost,
			Port:       envCfg.ProxyPort,
			CORSOrigin: envCfg.CORSAllowedOrigin,
			APIKey:     envCfg.APIKey,
		}, app.store)
	}

	app.apiSrv = api.NewServer(api.Options{
		Host:         envCfg.HTTPHost,
		Port:         apiPort,
		APIKey:       envCfg.APIKey,
		CORSOrigin:   envCfg.CORSAllowedOrigin,
		MaxBodyBytes: int64(envCfg.APIMaxBodyBytes),
		MaxConns:     envCfg.APIMaxConns,
	}, app.apiDeps())

	// Phase 4: bus wiring.
	app.wireBus()
	log.Printf("[main] components constructed and wired")
	return app
}

func (a *mapsApp) buildCollectors(s config.Settings) []collector.Collector {
	cacheTTL := time.Duration(s.CacheTTLMinutes) * time.Minute
	dl := &netutil.RetryDownloader{
		Direct: netutil.NewDirectDownloader(a.env.FetchTimeout, "meshforge-maps/"+buildinfo.Version),
	}

	var cs []collector.Collector
	if s.EnableMeshtastic {
		cs = append(cs, collector.NewMeshtastic(collector.MeshtasticConfig{
			Host:       a.env.MeshtasticHost,
			Port:       a.env.MeshtasticPort,
			Store:      a.store,
			Locks:      a.locks,
			Downloader: dl,
			CacheTTL:   cacheTTL,
			Breaker:    a.breakers.Get("meshtastic"),
		}))
	}
	if s.EnableReticulum {
		cs = append(cs, collector.NewReticulum(collector.ReticulumConfig{
			Command:  a.env.ReticulumCommand,
			DataDir:  a.env.DataDir,
			CacheTTL: cacheTTL,
			Breaker:  a.breakers.Get("reticulum"),
		}))
	}
	if s.EnableHamclock {
		cs = append(cs, collector.NewHamClock(collector.HamClockConfig{
			Host:             s.HamclockHost,
			LegacyPort:       s.HamclockPort,
			OpenHamClockPort: s.OpenHamclockPort,
			Downloader:       dl,
			CacheTTL:         cacheTTL,
		}))
	}
	if s.EnableAREDN {
		cs = append(cs, collector.NewAREDN(collector.AREDNConfig{
			Endpoints:  a.env.AREDNEndpoints,
			DataDir:    a.env.DataDir,
			Downloader: dl,
			CacheTTL:   cacheTTL,
			Breaker:    a.breakers.Get("aredn"),
		}))
	}
	if a.env.NOAAEnabled {
		var severities []string
		if a.env.NOAASeverity != "" {
			severities = strings.Split(a.env.NOAASeverity, ",")
		}
		cs = append(cs, collector.NewNOAAAlerts(collector.NOAAAlertsConfig{
			Area:           a.env.NOAAArea,
			SeverityFilter: severities,
			Downloader:     dl,
			CacheTTL:       cacheTTL,
		}))
	}
	return cs
}

func (a *mapsApp) apiDeps() api.Deps {
	deps := api.Deps{
		Aggregator: a.aggregator,
		History:    a.history,
		Analytics:  a.analytics,
		Alerts:     a.alerts,
		Health:     a.scorer,
		States:     a.tracker,
		Drift:      a.detector,
		Subscriber: a.subscriber,
		WS:         a.broadcaster,
		Perf:       a.perfMon,
		Breakers:   a.breakers,
		Bus:        a.bus,
		Leases:     a.locks,
		Settings:   a.settings,
		Env:        a.env,
		CoreHealth: a.core,
		StartTime:  a.startedAt,
	}
	if a.proxySrv != nil {
		deps.ProxyStats = a.proxySrv.Stats
	}
	return deps
}

// wireBus connects the broker event stream to the derived-state
// consumers: history, connectivity, drift, alerting, and push clients.
func (a *mapsApp) wireBus() {
	heartbeat := func(ev bus.Event) {
		if id, ok := ev.Data["node_id"].(string); ok && id != "" {
			a.tracker.RecordHeartbeat(id)
		}
	}
	for _, t := range []bus.EventType{bus.NodePosition, bus.NodeInfo, bus.NodeTelemetry, bus.NodeTopology} {
		a.bus.Subscribe(t, heartbeat)
	}

	a.bus.Subscribe(bus.NodePosition, func(ev bus.Event) {
		id, _ := ev.Data["node_id"].(string)
		n := a.store.GetNode(id)
		if n == nil || n.Position == nil {
			return
		}
		obs := history.Observation{
			Timestamp: ev.Timestamp,
			Latitude:  n.Position.Latitude,
			Longitude: n.Position.Longitude,
			Altitude:  n.Position.Altitude,
			Network:   "meshtastic",
			SNR:       n.SNR,
			Name:      n.DisplayName(),
		}
		if n.BatteryLevel != nil {
			b := int(*n.BatteryLevel)
			obs.Battery = &b
		}
		a.history.Record(id, obs)
	})

	checkIn := func(ev bus.Event) {
		id, _ := ev.Data["node_id"].(string)
		n := a.store.GetNode(id)
		if n == nil {
			return
		}
		a.detector.CheckNode(id, driftFields(n))
		a.evaluateNode(id, n)
	}
	a.bus.Subscribe(bus.NodeInfo, checkIn)
	a.bus.Subscribe(bus.NodeTelemetry, checkIn)

	if a.broadcaster != nil {
		a.bus.SubscribeAll(func(ev bus.Event) {
			a.broadcaster.Broadcast(ev)
		})
	}
}

// evaluateNode refreshes the node's cached health score and runs the
// alert rules against its current properties.
func (a *mapsApp) evaluateNode(nodeID string, n *model.Node) {
	state := ""
	if st, ok := a.tracker.State(nodeID); ok {
		state = string(st)
	}
	in := health.Input{
		Battery:     n.BatteryLevel,
		Voltage:     n.Voltage,
		SNR:         n.SNR,
		HopsAway:    n.HopsAway,
		State:       state,
		ChannelUtil: n.ChannelUtilization,
		AirUtilTx:   n.AirUtilTx,
	}
	if n.LastSeen > 0 {
		ls := n.LastSeen
		in.LastSeen = &ls
	}
	var scorePtr *float64
	if score, ok := a.scorer.ScoreNode(nodeID, in); ok {
		v := float64(score.Score)
		scorePtr = &v
	}

	props := map[string]any{"network": "meshtastic"}
	putProp(props, "battery", n.BatteryLevel)
	putProp(props, "voltage", n.Voltage)
	putProp(props, "snr", n.SNR)
	putProp(props, "channel_util", n.ChannelUtilization)
	putProp(props, "air_util_tx", n.AirUtilTx)
	if n.HopsAway != nil {
		props["hops_away"] = float64(*n.HopsAway)
	}
	a.alerts.EvaluateNode(nodeID, props, scorePtr)
}

func driftFields(n *model.Node) map[string]any {
	f := map[string]any{}
	putStr(f, "role", n.Role)
	putStr(f, "hardware", n.HWModel)
	putStr(f, "name", n.LongName)
	putStr(f, "short_name", n.ShortName)
	putStr(f, "region", n.Region)
	putStr(f, "modem_preset", n.ModemPreset)
	putStr(f, "channel_name", n.ChannelName)
	if n.HopLimit != nil {
		f["hop_limit"] = *n.HopLimit
	}
	if n.TxPower != nil {
		f["tx_power"] = *n.TxPower
	}
	return f
}

func putStr(m map[string]any, key, v string) {
	if v != "" {
		m[key] = v
	}
}

func putProp(m map[string]any, key string, v *float64) {
	if v != nil {
		m[key] = *v
	}
}

// start brings the components up: feeds first, then derived-state
// sweeps, then the serving surfaces. An API bind failure is fatal; the
// optional surfaces degrade with a warning.
func (a *mapsApp) start() error {
	// Phase 5: background services.
	if a.subscriber != nil {
		a.subscriber.Start()
		log.Printf("[main] MQTT subscriber started")
	}
	a.aggregator.Start()
	log.Printf("[main] aggregation loop started")

	go func() {
		defer close(a.sweepDone)
		scanloop.Run(a.sweepStop, sweepInterval, sweepJitter, a.offlineSweep)
	}()
	log.Printf("[main] offline sweep started")

	a.alerts.Start()
	a.cronJobs = cron.New()
	retention := time.Duration(a.env.RetentionDays) * 24 * time.Hour
	_, _ = a.cronJobs.AddFunc("@hourly", func() {
		if n := a.history.Prune(time.Now().Add(-retention).Unix()); n > 0 {
			log.Printf("[main] pruned %d expired observations", n)
		}
	})
	_, _ = a.cronJobs.AddFunc("@every 5m", func() { a.core.Refresh() })
	a.cronJobs.Start()
	log.Printf("[main] maintenance jobs scheduled")

	// Phase 6: serving surfaces.
	if a.broadcaster != nil {
		if err := a.broadcaster.Start(); err != nil {
			log.Printf("[main] websocket broadcaster unavailable: %v", err)
			a.broadcaster = nil
		} else {
			log.Printf("[main] websocket broadcaster on port %d", a.broadcaster.Port())
		}
	}
	if a.proxySrv != nil {
		if err := a.proxySrv.Start(); err != nil {
			log.Printf("[main] meshtastic API proxy unavailable: %v", err)
			a.proxySrv = nil
		}
	}
	if err := a.apiSrv.Start(); err != nil {
		return fmt.Errorf("API server: %w", err)
	}
	return nil
}

// offlineSweep walks quiet nodes: tracker transitions first, then the
// absence alert rules over everything the store still remembers.
func (a *mapsApp) offlineSweep() {
	if removed := a.store.CleanupStale(); removed > 0 {
		log.Printf("[main] dropped %d expired nodes", removed)
	}
	a.tracker.Sweep()

	nodes := a.store.Nodes()
	checks := make([]alert.OfflineCheck, 0, len(nodes))
	for _, n := range nodes {
		checks = append(checks, alert.OfflineCheck{NodeID: n.ID, LastSeen: n.LastSeen})
	}
	a.alerts.EvaluateOffline(checks, a.env.OfflineThreshold)
}

func waitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)
	sig := <-quit
	log.Printf("[main] received %s, shutting down", sig)
}

// shutdown stops everything in reverse start order, joining each
// stoppable with a deadline so a stuck component cannot wedge exit.
func (a *mapsApp) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownJoin)
	defer cancel()

	if a.apiSrv != nil {
		a.apiSrv.Shutdown(ctx)
		log.Printf("[main] API server stopped")
	}
	if a.proxySrv != nil {
		a.proxySrv.Shutdown(ctx)
	}
	if a.broadcaster != nil {
		a.broadcaster.Shutdown()
		log.Printf("[main] websocket broadcaster stopped")
	}

	if a.cronJobs != nil {
		stopCtx := a.cronJobs.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(shutdownJoin):
			log.Printf("[main] maintenance job missed shutdown deadline")
		}
	}

	close(a.sweepStop)
	select {
	case <-a.sweepDone:
	case <-time.After(shutdownJoin):
		log.Printf("[main] offline sweep missed shutdown deadline")
	}
	log.Printf("[main] offline sweep stopped")

	a.alerts.Stop()
	a.aggregator.Stop()
	log.Printf("[main] aggregation loop stopped")
	if a.subscriber != nil {
		a.subscriber.Stop()
		log.Printf("[main] MQTT subscriber stopped")
	}
	a.core.Close()
	a.scorer.Close()
}
