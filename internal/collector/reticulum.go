package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/meshforge/meshforge-maps/internal/breaker"
	"github.com/meshforge/meshforge-maps/internal/model"
)

// rnstatusTimeout caps one diagnostic process invocation.
const rnstatusTimeout = 10 * time.Second

// rnsNodeTypes maps Reticulum interface types to display names.
var rnsNodeTypes = map[string]string{
	"rnode":      "RNode (LoRa)",
	"nomadnet":   "NomadNet",
	"rnsd":       "RNSD",
	"tcp":        "TCP Transport",
	"i2p":        "I2P",
	"tnc":        "TNC KiSS",
	"retibbs":    "RetiBBS",
	"lxmf_group": "LXMF Group",
	"lxmf_peer":  "LXMF Peer",
	"multi":      "Multi-Interface",
	"yggdrasil":  "Yggdrasil",
}

type runFunc func(ctx context.Context, argv []string) ([]byte, error)

// ReticulumConfig configures the Reticulum collector.
type ReticulumConfig struct {
	// Command is the diagnostic command line, default "rnstatus". A
	// bare command gets "-d --json" appended; a command with its own
	// arguments runs as given. Never passed through a shell.
	Command    string
	DataDir    string
	CacheTTL   time.Duration
	MaxRetries int
	Breaker    *breaker.Breaker

	// Run overrides process execution in tests.
	Run runFunc
}

// Reticulum collects Reticulum nodes from a local rnstatus invocation,
// falling back to the RNS disk cache and then the unified node cache.
type Reticulum struct {
	*Base
	argv    []string
	dataDir string
	run     runFunc
}

// NewReticulum builds the collector.
func NewReticulum(cfg ReticulumConfig) *Reticulum {
	argv := strings.Fields(cfg.Command)
	if len(argv) == 0 {
		argv = []string{"rnstatus"}
	}
	if len(argv) == 1 {
		argv = append(argv, "-d", "--json")
	}
	run := cfg.Run
	if run == nil {
		run = runCommand
	}
	c := &Reticulum{argv: argv, dataDir: cfg.DataDir, run: run}
	c.Base = NewBase("reticulum", c.fetch, Options{
		CacheTTL:   cfg.CacheTTL,
		MaxRetries: cfg.MaxRetries,
		Breaker:    cfg.Breaker,
	})
	return c
}

func (c *Reticulum) fetch(ctx context.Context) ([]model.Feature, Overlay, error) {
	features, runErr := c.fetchFromCommand(ctx)
	if len(features) > 0 {
		return features, nil, nil
	}
	if cached := nodeMapCache(cachePath(c.dataDir, rnsCacheFile), "reticulum"); len(cached) > 0 {
		return cached, nil, nil
	}
	if unified := collectionCache(cachePath(c.dataDir, unifiedCacheFile), "reticulum"); len(unified) > 0 {
		return unified, nil, nil
	}
	if runErr != nil {
		return nil, nil, fmt.Errorf("rnstatus: %w", runErr)
	}
	return []model.Feature{}, nil, nil
}

func (c *Reticulum) fetchFromCommand(ctx context.Context) ([]model.Feature, error) {
	ctx, cancel := context.WithTimeout(ctx, rnstatusTimeout)
	defer cancel()

	out, err := c.run(ctx, c.argv)
	if err != nil {
		return nil, err
	}
	var status struct {
		Interfaces []map[string]any `json:"interfaces"`
	}
	if err := json.Unmarshal(out, &status); err != nil {
		return nil, fmt.Errorf("parse output: %w", err)
	}
	var features []model.Feature
	for _, iface := range status.Interfaces {
		if f := interfaceFeature(iface); f != nil {
			features = append(features, *f)
		}
	}
	return features, nil
}

func runCommand(ctx context.Context, argv []string) ([]byte, error) {
	return exec.CommandContext(ctx, argv[0], argv[1:]...).Output()
}

// interfaceFeature converts one rnstatus interface entry. Interfaces
// without coordinates are skipped; most Reticulum interfaces carry no
// position.
func interfaceFeature(iface map[string]any) *model.Feature {
	lat, latOK := numField(iface, "latitude")
	lon, lonOK := numField(iface, "longitude")
	if !latOK || !lonOK {
		return nil
	}

	name, _ := iface["name"].(string)
	if name == "" {
		name = "Unknown"
	}
	ifaceType, _ := iface["type"].(string)
	ifaceType = strings.ToLower(ifaceType)
	if ifaceType == "" {
		ifaceType = "unknown"
	}
	nodeType := ifaceType
	if display, ok := rnsNodeTypes[ifaceType]; ok {
		nodeType = display
	}
	id, _ := iface["hash"].(string)
	if id == "" {
		id = name
	}
	status, _ := iface["status"].(string)
	desc, _ := iface["description"].(string)

	props := map[string]any{
		"rns_interface_type": ifaceType,
		"is_online":          status == "up",
		"description":        desc,
	}
	if height, ok := numField(iface, "height"); ok {
		props["altitude"] = height
	}
	return makeFeature(id, lat, lon, "reticulum", nodeType, name, props)
}
