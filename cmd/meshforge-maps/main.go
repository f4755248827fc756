// Command meshforge-maps serves the multi-source mesh network map:
// MQTT-fed Meshtastic nodes, Reticulum and AREDN collectors, HamClock
// propagation overlays, and the HTTP/WebSocket delivery plane on top.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/meshforge/meshforge-maps/internal/buildinfo"
)

// errConfig marks failures caused by user configuration rather than
// the runtime; main maps it to exit code 2.
var errConfig = errors.New("configuration error")

type cliOptions struct {
	Host    string
	Port    int
	TUI     bool
	TUIOnly bool
}

func main() {
	host := flag.String("host", "", "HTTP API bind host (overrides MESHMAPS_HTTP_HOST)")
	port := flag.Int("port", 0, "HTTP API port (overrides MESHMAPS_HTTP_PORT)")
	tui := flag.Bool("tui", false, "log the terminal dashboard attach point")
	tuiOnly := flag.Bool("tui-only", false, "print the API URL for the terminal dashboard and exit")
	version := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("meshforge-maps %s (%s, %s)\n",
			buildinfo.Version, buildinfo.GitCommit, buildinfo.BuildTime)
		return
	}

	opts := cliOptions{Host: *host, Port: *port, TUI: *tui, TUIOnly: *tuiOnly}
	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		if errors.Is(err, errConfig) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
