// Command agentcom-hub starts the coordination hub: a durable task
// queue, agent presence tracking, and a WebSocket protocol endpoint for
// worker agents to connect to (spec §4.J). Grounded on the teacher's
// cmd/cliaimonitor/main.go flag-parse-then-signal-wait shape, trimmed to
// what the hub's own Supervisor (internal/hub) needs from its entry
// point.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/notno/agentcom/internal/config"
	"github.com/notno/agentcom/internal/hub"
)

func main() {
	configPath := flag.String("config", "", "path to hub config YAML (optional; defaults are used if omitted)")
	listenAddr := flag.String("listen", "", "override the configured listen address")
	dataDir := flag.String("data-dir", "", "override the configured data directory")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentcom-hub: %v\n", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	h, err := hub.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentcom-hub: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	if err := h.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "agentcom-hub: %v\n", err)
		os.Exit(1)
	}
}
