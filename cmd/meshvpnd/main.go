// Command meshvpnd is the mesh VPN overlay daemon: it runs either the
// client role (TUN bridge, relay connection, P2P transport) or the server
// role (relay cluster switch), selected by the config file's mode field.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"meshvpn/config"
	"meshvpn/internal/logging"
	"meshvpn/orchestrator"
)

func main() {
	var cfgPath string
	var simplePath string
	var overrideMode string
	flag.StringVar(&cfgPath, "config", "", "path to configuration file (or '-' for stdin)")
	flag.StringVar(&simplePath, "simple-config", "", "path to a minimal YAML onboarding config")
	flag.StringVar(&overrideMode, "mode", "", "override mode (client/server)")
	flag.Parse()

	var cfg *config.Config
	var err error
	switch {
	case simplePath != "":
		cfg, err = config.LoadSimple(simplePath)
	case cfgPath != "":
		cfg, err = config.Load(cfgPath)
	default:
		cfg, err = config.Load("config.json")
	}
	if err != nil {
		log.Fatalf("meshvpnd: load config: %v", err)
	}
	if overrideMode != "" {
		cfg.Mode = overrideMode
	}

	level := logging.ParseLevel(cfg.NormalisedLevel())
	baseLogger := logging.New(level, os.Stdout)
	logger := baseLogger.With(map[string]interface{}{
		"component": "meshvpnd",
		"identity":  cfg.Identity,
		"mode":      cfg.Mode,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch strings.ToLower(cfg.Mode) {
	case "client":
		client, err := orchestrator.NewClient(cfg, logger)
		if err != nil {
			logger.Error("failed to build client", map[string]interface{}{"error": err.Error()})
			os.Exit(1)
		}
		if err := client.Run(ctx); err != nil && err != context.Canceled {
			logger.Error("client exited", map[string]interface{}{"error": err.Error()})
			os.Exit(1)
		}
	case "server":
		server, err := orchestrator.NewServer(cfg, logger)
		if err != nil {
			logger.Error("failed to build server", map[string]interface{}{"error": err.Error()})
			os.Exit(1)
		}
		if err := server.Run(ctx); err != nil && err != context.Canceled {
			logger.Error("server exited", map[string]interface{}{"error": err.Error()})
			os.Exit(1)
		}
	default:
		logger.Error("unknown mode", map[string]interface{}{"mode": cfg.Mode})
		os.Exit(1)
	}
}
