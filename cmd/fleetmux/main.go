// Command fleetmux runs the fleet orchestration server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fleetmux/fleetmux/internal/config"
	"github.com/fleetmux/fleetmux/internal/logging"
	"github.com/fleetmux/fleetmux/server"
)

func main() {
	configPath := flag.String("config", os.Getenv("FLEETMUX_CONFIG"), "path to YAML config file")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	logging.Setup()
	if level, err := logging.ParseLevel(*logLevel); err == nil {
		logging.SetLevel(level)
	}
	log := slog.Default()

	if err := run(log, *configPath); err != nil {
		fmt.Fprintln(os.Stderr, "fleetmux:", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	srv, err := server.New(*cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.Run(ctx)
}
