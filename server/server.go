// Package server assembles the FleetMux kernel: storage, push hub,
// supervisor, spawn queue, swarm services, compound driver, and the
// HTTP surface, plus the background loops that keep them moving.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/fleetmux/fleetmux/internal/agentproc"
	"github.com/fleetmux/fleetmux/internal/compound"
	"github.com/fleetmux/fleetmux/internal/config"
	"github.com/fleetmux/fleetmux/internal/gitexec"
	"github.com/fleetmux/fleetmux/internal/httpapi"
	"github.com/fleetmux/fleetmux/internal/hub"
	"github.com/fleetmux/fleetmux/internal/logging"
	"github.com/fleetmux/fleetmux/internal/spawnqueue"
	"github.com/fleetmux/fleetmux/internal/store"
	"github.com/fleetmux/fleetmux/internal/supervisor"
	"github.com/fleetmux/fleetmux/internal/swarm"
)

// Server owns every long-lived component and their shutdown order.
type Server struct {
	cfg    config.Config
	log    *slog.Logger
	store  *store.Store
	hub    *hub.Hub
	sup    *supervisor.Supervisor
	queue  *spawnqueue.Queue
	swarms *swarm.Service
	runs   *compound.Driver
	http   *http.Server
}

// New opens the store and wires the kernel together. Nothing runs
// until Run.
func New(cfg config.Config, log *slog.Logger) (*Server, error) {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	h := hub.New(log)
	git := gitexec.NewCLI()
	sup := supervisor.New(cfg, log, st, h, git, map[store.SpawnMode]agentproc.Launcher{
		store.SpawnModeProcess: agentproc.NewExecLauncher(log),
		store.SpawnModePTY:     agentproc.NewPTYLauncher(log),
		store.SpawnModeNative:  agentproc.NewNativeLauncher(),
	}, nil)
	swarms := swarm.New(log, st, h, nil)
	swarms.SetDismisser(func(ctx context.Context, handle string) error {
		_, err := sup.Dismiss(ctx, "", handle)
		return err
	})
	queue := spawnqueue.New(cfg, log, st, h, sup, nil)
	runs := compound.New(log, h, sup, swarms, git, compound.NewExecRunner(), nil)

	api := httpapi.New(cfg, log, st, h, sup, queue, swarms, runs)

	// h2c lets local tooling multiplex the event feed and API calls
	// over one cleartext connection.
	handler := logging.HTTPMiddleware(log, h2c.NewHandler(api.Router(), &http2.Server{}))

	return &Server{
		cfg:    cfg,
		log:    log.With("component", "server"),
		store:  st,
		hub:    h,
		sup:    sup,
		queue:  queue,
		swarms: swarms,
		runs:   runs,
		http: &http.Server{
			Addr:              cfg.Addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Run serves until ctx is cancelled, then shuts everything down in
// dependency order. Blocks for the lifetime of the process.
func (s *Server) Run(ctx context.Context) error {
	// Workers from a previous process are gone; reconcile the records
	// before anything reads them.
	if err := s.store.CloseStaleWorkers(ctx); err != nil {
		return err
	}

	loopCtx, stopLoops := context.WithCancel(context.Background())
	defer stopLoops()
	go s.sup.RunHealthLoop(loopCtx)
	go s.queue.Run(loopCtx)
	if s.cfg.PheromoneDecay.Enabled {
		go s.runDecayLoop(loopCtx)
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", "addr", s.cfg.Addr)
		if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutCtx); err != nil {
		s.log.Warn("http shutdown", "error", err)
	}
	stopLoops()
	s.sup.Shutdown(shutCtx)
	s.hub.Close()
	return s.store.Close()
}

// runDecayLoop evaporates pheromone trails across all swarms on the
// configured interval.
func (s *Server) runDecayLoop(ctx context.Context) {
	interval := time.Duration(s.cfg.PheromoneDecay.IntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := s.swarms.ProcessDecay(ctx, "",
				s.cfg.PheromoneDecay.Rate, s.cfg.PheromoneDecay.MinIntensity)
			if err != nil {
				s.log.Warn("pheromone decay", "error", err)
				continue
			}
			if res.Decayed > 0 || res.Removed > 0 {
				s.log.Debug("pheromone decay", "decayed", res.Decayed, "removed", res.Removed)
			}
		}
	}
}
