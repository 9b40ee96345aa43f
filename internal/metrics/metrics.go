// Package metrics provides Prometheus instrumentation for FleetMux.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetmux_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fleetmux_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Fleet metrics.
var (
	LiveWorkers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleetmux_live_workers",
		Help: "Number of live (non-dismissed) workers by state.",
	}, []string{"state"})

	WorkerSpawnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetmux_worker_spawns_total",
		Help: "Total number of worker spawns by outcome.",
	}, []string{"outcome"})

	WorkerRestartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetmux_worker_restarts_total",
		Help: "Total number of automatic worker restarts.",
	})

	SpawnQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetmux_spawn_queue_depth",
		Help: "Number of pending items in the spawn queue.",
	})
)

// Push hub metrics.
var (
	HubSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetmux_hub_subscriptions",
		Help: "Number of active push subscriptions.",
	})

	HubEventsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetmux_hub_events_published_total",
		Help: "Total number of events published to the push hub.",
	})

	HubEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetmux_hub_events_dropped_total",
		Help: "Total number of events dropped due to slow subscribers.",
	})

	WSConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetmux_ws_connections_active",
		Help: "Number of active WebSocket connections.",
	})
)

// Compound loop metrics.
var (
	CompoundIterationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetmux_compound_iterations_total",
		Help: "Total number of compound loop iterations executed.",
	})

	CompoundRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetmux_compound_runs_total",
		Help: "Total number of compound runs by final status.",
	}, []string{"status"})

	GateDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fleetmux_gate_duration_seconds",
		Help:    "Quality gate execution duration in seconds.",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"gate"})
)
