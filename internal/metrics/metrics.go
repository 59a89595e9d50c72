// Package metrics exposes Prometheus collectors for the build engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AICalls counts provider calls by provider and outcome.
	AICalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buildforge",
		Subsystem: "ai",
		Name:      "calls_total",
		Help:      "AI provider calls by provider and status.",
	}, []string{"provider", "status"})

	// AICallDuration observes provider call latency.
	AICallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "buildforge",
		Subsystem: "ai",
		Name:      "call_duration_seconds",
		Help:      "AI provider call latency.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 90, 120},
	}, []string{"provider"})

	// Tasks counts executed tasks by role and terminal status.
	Tasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buildforge",
		Subsystem: "scheduler",
		Name:      "tasks_total",
		Help:      "Executed tasks by role and terminal status.",
	}, []string{"role", "status"})

	// QueueDepth tracks tasks waiting for a worker.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "buildforge",
		Subsystem: "scheduler",
		Name:      "queue_depth",
		Help:      "Tasks queued for execution.",
	})

	// Builds counts builds by terminal status.
	Builds = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buildforge",
		Subsystem: "orchestrator",
		Name:      "builds_total",
		Help:      "Builds by terminal status.",
	}, []string{"status"})

	// HubEvents counts events published to the broadcast hub.
	HubEvents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "buildforge",
		Subsystem: "hub",
		Name:      "events_total",
		Help:      "Events published to the broadcast hub.",
	})

	// HubBatches counts batched deliveries flushed to subscribers.
	HubBatches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "buildforge",
		Subsystem: "hub",
		Name:      "batches_total",
		Help:      "Batched deliveries flushed to subscribers.",
	})

	// SpendBilled accumulates billed USD by provider.
	SpendBilled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buildforge",
		Subsystem: "spend",
		Name:      "billed_usd_total",
		Help:      "Billed cost recorded, in USD.",
	}, []string{"provider"})
)
