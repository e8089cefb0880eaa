package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	passesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autotag_engine_passes_total",
			Help: "Reconciliation passes by job kind.",
		},
		[]string{"job"},
	)
	passDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "autotag_engine_pass_duration_seconds",
			Help:    "Duration of reconciliation passes.",
			Buckets: prometheus.DefBuckets,
		},
	)
	mutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autotag_engine_mutations_total",
			Help: "Constraint-driven membership mutations by operation.",
		},
		[]string{"op"},
	)
	suppressedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "autotag_engine_suppressed_mutations_total",
			Help: "Mutations suppressed by the debounce window.",
		},
	)
	evalErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "autotag_engine_eval_errors_total",
			Help: "Constraint evaluations that failed.",
		},
	)
	compileErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "autotag_engine_compile_errors_total",
			Help: "Constraint sources that failed to compile.",
		},
	)
	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "autotag_engine_queue_depth",
			Help: "Reconciliation jobs waiting for the serial worker.",
		},
	)
	heldMutations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "autotag_engine_held_mutations",
			Help: "Mutations held by the pause gate.",
		},
	)
)
