package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	actionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autotag_dispatch_actions_total",
			Help: "Resource actions by name and outcome.",
		},
		[]string{"action", "outcome"},
	)
	actionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "autotag_dispatch_action_duration_seconds",
			Help:    "Duration of executed resource actions.",
			Buckets: []float64{0.001, 0.005, 0.025, 0.1, 0.5, 1, 5},
		},
	)
	pending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "autotag_dispatch_pending_actions",
			Help: "Actions queued but not yet started.",
		},
	)
)
