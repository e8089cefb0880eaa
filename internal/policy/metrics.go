package policy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	policyActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autotag_policy_actions_total",
			Help: "Resource commands issued by tag policies.",
		},
		[]string{"action"},
	)
	evictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autotag_policy_evictions_total",
			Help: "Membership-cap evictions by strategy; skipped counts non-evictable picks.",
		},
		[]string{"strategy"},
	)
	aggregateRatio = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "autotag_policy_aggregate_share_ratio",
			Help: "Last computed aggregate share ratio per tag.",
		},
		[]string{"tag"},
	)
	sessionBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autotag_policy_session_bytes_total",
			Help: "Bytes accounted through tag limiters.",
		},
		[]string{"direction"},
	)
	scriptRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autotag_policy_script_runs_total",
			Help: "Exec-on-assign script invocations by mode.",
		},
		[]string{"mode"},
	)
)
