package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mintgate_build_info",
			Help: "Build information of the mintgate daemon",
		},
		[]string{"version", "commit", "date"},
	)

	EvalPassTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mintgate_eligibility_pass_total",
			Help: "Total number of eligibility evaluation passes",
		},
		[]string{"status"},
	)

	EvalPassDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mintgate_eligibility_pass_duration_seconds",
			Help:    "Duration of eligibility evaluation passes",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 0.01s to ~41s
		},
	)

	MintAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mintgate_mint_attempts_total",
			Help: "Total number of settled mint attempts",
		},
		[]string{"result"},
	)

	RPCRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mintgate_rpc_requests_total",
			Help: "Total number of chain RPC requests",
		},
		[]string{"method", "status"},
	)

	ClockSyncTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mintgate_clock_sync_total",
			Help: "Total number of network clock synchronizations",
		},
		[]string{"status"},
	)
)
