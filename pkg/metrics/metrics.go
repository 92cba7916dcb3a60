package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection establishment metrics
var (
	ConnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imapsession_connects_total",
			Help: "Total number of connection attempts by outcome",
		},
		[]string{"result"},
	)

	ConnectStageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "imapsession_connect_stage_duration_seconds",
			Help:    "Time spent in each connect stage (resolve, connect, handshake, greeting)",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"stage"},
	)

	SessionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "imapsession_sessions_open",
			Help: "Number of established sessions whose transport is still open",
		},
	)
)

// Command exchange metrics
var (
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imapsession_commands_total",
			Help: "Total number of dispatched commands by completion status",
		},
		[]string{"result"},
	)

	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "imapsession_command_duration_seconds",
			Help:    "Time from dispatch to the tagged completion response",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)

	ResponsesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imapsession_responses_total",
			Help: "Total number of responses received by kind",
		},
		[]string{"kind"},
	)
)
