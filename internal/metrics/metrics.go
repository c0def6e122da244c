package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intentbot_turns_total",
		Help: "Turns handled, by dialog and outcome",
	}, []string{"dialog", "status"})

	RecognizerLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "intentbot_recognizer_latency_seconds",
		Help:    "Latency of intent recognition calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})

	RecognizerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intentbot_recognizer_errors_total",
		Help: "Failed intent recognition calls",
	}, []string{"provider"})

	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intentbot_session_store_errors_total",
		Help: "Session store failures, by operation",
	}, []string{"op"})

	TelemetryEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intentbot_telemetry_events_total",
		Help: "Telemetry events, by name and outcome",
	}, []string{"name", "status"})
)
