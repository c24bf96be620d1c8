package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

var (
	latencyBuckets = []float64{0.5, 1, 2.5, 5, 10, 25, 50, 100, 250}

	AdmissionTotal = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "trustguard_admission_total",
			Help: "Admission checks by limit type and outcome",
		},
		[]string{"limit_type", "outcome"},
	)

	ThreatIndicatorsTotal = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "trustguard_threat_indicators_total",
			Help: "Request threat indicators detected",
		},
		[]string{"indicator"},
	)

	ThreatActionsTotal = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "trustguard_threat_actions_total",
			Help: "Recommended actions of analyzed requests",
		},
		[]string{"action"},
	)

	SpamVerdictsTotal = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "trustguard_spam_verdicts_total",
			Help: "Spam checks by recommended action",
		},
		[]string{"action"},
	)

	ModerationActionsTotal = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "trustguard_moderation_actions_total",
			Help: "Moderation decisions by action",
		},
		[]string{"action"},
	)

	ModerationLatency = promauto.With(registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trustguard_moderation_latency_ms",
			Help:    "Time spent scoring a submission in milliseconds",
			Buckets: latencyBuckets,
		},
	)

	DegradedTotal = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "trustguard_degraded_total",
			Help: "Checks that ran without the counter store",
		},
		[]string{"component"},
	)
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
