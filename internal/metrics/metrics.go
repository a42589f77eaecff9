package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry holds the bot's collectors.
	Registry = prometheus.NewRegistry()

	queries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wwtd",
			Subsystem: "conversation",
			Name:      "queries_total",
			Help:      "Submitted queries by outcome.",
		},
		[]string{"outcome"},
	)

	completionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "wwtd",
			Subsystem: "conversation",
			Name:      "completion_duration_seconds",
			Help:      "Duration of completion calls.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~51s
		},
		[]string{"outcome"},
	)

	tokensDebited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "wwtd",
			Subsystem: "ledger",
			Name:      "tokens_debited_total",
			Help:      "Tokens debited from user balances.",
		},
	)

	entitlementTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wwtd",
			Subsystem: "billing",
			Name:      "entitlement_transitions_total",
			Help:      "Purchase state machine transitions by target state.",
		},
		[]string{"state"},
	)

	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "wwtd",
			Subsystem: "app",
			Name:      "active_sessions",
			Help:      "Signed-in user sessions.",
		},
	)
)

func init() {
	Registry.MustRegister(
		queries,
		completionDuration,
		tokensDebited,
		entitlementTransitions,
		activeSessions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

func QueryFinished(outcome string) {
	queries.WithLabelValues(outcome).Inc()
}

func CompletionObserved(outcome string, elapsed time.Duration) {
	completionDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func TokensDebited(amount int64) {
	if amount > 0 {
		tokensDebited.Add(float64(amount))
	}
}

func EntitlementTransition(state string) {
	entitlementTransitions.WithLabelValues(state).Inc()
}

func SessionOpened() { activeSessions.Inc() }

func SessionClosed() { activeSessions.Dec() }
