package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "runplane"

var (
	RunCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_created_total",
			Help:      "Total number of runs submitted, labeled by origin and request kind.",
		},
		[]string{"origin", "kind"},
	)

	RunTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_transitions_total",
			Help:      "Total number of durable run status transitions.",
		},
		[]string{"from", "to"},
	)

	RunAdmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_admitted_total",
			Help:      "Total number of queued runs admitted to a machine.",
		},
	)

	RunDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Latency from run creation to terminal status (seconds).",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"status"},
	)

	RunTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_timeouts_total",
			Help:      "Total number of runs expired by the timeout sweeper.",
		},
	)

	OutputEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_events_total",
			Help:      "Total number of output callbacks, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Total number of webhook deliveries, labeled by event kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	ProxyFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_fetches_total",
			Help:      "Total number of object proxy fetches, labeled by credential source and outcome.",
		},
		[]string{"source", "outcome"},
	)

	RateLimitHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Total number of requests rejected by the rate limiter.",
		},
		[]string{"scope"},
	)
)

func init() {
	prometheus.MustRegister(
		RunCreatedTotal,
		RunTransitionsTotal,
		RunAdmittedTotal,
		RunDurationSeconds,
		RunTimeoutsTotal,
		OutputEventsTotal,
		WebhookDeliveriesTotal,
		ProxyFetchesTotal,
		RateLimitHitsTotal,
	)
}
