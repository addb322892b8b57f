package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metering Prometheus metrics.
var (
	MeteredCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meterd",
			Name:      "metered_calls_total",
			Help:      "Ledger outcomes of metered model calls",
		},
		[]string{"model", "status"}, // recorded / denied / unverifiable
	)

	MeteredUnitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meterd",
			Name:      "metered_units_total",
			Help:      "Total metering units consumed",
		},
		[]string{"model", "type"}, // input / output
	)

	BudgetChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meterd",
			Name:      "budget_checks_total",
			Help:      "Pre-flight budget check outcomes",
		},
		[]string{"tier", "outcome"}, // allowed / denied / unverifiable
	)

	ProviderRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "meterd",
			Name:      "provider_request_duration_seconds",
			Help:      "Model provider request duration in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider", "model"},
	)

	ProviderErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meterd",
			Name:      "provider_errors_total",
			Help:      "Total model provider errors",
		},
		[]string{"provider", "model", "error_type"},
	)

	SessionExpiriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meterd",
			Name:      "session_expiries_total",
			Help:      "Trial sessions that reached expiry",
		},
	)

	BroadcastMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meterd",
			Name:      "broadcast_messages_total",
			Help:      "Cross-context broadcast messages by kind and direction",
		},
		[]string{"kind", "direction"}, // sent / received
	)
)

var meteringRegistered bool

// RegisterMeteringMetrics registers Prometheus metering metrics. Must be called once from main.
func RegisterMeteringMetrics() {
	if meteringRegistered {
		return
	}
	prometheus.MustRegister(MeteredCallsTotal)
	prometheus.MustRegister(MeteredUnitsTotal)
	prometheus.MustRegister(BudgetChecksTotal)
	prometheus.MustRegister(ProviderRequestDuration)
	prometheus.MustRegister(ProviderErrorsTotal)
	prometheus.MustRegister(SessionExpiriesTotal)
	prometheus.MustRegister(BroadcastMessagesTotal)
	meteringRegistered = true
}
