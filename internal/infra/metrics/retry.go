package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(retriesTotal, classifiedErrorsTotal) }

var (
	retriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registration_retries_total",
			Help: "Backoff retries by operation and error kind.",
		},
		[]string{"op", "kind"},
	)

	classifiedErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registration_errors_total",
			Help: "Surfaced operation failures by operation and classified kind.",
		},
		[]string{"op", "kind"},
	)
)

func IncRetry(op, kind string) {
	retriesTotal.WithLabelValues(norm(op), norm(kind)).Inc()
}

func IncClassifiedError(op, kind string) {
	classifiedErrorsTotal.WithLabelValues(norm(op), norm(kind)).Inc()
}
