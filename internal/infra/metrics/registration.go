package metrics

import (
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(stepTransitionsTotal, circuitBreakerTripsTotal, stateCorrectionsTotal, registrationsCompletedTotal)
}

var (
	stepTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registration_step_transitions_total",
			Help: "Accepted registration step transitions.",
		},
		[]string{"from", "to"},
	)

	circuitBreakerTripsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "registration_circuit_breaker_trips_total",
			Help: "Full state resets caused by the consecutive-error threshold.",
		},
	)

	stateCorrectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "registration_state_corrections_total",
			Help: "Invariant violations repaired by the validator.",
		},
	)

	registrationsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registrations_completed_total",
			Help: "Terminal registration completions by role.",
		},
		[]string{"role"},
	)
)

func IncStepTransition(from, to int) {
	stepTransitionsTotal.WithLabelValues(strconv.Itoa(from), strconv.Itoa(to)).Inc()
}

func IncCircuitBreakerTrip() { circuitBreakerTripsTotal.Inc() }

func IncStateCorrection() { stateCorrectionsTotal.Inc() }

func IncRegistrationCompleted(role string) {
	registrationsCompletedTotal.WithLabelValues(norm(role)).Inc()
}

func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
