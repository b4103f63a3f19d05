package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

func init() { register(pollTicksTotal, pollingSessionsActive) }

var (
	pollTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registration_poll_ticks_total",
			Help: "Status poll probe invocations by probe success.",
		},
		[]string{"success"},
	)

	pollingSessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "registration_polling_sessions_active",
			Help: "Number of currently active polling sessions.",
		},
	)
)

func IncPollTick(success bool) {
	pollTicksTotal.WithLabelValues(strconv.FormatBool(success)).Inc()
}

func AddPollingSessions(delta float64) {
	pollingSessionsActive.Add(delta)
}
