package eventsub

import "github.com/prometheus/client_golang/prometheus"

var (
	// framesTotal counts inbound frames by message type. Cardinality is
	// bounded by the fixed upstream message-type set.
	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventsub_frames_total",
			Help: "Total number of inbound EventSub frames by message type.",
		},
		[]string{"type"},
	)

	// reconnectsTotal counts reconnect attempts (not successes).
	reconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "eventsub_reconnect_attempts_total",
			Help: "Total number of EventSub reconnect attempts.",
		},
	)
)

func init() {
	prometheus.MustRegister(framesTotal, reconnectsTotal)
}
