package broadcast

import "github.com/prometheus/client_golang/prometheus"

var (
	// connectedClients tracks the number of overlay pages currently attached
	// to the event stream.
	connectedClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "broadcast_connected_clients",
			Help: "Number of overlay clients currently attached to the event stream.",
		},
	)

	// broadcastsTotal counts payloads fanned out to the client set.
	broadcastsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broadcast_payloads_total",
			Help: "Total number of payloads broadcast to overlay clients.",
		},
	)

	// droppedFramesTotal counts per-client sends skipped because the client's
	// buffer was full. A slow client loses frames; others are unaffected.
	droppedFramesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broadcast_dropped_frames_total",
			Help: "Total number of frames dropped due to slow overlay clients.",
		},
	)
)

func init() {
	prometheus.MustRegister(connectedClients, broadcastsTotal, droppedFramesTotal)
}
