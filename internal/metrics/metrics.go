// Package metrics holds the Prometheus collectors for calls, sync, typing,
// presence and media.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	callSessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goopchat_call_sessions_total",
			Help: "Call sessions by direction and terminal outcome.",
		},
		[]string{"direction", "outcome"},
	)
	callDeclinedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "goopchat_call_declined_total",
			Help: "Inbound call offers declined because a session was already active.",
		},
	)
	callConnectedSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "goopchat_call_connected_seconds",
			Help:    "Connected duration of finished calls.",
			Buckets: []float64{5, 30, 60, 300, 900, 1800, 3600},
		},
	)
	syncEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goopchat_sync_events_total",
			Help: "Conversation events delivered to subscribers.",
		},
		[]string{"kind"},
	)
	syncReadFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "goopchat_sync_read_failures_total",
			Help: "Failed backfill reads and mutation writes.",
		},
	)
	typingPingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goopchat_typing_pings_total",
			Help: "Typing pings by direction.",
		},
		[]string{"direction"},
	)
	presenceOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "goopchat_presence_online",
			Help: "Users currently online on the presence topic.",
		},
	)
	rtpBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goopchat_rtp_received_bytes_total",
			Help: "RTP payload bytes received from remote tracks.",
		},
		[]string{"kind"},
	)
	replicaRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goopchat_replica_rows_total",
			Help: "Store rows replicated between peers, by direction and table.",
		},
		[]string{"direction", "table"},
	)
	signalErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goopchat_signal_errors_total",
			Help: "Signaling connection errors by kind.",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(
		callSessionsTotal,
		callDeclinedTotal,
		callConnectedSeconds,
		syncEventsTotal,
		syncReadFailuresTotal,
		typingPingsTotal,
		presenceOnline,
		rtpBytesTotal,
		replicaRowsTotal,
		signalErrorsTotal,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func IncCallSession(direction, outcome string) {
	callSessionsTotal.WithLabelValues(direction, outcome).Inc()
}

func IncCallDeclined() {
	callDeclinedTotal.Inc()
}

func ObserveCallConnected(seconds float64) {
	callConnectedSeconds.Observe(seconds)
}

func IncSyncEvent(kind string) {
	syncEventsTotal.WithLabelValues(kind).Inc()
}

func IncSyncReadFailure() {
	syncReadFailuresTotal.Inc()
}

func IncTypingPing(direction string) {
	typingPingsTotal.WithLabelValues(direction).Inc()
}

func SetPresenceOnline(n int) {
	presenceOnline.Set(float64(n))
}

func AddRTPBytes(kind string, n int) {
	rtpBytesTotal.WithLabelValues(kind).Add(float64(n))
}

func AddReplicaRows(direction, table string, n int) {
	replicaRowsTotal.WithLabelValues(direction, table).Add(float64(n))
}

func IncSignalError(kind string) {
	signalErrorsTotal.WithLabelValues(kind).Inc()
}
