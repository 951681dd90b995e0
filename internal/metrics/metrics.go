// Package metrics holds the process-wide Prometheus collectors. They are
// registered on the default registry and served by the viewer at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	envelopesIn = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sanctuary_envelopes_received_total",
		Help: "Envelopes dispatched to a handler, by type",
	}, []string{"type"})

	envelopesOut = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sanctuary_envelopes_sent_total",
		Help: "Envelopes handed to the session, by type",
	}, []string{"type"})

	envelopesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sanctuary_envelopes_dropped_total",
		Help: "Envelopes dropped, by reason",
	}, []string{"reason"})

	connectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sanctuary_connection_state",
		Help: "Peer connection state (0 idle, 1 dialing, 2 open, 3 closed)",
	})

	connectionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sanctuary_connections_opened_total",
		Help: "Connections that became canonical",
	})

	transfers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sanctuary_transfers_total",
		Help: "Chunked transfers, by direction and phase",
	}, []string{"direction", "phase"})

	transferBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sanctuary_transfer_bytes_total",
		Help: "Payload bytes moved by chunked transfers",
	}, []string{"direction"})

	calls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sanctuary_calls_total",
		Help: "Call sessions that reached Ended, by outcome",
	}, []string{"outcome"})

	callDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sanctuary_call_duration_seconds",
		Help:    "Time spent Connected per call",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	})

	rtpBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sanctuary_rtp_received_bytes_total",
		Help: "Remote media bytes received, by track kind",
	}, []string{"kind"})
)

func EnvelopeIn(tag string)  { envelopesIn.WithLabelValues(tag).Inc() }
func EnvelopeOut(tag string) { envelopesOut.WithLabelValues(tag).Inc() }

// Dropped reasons: unknown_tag, malformed, not_connected.
func Dropped(reason string) { envelopesDropped.WithLabelValues(reason).Inc() }

func ConnectionState(state int) { connectionState.Set(float64(state)) }
func ConnectionOpened()         { connectionsOpened.Inc() }

// Transfer phases: started, completed, discarded.
func Transfer(direction, phase string) { transfers.WithLabelValues(direction, phase).Inc() }
func TransferBytes(direction string, n int) {
	transferBytes.WithLabelValues(direction).Add(float64(n))
}

func CallEnded(outcome string, connectedSeconds float64) {
	calls.WithLabelValues(outcome).Inc()
	if connectedSeconds > 0 {
		callDuration.Observe(connectedSeconds)
	}
}

func RTPBytes(kind string, n int) { rtpBytes.WithLabelValues(kind).Add(float64(n)) }
