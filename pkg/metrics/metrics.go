// Package metrics exposes player counters to Prometheus. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pixelpeep"

// Metrics holds the player's collectors.
type Metrics struct {
	registry *prometheus.Registry

	framesSent        *prometheus.CounterVec
	framesReceived    *prometheus.CounterVec
	framesDropped     *prometheus.CounterVec
	transferBytes     *prometheus.CounterVec
	transfersComplete *prometheus.CounterVec
	transferOverflows *prometheus.CounterVec
	reconnects        prometheus.Counter
	signalState       *prometheus.GaugeVec
	latency           prometheus.Histogram
	encoderQP         prometheus.Gauge
}

// New registers the player collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		framesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datachannel_frames_sent_total",
			Help:      "Frames sent to the streamer by message type",
		}, []string{"message"}),
		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datachannel_frames_received_total",
			Help:      "Frames received from the streamer by message type",
		}, []string{"message"}),
		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datachannel_frames_dropped_total",
			Help:      "Frames dropped by reason",
		}, []string{"reason"}),
		transferBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_bytes_total",
			Help:      "Payload bytes received in chunked transfers",
		}, []string{"kind"}),
		transfersComplete: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_completed_total",
			Help:      "Chunked transfers completed",
		}, []string{"kind"}),
		transferOverflows: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_overflows_total",
			Help:      "Chunked transfers aborted because more data arrived than announced",
		}, []string{"kind"}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signalling_reconnects_total",
			Help:      "Signalling reconnection attempts",
		}),
		signalState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "signalling_state",
			Help:      "1 for the current signalling state",
		}, []string{"state"}),
		latency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "latency_test_network_seconds",
			Help:      "Network latency reported by latency tests",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~2.5s
		}),
		encoderQP: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "encoder_average_qp",
			Help:      "Last average QP reported by the streamer's encoder",
		}),
	}
}

func (m *Metrics) FrameSent(message string) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(message).Inc()
}

func (m *Metrics) FrameReceived(message string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(message).Inc()
}

func (m *Metrics) FrameDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) TransferBytes(kind string, n int) {
	if m == nil {
		return
	}
	m.transferBytes.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) TransferComplete(kind string) {
	if m == nil {
		return
	}
	m.transfersComplete.WithLabelValues(kind).Inc()
}

func (m *Metrics) TransferOverflow(kind string) {
	if m == nil {
		return
	}
	m.transferOverflows.WithLabelValues(kind).Inc()
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// SignalState marks state as current and clears the others.
func (m *Metrics) SignalState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		m.signalState.WithLabelValues(s).Set(0)
	}
	m.signalState.WithLabelValues(state).Set(1)
}

func (m *Metrics) LatencySample(seconds float64) {
	if m == nil {
		return
	}
	m.latency.Observe(seconds)
}

func (m *Metrics) EncoderQP(qp float64) {
	if m == nil {
		return
	}
	m.encoderQP.Set(qp)
}

// Registry exposes the underlying registry for scraping and tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve blocks serving /metrics on addr.
func (m *Metrics) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	log.Printf("Metrics server listening on %s", addr)
	return http.ListenAndServe(addr, mux)
}
