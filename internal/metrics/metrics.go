// Package metrics exposes Prometheus collectors for the bridge.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Label values shared by the recording helpers.
const (
	SourceStream   = "stream"
	SourceDatagram = "datagram"

	RejectRateLimited = "rate_limited"
	RejectTooLarge    = "too_large"
)

// Metrics holds the bridge collectors and the registry they are bound to.
// All recording methods are safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	connectedClients  prometheus.Gauge
	framesReceived    *prometheus.CounterVec
	framesRejected    *prometheus.CounterVec
	decodeFailures    *prometheus.CounterVec
	forwards          *prometheus.CounterVec
	forwardDuration   prometheus.Histogram
	datagramsReceived prometheus.Counter
	deliveries        *prometheus.CounterVec
}

// New creates collectors under namespace on a fresh registry, together with
// the Go runtime and process collectors.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		connectedClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_clients",
			Help:      "Number of stream clients currently registered",
		}),

		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total number of stream frames received",
		}, []string{"kind"}),

		framesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_rejected_total",
			Help:      "Total number of stream frames refused before decoding",
		}, []string{"reason"}),

		decodeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_failures_total",
			Help:      "Total number of frames or datagrams that failed to decode",
		}, []string{"source"}),

		forwards: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_sent_total",
			Help:      "Total number of OSC datagrams sent to the destination",
		}, []string{"result"}),

		forwardDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "datagram_send_duration_seconds",
			Help:      "Time spent encoding and sending one OSC datagram",
			Buckets:   prometheus.DefBuckets,
		}),

		datagramsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_received_total",
			Help:      "Total number of OSC datagrams received on the listen socket",
		}),

		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_deliveries_total",
			Help:      "Total number of broadcast frame deliveries to stream clients",
		}, []string{"result"}),
	}
}

// Registry returns the registry the collectors are bound to.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the Prometheus exposition format for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ClientConnected raises the connected-clients gauge.
func (m *Metrics) ClientConnected() {
	if m == nil {
		return
	}
	m.connectedClients.Inc()
}

// ClientDisconnected lowers the connected-clients gauge.
func (m *Metrics) ClientDisconnected() {
	if m == nil {
		return
	}
	m.connectedClients.Dec()
}

// FrameReceived counts one inbound stream frame of the given kind.
func (m *Metrics) FrameReceived(kind string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(kind).Inc()
}

// FrameRejected counts one inbound frame refused for reason, one of the
// Reject constants.
func (m *Metrics) FrameRejected(reason string) {
	if m == nil {
		return
	}
	m.framesRejected.WithLabelValues(reason).Inc()
}

// DecodeFailed counts one payload from source that could not be decoded.
// source is SourceStream or SourceDatagram.
func (m *Metrics) DecodeFailed(source string) {
	if m == nil {
		return
	}
	m.decodeFailures.WithLabelValues(source).Inc()
}

// DatagramSent records one send attempt and how long it took.
func (m *Metrics) DatagramSent(ok bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.forwards.WithLabelValues(result(ok)).Inc()
	m.forwardDuration.Observe(elapsed.Seconds())
}

// DatagramReceived counts one datagram read from the OSC listen socket.
func (m *Metrics) DatagramReceived() {
	if m == nil {
		return
	}
	m.datagramsReceived.Inc()
}

// Delivered records the outcome of one broadcast.
func (m *Metrics) Delivered(sent, failed int) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues("ok").Add(float64(sent))
	m.deliveries.WithLabelValues("failed").Add(float64(failed))
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}
