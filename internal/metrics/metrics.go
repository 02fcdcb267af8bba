// Package metrics provides Prometheus metrics for the sshmux transport
// and channel multiplexer.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sshmux"

// Metrics holds every Prometheus collector the engine updates. A nil
// *Metrics is valid: every Record method is a no-op on a nil receiver,
// so callers that don't want metrics pass nil.
type Metrics struct {
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	ConnectionErrors  *prometheus.CounterVec

	ChannelsActive    prometheus.Gauge
	ChannelsOpened    *prometheus.CounterVec
	ChannelOpenFailed *prometheus.CounterVec
	ChannelOpenLat    prometheus.Histogram

	BytesTx *prometheus.CounterVec
	BytesRx *prometheus.CounterVec

	KexRounds       prometheus.Counter
	KexFailures     *prometheus.CounterVec
	KexLatency      prometheus.Histogram
	RekeysByBytes   prometheus.Counter
	RekeysByTimer   prometheus.Counter

	KeepalivesSent prometheus.Counter
	KeepalivesRecv prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns a process-wide Metrics registered against the
// default Prometheus registry, created on first use.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = New()
	})
	return defaultMetrics
}

// New creates a Metrics instance registered against the default
// Prometheus registerer.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance against reg, so tests can
// use an isolated prometheus.NewRegistry() instead of the global one.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections_active",
			Help: "Number of currently open SSH connections.",
		}),
		ConnectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_total",
			Help: "Total SSH connections established.",
		}),
		ConnectionErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "connection_errors_total",
			Help: "Total connections terminated by error, labeled by error kind.",
		}, []string{"kind"}),

		ChannelsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "channels_active",
			Help: "Number of currently open multiplexed channels.",
		}),
		ChannelsOpened: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "channels_opened_total",
			Help: "Total channels opened, labeled by channel type and direction.",
		}, []string{"type", "direction"}),
		ChannelOpenFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "channel_open_failed_total",
			Help: "Total channel open failures, labeled by reason.",
		}, []string{"reason"}),
		ChannelOpenLat: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "channel_open_latency_seconds",
			Help:    "Latency between MSG_CHANNEL_OPEN and its confirmation or failure.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),

		BytesTx: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_sent_total",
			Help: "Plaintext payload bytes sent, labeled by message class.",
		}, []string{"class"}),
		BytesRx: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_received_total",
			Help: "Plaintext payload bytes received, labeled by message class.",
		}, []string{"class"}),

		KexRounds: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "kex_rounds_total",
			Help: "Total key-exchange rounds completed, including the initial one.",
		}),
		KexFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "kex_failures_total",
			Help: "Total key-exchange rounds that failed, labeled by reason.",
		}, []string{"reason"}),
		KexLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "kex_latency_seconds",
			Help:    "Wall time from KEX_INIT send to NEW_KEYS completion.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		RekeysByBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rekeys_by_bytes_total",
			Help: "Rekeys triggered by the configured byte threshold.",
		}),
		RekeysByTimer: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rekeys_by_timer_total",
			Help: "Rekeys triggered by the configured time interval.",
		}),

		KeepalivesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "keepalives_sent_total",
			Help: "Total keepalive@openssh.com global requests sent.",
		}),
		KeepalivesRecv: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "keepalives_received_total",
			Help: "Total keepalive@openssh.com global requests received from a peer.",
		}),
	}
}

// RecordConnectionOpen records a new connection becoming active.
func (m *Metrics) RecordConnectionOpen() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Inc()
	m.ConnectionsTotal.Inc()
}

// RecordConnectionClosed records a connection tearing down, classified
// by error kind ("" for a clean shutdown).
func (m *Metrics) RecordConnectionClosed(kind string) {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
	if kind != "" {
		m.ConnectionErrors.WithLabelValues(kind).Inc()
	}
}

// RecordChannelOpened records a channel reaching the Open state.
func (m *Metrics) RecordChannelOpened(channelType, direction string) {
	if m == nil {
		return
	}
	m.ChannelsActive.Inc()
	m.ChannelsOpened.WithLabelValues(channelType, direction).Inc()
}

// RecordChannelClosed records a channel's slot being freed.
func (m *Metrics) RecordChannelClosed() {
	if m == nil {
		return
	}
	m.ChannelsActive.Dec()
}

// RecordChannelOpenFailed records OPEN_FAILURE, local or remote.
func (m *Metrics) RecordChannelOpenFailed(reason string) {
	if m == nil {
		return
	}
	m.ChannelOpenFailed.WithLabelValues(reason).Inc()
}

// RecordChannelOpenLatency records the open-to-confirmation latency.
func (m *Metrics) RecordChannelOpenLatency(seconds float64) {
	if m == nil {
		return
	}
	m.ChannelOpenLat.Observe(seconds)
}

// RecordBytesTx records outbound payload bytes of the given class
// ("data", "extended-data", "control").
func (m *Metrics) RecordBytesTx(class string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesTx.WithLabelValues(class).Add(float64(n))
}

// RecordBytesRx records inbound payload bytes of the given class.
func (m *Metrics) RecordBytesRx(class string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesRx.WithLabelValues(class).Add(float64(n))
}

// RecordKexStart marks the beginning of a new key-exchange round,
// triggered either by the byte threshold or the timer.
func (m *Metrics) RecordKexStart(triggeredByBytes bool) {
	if m == nil {
		return
	}
	if triggeredByBytes {
		m.RekeysByBytes.Inc()
	} else {
		m.RekeysByTimer.Inc()
	}
}

// RecordKexSuccess records a completed NEW_KEYS exchange.
func (m *Metrics) RecordKexSuccess(seconds float64) {
	if m == nil {
		return
	}
	m.KexRounds.Inc()
	m.KexLatency.Observe(seconds)
}

// RecordKexFailure records a fatal kex error, classified by reason
// ("negotiation", "hostkey", "signature").
func (m *Metrics) RecordKexFailure(reason string) {
	if m == nil {
		return
	}
	m.KexFailures.WithLabelValues(reason).Inc()
}

// RecordKeepaliveSent records this side issuing a keepalive.
func (m *Metrics) RecordKeepaliveSent() {
	if m == nil {
		return
	}
	m.KeepalivesSent.Inc()
}

// RecordKeepaliveReceived records the peer issuing a keepalive.
func (m *Metrics) RecordKeepaliveReceived() {
	if m == nil {
		return
	}
	m.KeepalivesRecv.Inc()
}
