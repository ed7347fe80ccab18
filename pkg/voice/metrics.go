package voice

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exports connection counters. A nil *Metrics records nothing.
type Metrics struct {
	handshakes *prometheus.CounterVec
	closes     *prometheus.CounterVec
	reconnects prometheus.Counter
	heartbeats prometheus.Counter
	received   *prometheus.CounterVec
	errors     *prometheus.CounterVec
	ready      prometheus.Gauge
}

// NewMetrics registers the connection metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		handshakes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_handshakes_total",
			Help: "Completed signaling handshakes by kind (identify, resume)",
		}, []string{"kind"}),
		closes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_channel_closes_total",
			Help: "Signaling channel closes by classification",
		}, []string{"class"}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_reconnects_total",
			Help: "Automatic reconnect attempts after resumable closes",
		}),
		heartbeats: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_heartbeats_sent_total",
			Help: "Heartbeat frames sent",
		}),
		received: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_frames_received_total",
			Help: "Inbound signaling frames by opcode",
		}, []string{"op"}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_errors_total",
			Help: "Errors published on the connection event channel",
		}, []string{"kind"}),
		ready: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voice_connections_ready",
			Help: "Connections currently in the ready state",
		}),
	}
}

func (m *Metrics) handshake(kind string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(kind).Inc()
}

func (m *Metrics) closed(resumable bool) {
	if m == nil {
		return
	}
	class := "terminal"
	if resumable {
		class = "resumable"
	}
	m.closes.WithLabelValues(class).Inc()
}

func (m *Metrics) reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) heartbeat() {
	if m == nil {
		return
	}
	m.heartbeats.Inc()
}

func (m *Metrics) frame(op string) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(op).Inc()
}

func (m *Metrics) failed(kind string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(kind).Inc()
}

func (m *Metrics) stateChanged(from, to State) {
	if m == nil {
		return
	}
	if to == StateReady && from != StateReady {
		m.ready.Inc()
	} else if from == StateReady && to != StateReady {
		m.ready.Dec()
	}
}
