// Package metrics exposes Prometheus counters for the kit protocol.
//
// All methods are safe to call on a nil *Metrics, so components can run
// without instrumentation in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "veerakit"

// Metrics holds the protocol counters.
type Metrics struct {
	commandsSent   prometheus.Counter
	retries        prometheus.Counter
	acks           prometheus.Counter
	ackTimeouts    prometheus.Counter
	rawWrites      prometheus.Counter
	writeErrors    prometheus.Counter
	openAttempts   *prometheus.CounterVec
	framesReceived *prometheus.CounterVec
	eventsDropped  *prometheus.CounterVec
	connected      prometheus.Gauge
	queueDepth     prometheus.Gauge
}

// New creates the counters and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		commandsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "commands_sent_total",
			Help: "Queued commands dispatched to the kit (first transmission only).",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "command_retries_total",
			Help: "Command retransmissions after an ack timeout.",
		}),
		acks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "acks_total",
			Help: "Commands resolved by a matching ack.",
		}),
		ackTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ack_timeouts_total",
			Help: "Commands failed after exhausting retries.",
		}),
		rawWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "raw_writes_total",
			Help: "Fire-and-forget writes (threshold batches, raw messages).",
		}),
		writeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "write_errors_total",
			Help: "Writes that failed or were attempted while the port was closed.",
		}),
		openAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "port_open_attempts_total",
			Help: "Serial port open attempts by result.",
		}, []string{"result"}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_received_total",
			Help: "Inbound frames by decoded event type.",
		}, []string{"type"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_dropped_total",
			Help: "Events not delivered because a subscriber buffer was full.",
		}, []string{"type"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connected",
			Help: "1 while the serial port is open.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_depth",
			Help: "Commands waiting behind the in-flight command.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.commandsSent, m.retries, m.acks, m.ackTimeouts, m.rawWrites,
			m.writeErrors, m.openAttempts, m.framesReceived, m.eventsDropped,
			m.connected, m.queueDepth,
		)
	}
	return m
}

func (m *Metrics) CommandSent() {
	if m != nil {
		m.commandsSent.Inc()
	}
}

func (m *Metrics) Retry() {
	if m != nil {
		m.retries.Inc()
	}
}

func (m *Metrics) Ack() {
	if m != nil {
		m.acks.Inc()
	}
}

func (m *Metrics) AckTimeout() {
	if m != nil {
		m.ackTimeouts.Inc()
	}
}

func (m *Metrics) RawWrite() {
	if m != nil {
		m.rawWrites.Inc()
	}
}

func (m *Metrics) WriteError() {
	if m != nil {
		m.writeErrors.Inc()
	}
}

// OpenAttempt records one port open attempt.
func (m *Metrics) OpenAttempt(ok bool) {
	if m == nil {
		return
	}
	result := "error"
	if ok {
		result = "ok"
	}
	m.openAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) FrameReceived(kind string) {
	if m != nil {
		m.framesReceived.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) EventDropped(kind string) {
	if m != nil {
		m.eventsDropped.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) SetConnected(on bool) {
	if m == nil {
		return
	}
	if on {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}

func (m *Metrics) SetQueueDepth(n int) {
	if m != nil {
		m.queueDepth.Set(float64(n))
	}
}
