package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// value returns the sample for name whose labels include want.
func value(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if !hasLabels(m, want) {
				continue
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s %v not found", name, want)
	return 0
}

func hasLabels(m *dto.Metric, want map[string]string) bool {
	got := map[string]string{}
	for _, lp := range m.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

func TestCountersAndGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.CommandSent()
	m.CommandSent()
	m.Retry()
	m.Ack()
	m.AckTimeout()
	m.OpenAttempt(true)
	m.OpenAttempt(false)
	m.OpenAttempt(false)
	m.FrameReceived("sensor-update")
	m.EventDropped("ack")
	m.SetConnected(true)
	m.SetQueueDepth(3)

	assert.Equal(t, 2.0, value(t, reg, "veerakit_commands_sent_total", nil))
	assert.Equal(t, 1.0, value(t, reg, "veerakit_command_retries_total", nil))
	assert.Equal(t, 1.0, value(t, reg, "veerakit_port_open_attempts_total", map[string]string{"result": "ok"}))
	assert.Equal(t, 2.0, value(t, reg, "veerakit_port_open_attempts_total", map[string]string{"result": "error"}))
	assert.Equal(t, 1.0, value(t, reg, "veerakit_frames_received_total", map[string]string{"type": "sensor-update"}))
	assert.Equal(t, 1.0, value(t, reg, "veerakit_events_dropped_total", map[string]string{"type": "ack"}))
	assert.Equal(t, 1.0, value(t, reg, "veerakit_connected", nil))
	assert.Equal(t, 3.0, value(t, reg, "veerakit_queue_depth", nil))

	m.SetConnected(false)
	assert.Equal(t, 0.0, value(t, reg, "veerakit_connected", nil))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.CommandSent()
		m.Retry()
		m.Ack()
		m.AckTimeout()
		m.RawWrite()
		m.WriteError()
		m.OpenAttempt(true)
		m.FrameReceived("ack")
		m.EventDropped("ack")
		m.SetConnected(true)
		m.SetQueueDepth(1)
	})
}
