package graphsync

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCollector(t *testing.T) {
	h := newHarness(t, Config{})
	h.inject(t, conflictEvent("n1", map[string]any{"a": 1}, map[string]any{"a": 2}))
	h.inject(t, nodeEvent(EventNodeCreated, "n2", nil))
	h.connect(t)

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(NewMetricsCollector(h.client, "graph")))

	families, err := reg.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	states := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case mf.GetName() == "graph_sync_connection_state":
				states[m.GetLabel()[0].GetValue()] = m.GetGauge().GetValue()
			case m.GetCounter() != nil:
				values[mf.GetName()] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				values[mf.GetName()] = m.GetGauge().GetValue()
			}
		}
	}

	assert.Equal(t, 1.0, values["graph_sync_conflicts_detected_total"])
	assert.Equal(t, 0.0, values["graph_sync_conflicts_resolved_total"])
	assert.Equal(t, 2.0, values["graph_sync_events_processed_total"])
	assert.Equal(t, 1.0, values["graph_sync_pending_conflicts"])
	assert.Contains(t, values, "graph_sync_heartbeat_latency_seconds")
	assert.Contains(t, values, "graph_sync_connection_uptime_seconds")

	assert.Equal(t, map[string]float64{
		"disconnected": 0,
		"connecting":   0,
		"connected":    1,
		"reconnecting": 0,
		"error":        0,
	}, states)
}

func TestMetrics_CountersNeverDecrease(t *testing.T) {
	h := newHarness(t, Config{})
	conn := h.connect(t)
	conn.pushEvent(t, nodeEvent(EventNodeCreated, "n1", nil))
	require.Eventually(t, func() bool { return h.client.Metrics().MessagesReceived == 1 }, waitFor, tick)

	before := h.client.Metrics()
	require.NoError(t, h.client.Disconnect())
	after := h.client.Metrics()

	assert.Equal(t, before.MessagesReceived, after.MessagesReceived)
	assert.Equal(t, before.EventsProcessed, after.EventsProcessed)
}
