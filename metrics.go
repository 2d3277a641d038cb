package graphsync

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector exports a Client's Metrics to Prometheus. Values are read
// from a fresh snapshot on every scrape.
type MetricsCollector struct {
	client *Client

	messagesReceived  *prometheus.Desc
	messagesSent      *prometheus.Desc
	eventsProcessed   *prometheus.Desc
	conflictsDetected *prometheus.Desc
	conflictsResolved *prometheus.Desc
	reconnections     *prometheus.Desc
	uptime            *prometheus.Desc
	latency           *prometheus.Desc
	pendingConflicts  *prometheus.Desc
	state             *prometheus.Desc
}

// NewMetricsCollector creates a collector for c. Register it with a
// prometheus.Registerer.
func NewMetricsCollector(c *Client, namespace string) *MetricsCollector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "sync", name), help, labels, nil)
	}
	return &MetricsCollector{
		client:            c,
		messagesReceived:  desc("messages_received_total", "Frames received from the server."),
		messagesSent:      desc("messages_sent_total", "Frames written to the server."),
		eventsProcessed:   desc("events_processed_total", "Graph events routed to subscribers."),
		conflictsDetected: desc("conflicts_detected_total", "Conflicts recorded."),
		conflictsResolved: desc("conflicts_resolved_total", "Conflicts resolved."),
		reconnections:     desc("reconnections_total", "Successful automatic or manual reconnections."),
		uptime:            desc("connection_uptime_seconds", "Time since the current connection was established."),
		latency:           desc("heartbeat_latency_seconds", "Average heartbeat round trip."),
		pendingConflicts:  desc("pending_conflicts", "Conflicts awaiting resolution."),
		state:             desc("connection_state", "1 for the current connection state.", "state"),
	}
}

func (m *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.messagesReceived
	ch <- m.messagesSent
	ch <- m.eventsProcessed
	ch <- m.conflictsDetected
	ch <- m.conflictsResolved
	ch <- m.reconnections
	ch <- m.uptime
	ch <- m.latency
	ch <- m.pendingConflicts
	ch <- m.state
}

func (m *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	snap := m.client.Metrics()
	status := m.client.Status()
	pending := len(m.client.PendingConflicts())

	counter := func(d *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	counter(m.messagesReceived, snap.MessagesReceived)
	counter(m.messagesSent, snap.MessagesSent)
	counter(m.eventsProcessed, snap.EventsProcessed)
	counter(m.conflictsDetected, snap.ConflictsDetected)
	counter(m.conflictsResolved, snap.ConflictsResolved)
	counter(m.reconnections, snap.ReconnectionCount)

	ch <- prometheus.MustNewConstMetric(m.uptime, prometheus.GaugeValue, snap.ConnectionUptime.Seconds())
	ch <- prometheus.MustNewConstMetric(m.latency, prometheus.GaugeValue, snap.AverageLatency.Seconds())
	ch <- prometheus.MustNewConstMetric(m.pendingConflicts, prometheus.GaugeValue, float64(pending))

	for _, s := range []ConnectionState{StateDisconnected, StateConnecting, StateConnected, StateReconnecting, StateError} {
		v := 0.0
		if status.State == s {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(m.state, prometheus.GaugeValue, v, string(s))
	}
}
