package graphsync

import "time"

// ConnectionState represents the link state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateError        ConnectionState = "error"
)

// ConnectionStatus is a point-in-time view of the link.
//
// ReconnectAttempts resets to 0 on a successful connection (or an explicit
// Reconnect) and never decreases while reconnecting.
type ConnectionStatus struct {
	State             ConnectionState `json:"state"`
	ConnectedAt       time.Time       `json:"connectedAt,omitempty"`
	LastHeartbeatAt   time.Time       `json:"lastHeartbeatAt,omitempty"`
	Latency           time.Duration   `json:"latency,omitempty"`
	ReconnectAttempts int             `json:"reconnectAttempts"`
	Err               error           `json:"-"`
}

// Metrics is an immutable snapshot of the client's counters and gauges.
// Counters only grow for the lifetime of the process.
type Metrics struct {
	MessagesReceived  int64 `json:"messagesReceived"`
	MessagesSent      int64 `json:"messagesSent"`
	EventsProcessed   int64 `json:"eventsProcessed"`
	ConflictsDetected int64 `json:"conflictsDetected"`
	ConflictsResolved int64 `json:"conflictsResolved"`
	ReconnectionCount int64 `json:"reconnectionCount"`

	ConnectionUptime time.Duration `json:"connectionUptime"`
	AverageLatency   time.Duration `json:"averageLatency"`
}

type metricsState struct {
	messagesReceived  int64
	messagesSent      int64
	eventsProcessed   int64
	conflictsDetected int64
	conflictsResolved int64
	reconnectionCount int64

	latencyTotal   time.Duration
	latencySamples int64
}

func (m *metricsState) observeLatency(d time.Duration) {
	m.latencyTotal += d
	m.latencySamples++
}

func (m *metricsState) snapshot(status ConnectionStatus, now time.Time) Metrics {
	out := Metrics{
		MessagesReceived:  m.messagesReceived,
		MessagesSent:      m.messagesSent,
		EventsProcessed:   m.eventsProcessed,
		ConflictsDetected: m.conflictsDetected,
		ConflictsResolved: m.conflictsResolved,
		ReconnectionCount: m.reconnectionCount,
	}
	if status.State == StateConnected && !status.ConnectedAt.IsZero() {
		out.ConnectionUptime = now.Sub(status.ConnectedAt)
	}
	if m.latencySamples > 0 {
		out.AverageLatency = m.latencyTotal / time.Duration(m.latencySamples)
	}
	return out
}
