package graphsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconnector_Delays(t *testing.T) {
	cfg := Config{}
	cfg.defaults()
	cfg.MaxReconnectAttempts = 7
	r := newReconnector(&cfg)

	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for i, w := range want {
		d, ok := r.next()
		require.True(t, ok, "attempt %d", i)
		assert.Equal(t, w, d, "attempt %d", i)
	}
	_, ok := r.next()
	assert.False(t, ok)
	assert.Equal(t, 7, r.attempt)

	r.reset()
	d, ok := r.next()
	assert.True(t, ok)
	assert.Equal(t, time.Second, d)
}

func TestReconnect_AfterConnectionLoss(t *testing.T) {
	h := newHarness(t, Config{})
	conn := h.connect(t)

	conn.fail(errors.New("connection reset by peer"))
	require.Eventually(t, func() bool {
		return h.client.Status().State == StateReconnecting
	}, waitFor, tick)
	assert.Equal(t, 1, h.client.Status().ReconnectAttempts)
	assert.Eventually(t, conn.isClosed, waitFor, tick)

	h.advance(t, time.Second)
	h.transport.nextConn(t)
	require.Eventually(t, func() bool {
		return h.client.Status().State == StateConnected
	}, waitFor, tick)

	st := h.client.Status()
	assert.Equal(t, 0, st.ReconnectAttempts)
	assert.Equal(t, int64(1), h.client.Metrics().ReconnectionCount)
	assert.Equal(t, 2, h.transport.dialCount())
}

func TestReconnect_ResubscribesOnReconnect(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.client.Subscribe(SubscriptionSpec{
		EventTypes: []EventType{EventNodeUpdated},
		Handler:    &eventRecorder{},
	})
	require.NoError(t, err)

	conn := h.connect(t)
	conn.expectFrame(t, frameSubscribe)

	conn.fail(errors.New("broken pipe"))
	require.Eventually(t, func() bool {
		return h.client.Status().State == StateReconnecting
	}, waitFor, tick)
	h.advance(t, time.Second)

	next := h.transport.nextConn(t)
	f := next.expectFrame(t, frameSubscribe)
	var p subscribePayload
	require.NoError(t, JSONCodec().Unmarshal(f.Payload, &p))
	assert.Equal(t, []EventType{EventNodeUpdated}, p.EventTypes)
}

func TestReconnect_GivesUpAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, Config{
		MaxReconnectAttempts: 2,
		ReconnectBaseDelay:   100 * time.Millisecond,
		ReconnectMaxDelay:    time.Second,
	})
	h.transport.setFailure(errors.New("dial tcp: connection refused"))

	err := h.client.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnectionRefused))

	st := h.client.Status()
	assert.Equal(t, StateReconnecting, st.State)
	assert.Equal(t, 1, st.ReconnectAttempts)

	h.advance(t, 100*time.Millisecond)
	require.Eventually(t, func() bool {
		return h.client.Status().ReconnectAttempts == 2
	}, waitFor, tick)

	h.advance(t, 200*time.Millisecond)
	require.Eventually(t, func() bool {
		return h.client.Status().State == StateError
	}, waitFor, tick)

	st = h.client.Status()
	assert.True(t, errors.Is(st.Err, ErrMaxReconnectAttempts))
	assert.Equal(t, 2, st.ReconnectAttempts)
	assert.Equal(t, 3, h.transport.dialCount())

	h.advance(t, time.Minute)
	assert.Equal(t, 3, h.transport.dialCount())
}

func TestReconnect_AttemptsNeverDecreaseWhileReconnecting(t *testing.T) {
	h := newHarness(t, Config{MaxReconnectAttempts: 4})
	h.transport.setFailure(errors.New("unreachable"))
	_ = h.client.Connect(context.Background())

	last := h.client.Status().ReconnectAttempts
	for i := 0; i < 3; i++ {
		h.advance(t, time.Minute)
		require.Eventually(t, func() bool {
			return h.client.Status().ReconnectAttempts > last || h.client.Status().State == StateError
		}, waitFor, tick)
		cur := h.client.Status().ReconnectAttempts
		assert.GreaterOrEqual(t, cur, last)
		last = cur
	}
}

func TestReconnect_ServerRequestedCloseStaysDown(t *testing.T) {
	h := newHarness(t, Config{})
	conn := h.connect(t)

	conn.fail(&TransportClosedError{Code: closeNormal, Reason: "shutting down"})
	require.Eventually(t, func() bool {
		return h.client.Status().State == StateDisconnected
	}, waitFor, tick)

	h.advance(t, time.Minute)
	assert.Equal(t, 1, h.transport.dialCount())
	assert.Equal(t, StateDisconnected, h.client.Status().State)
}

func TestReconnect_DisconnectFrameStaysDown(t *testing.T) {
	h := newHarness(t, Config{})
	conn := h.connect(t)

	conn.push(t, frameDisconnect, disconnectPayload{Reason: "kicked"})
	require.Eventually(t, func() bool {
		return h.client.Status().State == StateDisconnected
	}, waitFor, tick)

	h.advance(t, time.Minute)
	assert.Equal(t, 1, h.transport.dialCount())
}

func TestReconnect_AbnormalCloseReconnects(t *testing.T) {
	h := newHarness(t, Config{})
	conn := h.connect(t)

	conn.fail(&TransportClosedError{Code: 1006})
	require.Eventually(t, func() bool {
		return h.client.Status().State == StateReconnecting
	}, waitFor, tick)
}

func TestReconnect_Disabled(t *testing.T) {
	h := newHarness(t, Config{DisableReconnect: true})
	conn := h.connect(t)

	conn.fail(errors.New("reset"))
	require.Eventually(t, func() bool {
		return h.client.Status().State == StateError
	}, waitFor, tick)

	h.advance(t, time.Minute)
	assert.Equal(t, 1, h.transport.dialCount())
}

func TestReconnect_FirstConnectAfterFailureIsNotAReconnection(t *testing.T) {
	h := newHarness(t, Config{})
	h.transport.setFailure(errors.New("no route to host"))
	require.Error(t, h.client.Connect(context.Background()))
	require.Equal(t, StateReconnecting, h.client.Status().State)

	h.transport.setFailure(nil)
	h.advance(t, time.Second)
	conn := h.transport.nextConn(t)
	require.Eventually(t, func() bool {
		return h.client.Status().State == StateConnected
	}, waitFor, tick)
	assert.Equal(t, int64(0), h.client.Metrics().ReconnectionCount)

	// Losing that link and getting it back is one.
	conn.fail(errors.New("connection reset by peer"))
	require.Eventually(t, func() bool {
		return h.client.Status().State == StateReconnecting
	}, waitFor, tick)
	h.advance(t, time.Second)
	h.transport.nextConn(t)
	require.Eventually(t, func() bool {
		return h.client.Status().State == StateConnected
	}, waitFor, tick)
	assert.Equal(t, int64(1), h.client.Metrics().ReconnectionCount)
}

func TestReconnect_ManualResetsAttempts(t *testing.T) {
	h := newHarness(t, Config{})
	conn := h.connect(t)

	conn.fail(errors.New("reset"))
	require.Eventually(t, func() bool {
		return h.client.Status().State == StateReconnecting
	}, waitFor, tick)

	require.NoError(t, h.client.Reconnect(context.Background()))
	st := h.client.Status()
	assert.Equal(t, StateConnected, st.State)
	assert.Equal(t, 0, st.ReconnectAttempts)
	assert.Equal(t, int64(1), h.client.Metrics().ReconnectionCount)

	// The cancelled backoff timer must not dial again.
	h.advance(t, time.Minute)
	assert.Equal(t, 2, h.transport.dialCount())
}
