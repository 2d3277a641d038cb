package graphsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Control frame types. Graph events travel as frames named after their
// EventType.
const (
	frameConnected       = "connected"
	framePing            = "ping"
	framePong            = "pong"
	frameDisconnect      = "disconnect"
	frameError           = "error"
	frameSubscribe       = "subscribe"
	frameUnsubscribe     = "unsubscribe"
	frameBroadcast       = "broadcast"
	frameConflictResolve = "conflict.resolve"
	frameSyncRequest     = "sync.request"
	frameSyncComplete    = "sync.complete"
	frameSyncFailed      = "sync.failed"
)

var errConnectAborted = fmt.Errorf("connect aborted: %w", context.Canceled)

type pingPayload struct {
	RequestID string `json:"requestId"`
}

type disconnectPayload struct {
	Reason string `json:"reason,omitempty"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type outbound struct {
	frame  Frame
	result chan<- error
}

// ============================================================================
// Public link operations
// ============================================================================

// Connect opens the link and waits for the server's acknowledgment. Calling
// it while connected is a no-op; calling it while a connect is in flight
// joins that attempt.
func (c *Client) Connect(ctx context.Context) error {
	waiter := make(chan error, 1)
	if err := c.call(func() { c.startConnect(waiter) }); err != nil {
		return err
	}
	return c.await(ctx, waiter)
}

// Disconnect closes the link without reconnecting. Subscriptions and
// undelivered batched events are dropped. It is idempotent.
func (c *Client) Disconnect() error {
	return c.call(c.shutdown)
}

// Reconnect drops the current link and connects again with a fresh backoff
// sequence.
func (c *Client) Reconnect(ctx context.Context) error {
	waiter := make(chan error, 1)
	if err := c.call(func() {
		c.cancelReconnect()
		c.recon.reset()
		c.status.ReconnectAttempts = 0
		c.abortDial()
		c.teardownConn("reconnect")
		c.intentional = false
		c.reconnectPending = true
		c.setState(StateReconnecting, nil)
		c.startConnect(waiter)
	}); err != nil {
		return err
	}
	return c.await(ctx, waiter)
}

// Send broadcasts a locally originated event and waits until it is written.
func (c *Client) Send(ctx context.Context, ev GraphEvent) error {
	if !ev.Type.Valid() {
		return fmt.Errorf("unknown event type %q", ev.Type)
	}

	result := make(chan error, 1)
	var err error
	if callErr := c.call(func() {
		if c.conn == nil {
			err = ErrNotConnected
			return
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = c.clock.Now()
		}
		f, ferr := NewFrame(c.codec, frameBroadcast, ev)
		if ferr != nil {
			err = ferr
			return
		}
		if !c.writes.push(outbound{frame: f, result: result}) {
			err = ErrNotConnected
			return
		}
		c.recordChange(broadcastChange(ev))
	}); callErr != nil {
		return callErr
	}
	if err != nil {
		return err
	}

	select {
	case err := <-result:
		if err != nil {
			return fmt.Errorf("send %s: %w", ev.Type, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func broadcastChange(ev GraphEvent) Change {
	ch := Change{At: ev.Timestamp, Source: ChangeBroadcast, EventType: ev.Type}
	if kind, op, id, ok := ev.mutation(); ok {
		ch.Kind, ch.Operation, ch.EntityID = kind, op, id
		switch {
		case ev.Node != nil:
			ch.Data = ev.Node.Properties
		case ev.Edge != nil:
			ch.Data = ev.Edge.Properties
		}
	}
	return ch
}

func (c *Client) await(ctx context.Context, waiter <-chan error) error {
	select {
	case err := <-waiter:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.quit:
		return ErrClientClosed
	}
}

// ============================================================================
// Dialing
// ============================================================================

func (c *Client) startConnect(waiter chan error) {
	if c.conn != nil {
		if waiter != nil {
			waiter <- nil
		}
		return
	}
	if waiter != nil {
		c.connectWaiters = append(c.connectWaiters, waiter)
	}
	if c.dialing {
		return
	}

	c.dialing = true
	c.intentional = false
	if c.status.State != StateReconnecting {
		if waiter != nil {
			c.recon.reset()
		}
		c.setState(StateConnecting, nil)
	}

	c.dialGen++
	gen := c.dialGen
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.ConnectTimeout)
	c.dialCancel = cancel
	transport := c.transport

	go func() {
		conn, err := handshake(ctx, transport)
		if !c.post(func() { c.finishDial(gen, conn, err) }) && conn != nil {
			_ = conn.Close("client closed")
		}
	}()
}

// handshake dials and waits for the connected frame.
func handshake(ctx context.Context, t Transport) (Conn, error) {
	conn, err := t.Dial(ctx)
	if err != nil {
		return nil, classifyDialError(ctx, err)
	}
	f, err := conn.ReadFrame(ctx)
	if err != nil {
		_ = conn.Close("")
		return nil, classifyDialError(ctx, err)
	}
	if f.Type != frameConnected {
		_ = conn.Close("unexpected handshake")
		return nil, fmt.Errorf("%w: expected %q frame, got %q", ErrConnectionRefused, frameConnected, f.Type)
	}
	return conn, nil
}

func classifyDialError(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrConnectionTimeout, err)
	case errors.Is(ctx.Err(), context.Canceled):
		return errConnectAborted
	default:
		return fmt.Errorf("%w: %w", ErrConnectionRefused, err)
	}
}

func (c *Client) finishDial(gen uint64, conn Conn, err error) {
	if gen != c.dialGen || c.closing {
		if conn != nil {
			go conn.Close("superseded")
		}
		return
	}
	c.dialing = false
	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
	}

	if err != nil {
		c.resolveWaiters(err)
		if errors.Is(err, context.Canceled) {
			return
		}
		c.log.Warn("connect failed", zap.Error(err))
		c.setState(StateError, err)
		c.scheduleReconnect(err)
		return
	}
	c.attach(conn)
}

// abortDial abandons an in-flight dial. Its result is discarded when it
// arrives.
func (c *Client) abortDial() {
	if !c.dialing {
		return
	}
	c.dialing = false
	c.dialGen++
	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
	}
	c.resolveWaiters(errConnectAborted)
}

func (c *Client) resolveWaiters(err error) {
	for _, w := range c.connectWaiters {
		w <- err
	}
	c.connectWaiters = nil
}

// ============================================================================
// Connection lifecycle
// ============================================================================

func (c *Client) attach(conn Conn) {
	c.connGen++
	gen := c.connGen
	ctx, cancel := context.WithCancel(c.ctx)
	c.conn = conn
	c.connCancel = cancel
	c.writes = newFIFO[outbound]()

	go c.readLoop(ctx, gen, conn)
	go c.writeLoop(ctx, conn, c.writes, gen)

	c.status.ConnectedAt = c.clock.Now()
	c.status.ReconnectAttempts = 0
	// Only a link that had been up before counts as a reconnection.
	if c.reconnectPending && c.everConnected {
		c.metrics.reconnectionCount++
	}
	c.reconnectPending = false
	c.everConnected = true
	c.recon.reset()
	c.cancelReconnect()

	c.setState(StateConnected, nil)
	c.armHeartbeat()
	c.announceSubscriptions()
	c.resolveWaiters(nil)
}

// teardownConn releases the current connection. Queued writes fail with
// ErrNotConnected and in-flight sync requests are failed.
func (c *Client) teardownConn(reason string) {
	if c.conn == nil {
		return
	}
	conn := c.conn
	c.conn = nil
	c.connGen++
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	for _, out := range c.writes.drain() {
		if out.result != nil {
			out.result <- ErrNotConnected
		}
	}
	c.writes = nil
	c.stopHeartbeat()
	c.failRequests(ErrNotConnected)
	go conn.Close(reason)
}

// handleClosed reacts to the loss of connection gen.
func (c *Client) handleClosed(gen uint64, err error) {
	if gen != c.connGen || c.conn == nil {
		return
	}
	c.teardownConn("")
	if c.intentional || c.closing {
		return
	}

	var closed *TransportClosedError
	if errors.As(err, &closed) {
		if closed.ServerRequested() {
			c.log.Info("server closed connection", zap.String("reason", closed.Reason))
			c.setState(StateDisconnected, nil)
			return
		}
		c.log.Warn("connection closed", zap.Int("code", closed.Code), zap.String("reason", closed.Reason))
		c.setState(StateDisconnected, err)
		c.scheduleReconnect(err)
		return
	}

	c.log.Warn("connection lost", zap.Error(err))
	c.setState(StateError, err)
	c.scheduleReconnect(err)
}

// shutdown is the user-initiated teardown shared by Disconnect and Close.
func (c *Client) shutdown() {
	c.intentional = true
	c.cancelReconnect()
	c.reconnectPending = false
	c.abortDial()
	c.batcher.discard()
	c.teardownConn("client disconnect")
	c.router.clear()
	c.recon.reset()
	c.status.ReconnectAttempts = 0
	c.setState(StateDisconnected, nil)
}

func (c *Client) enqueueFrame(typ string, payload any) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	f, err := NewFrame(c.codec, typ, payload)
	if err != nil {
		return err
	}
	if !c.writes.push(outbound{frame: f}) {
		return ErrNotConnected
	}
	return nil
}

// ============================================================================
// I/O goroutines
// ============================================================================

func (c *Client) readLoop(ctx context.Context, gen uint64, conn Conn) {
	for {
		f, err := conn.ReadFrame(ctx)
		if err != nil {
			if errors.Is(err, ErrMalformedFrame) {
				c.log.Warn("dropping malformed frame", zap.Error(err))
				continue
			}
			c.post(func() { c.handleClosed(gen, err) })
			return
		}
		if !c.post(func() { c.handleFrame(gen, f) }) {
			return
		}
	}
}

func (c *Client) writeLoop(ctx context.Context, conn Conn, writes *fifo[outbound], gen uint64) {
	for {
		out, ok := writes.pop(ctx)
		if !ok {
			return
		}
		err := conn.WriteFrame(ctx, out.frame)
		if err == nil {
			c.post(func() { c.metrics.messagesSent++ })
		}
		if out.result != nil {
			out.result <- err
		}
		if err != nil {
			typ := out.frame.Type
			c.post(func() { c.handleClosed(gen, fmt.Errorf("write %s: %w", typ, err)) })
			return
		}
	}
}

// ============================================================================
// Heartbeat
// ============================================================================

func (c *Client) armHeartbeat() {
	stopTimer(c.heartbeat)
	gen := c.connGen
	c.heartbeat = c.afterFunc(c.cfg.HeartbeatInterval, func() { c.heartbeatTick(gen) })
}

func (c *Client) stopHeartbeat() {
	stopTimer(c.heartbeat)
	c.heartbeat = nil
	c.pendingPing = ""
}

// heartbeatTick sends a ping, or declares the link dead when the previous
// ping is still unanswered.
func (c *Client) heartbeatTick(gen uint64) {
	if gen != c.connGen || c.conn == nil {
		return
	}
	if c.pendingPing != "" {
		c.log.Warn("heartbeat unanswered", zap.String("ping", c.pendingPing))
		c.handleClosed(gen, ErrHeartbeatTimeout)
		return
	}

	id := uuid.NewString()
	if err := c.enqueueFrame(framePing, pingPayload{RequestID: id}); err != nil {
		c.log.Debug("ping not sent", zap.Error(err))
		return
	}
	c.pendingPing = id
	c.status.LastHeartbeatAt = c.clock.Now()
	c.armHeartbeat()
}

func (c *Client) handlePong(f Frame) {
	var p pingPayload
	if err := c.codec.Unmarshal(f.Payload, &p); err != nil {
		c.log.Debug("undecodable pong", zap.Error(err))
		return
	}
	if c.pendingPing == "" || p.RequestID != c.pendingPing {
		return
	}
	c.pendingPing = ""
	latency := c.clock.Now().Sub(c.status.LastHeartbeatAt)
	if latency < 0 {
		latency = 0
	}
	c.status.Latency = latency
	c.metrics.observeLatency(latency)
}

// ============================================================================
// Inbound frames
// ============================================================================

func (c *Client) handleFrame(gen uint64, f Frame) {
	if gen != c.connGen || c.conn == nil {
		return
	}
	c.metrics.messagesReceived++

	switch f.Type {
	case framePong:
		c.handlePong(f)
	case frameConnected:
	case frameDisconnect:
		var p disconnectPayload
		_ = c.codec.Unmarshal(f.Payload, &p)
		c.handleClosed(gen, &TransportClosedError{Code: closeNormal, Reason: p.Reason})
	case frameError:
		var p errorPayload
		_ = c.codec.Unmarshal(f.Payload, &p)
		c.log.Warn("server error", zap.String("message", p.Message))
	case frameSyncComplete, frameSyncFailed:
		c.resolveRequest(f)
	default:
		typ := EventType(f.Type)
		if !typ.Valid() {
			c.log.Debug("ignoring unknown frame", zap.String("type", f.Type))
			return
		}
		var ev GraphEvent
		if err := c.codec.Unmarshal(f.Payload, &ev); err != nil {
			c.log.Warn("dropping undecodable event", zap.String("type", f.Type), zap.Error(err))
			return
		}
		ev.Type = typ
		if ev.Timestamp.IsZero() {
			ev.Timestamp = c.clock.Now()
		}
		c.ingest(ev)
	}
}

// ingest records an event and feeds it to the ledger, conflict set, sync
// state and batcher, in that order.
func (c *Client) ingest(ev GraphEvent) {
	c.history.push(ev)
	c.observeMutation(ev)
	switch ev.Type {
	case EventConflictDetected:
		c.recordConflict(ev)
	case EventSyncRequired:
		c.onSyncRequired(ev)
	}
	c.batcher.add(ev)
}
