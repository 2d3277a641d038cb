package graphsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ============================================================================
// Fake clock
// ============================================================================

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward, running due callbacks in deadline order on the
// calling goroutine.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		var next *fakeTimer
		for _, t := range c.timers {
			if t.stopped || t.fired || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			break
		}
		next.fired = true
		if next.at.After(c.now) {
			c.now = next.at
		}
		c.mu.Unlock()
		next.fn()
		c.mu.Lock()
	}
	c.now = target
	c.mu.Unlock()
}

// ============================================================================
// Fake transport
// ============================================================================

type fakeTransport struct {
	mu      sync.Mutex
	dials   int
	failAll error
	noAck   bool
	conns   chan *fakeConn
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{conns: make(chan *fakeConn, 16)}
}

func (t *fakeTransport) Dial(ctx context.Context) (Conn, error) {
	t.mu.Lock()
	t.dials++
	failure, noAck := t.failAll, t.noAck
	t.mu.Unlock()

	if failure != nil {
		return nil, failure
	}
	conn := newFakeConn()
	if !noAck {
		conn.inbound <- inboundItem{frame: Frame{Type: frameConnected}}
	}
	t.conns <- conn
	return conn, nil
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTransport) setFailure(err error) {
	t.mu.Lock()
	t.failAll = err
	t.mu.Unlock()
}

func (t *fakeTransport) nextConn(tb testing.TB) *fakeConn {
	tb.Helper()
	select {
	case c := <-t.conns:
		return c
	case <-time.After(2 * time.Second):
		tb.Fatal("no connection was dialed")
		return nil
	}
}

type inboundItem struct {
	frame Frame
	err   error
}

type fakeConn struct {
	inbound   chan inboundItem
	outbound  chan Frame
	closed    chan struct{}
	closeOnce sync.Once
}

var errFakeConnClosed = errors.New("fake connection closed")

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound:  make(chan inboundItem, 64),
		outbound: make(chan Frame, 256),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) ReadFrame(ctx context.Context) (Frame, error) {
	select {
	case it := <-c.inbound:
		return it.frame, it.err
	case <-c.closed:
		return Frame{}, errFakeConnClosed
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (c *fakeConn) WriteFrame(ctx context.Context, f Frame) error {
	select {
	case <-c.closed:
		return errFakeConnClosed
	default:
	}
	c.outbound <- f
	return nil
}

func (c *fakeConn) Close(string) error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// push delivers a server frame with a JSON payload.
func (c *fakeConn) push(tb testing.TB, typ string, payload any) {
	tb.Helper()
	f, err := NewFrame(JSONCodec(), typ, payload)
	require.NoError(tb, err)
	c.inbound <- inboundItem{frame: f}
}

func (c *fakeConn) pushEvent(tb testing.TB, ev GraphEvent) {
	tb.Helper()
	c.push(tb, string(ev.Type), ev)
}

func (c *fakeConn) fail(err error) {
	c.inbound <- inboundItem{err: err}
}

// expectFrame waits for the next written frame of type typ, skipping others.
func (c *fakeConn) expectFrame(tb testing.TB, typ string) Frame {
	tb.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f := <-c.outbound:
			if f.Type == typ {
				return f
			}
		case <-deadline:
			tb.Fatalf("no %q frame written", typ)
			return Frame{}
		}
	}
}

// ============================================================================
// Recorders
// ============================================================================

type eventRecorder struct {
	mu     sync.Mutex
	events []GraphEvent
}

func (r *eventRecorder) HandleEvent(ev GraphEvent) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *eventRecorder) received() []GraphEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]GraphEvent(nil), r.events...)
}

type batchRecorder struct {
	eventRecorder
	batches [][]GraphEvent
}

func (r *batchRecorder) HandleBatch(_ EventType, events []GraphEvent) error {
	r.mu.Lock()
	r.batches = append(r.batches, append([]GraphEvent(nil), events...))
	r.events = append(r.events, events...)
	r.mu.Unlock()
	return nil
}

func (r *batchRecorder) batchSizes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	sizes := make([]int, 0, len(r.batches))
	for _, b := range r.batches {
		sizes = append(sizes, len(b))
	}
	return sizes
}

type undoCall struct {
	op       string
	kind     EntityKind
	entityID string
	original map[string]any
}

type recordingUndoer struct {
	mu    sync.Mutex
	calls []undoCall
	err   error
}

func (u *recordingUndoer) record(c undoCall) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls = append(u.calls, c)
	return u.err
}

func (u *recordingUndoer) Delete(kind EntityKind, id string) error {
	return u.record(undoCall{op: "delete", kind: kind, entityID: id})
}

func (u *recordingUndoer) Restore(kind EntityKind, id string, original map[string]any) error {
	return u.record(undoCall{op: "restore", kind: kind, entityID: id, original: original})
}

func (u *recordingUndoer) Recreate(kind EntityKind, id string, original map[string]any) error {
	return u.record(undoCall{op: "recreate", kind: kind, entityID: id, original: original})
}

func (u *recordingUndoer) recorded() []undoCall {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]undoCall(nil), u.calls...)
}

type recordingNotifier struct {
	mu        sync.Mutex
	statuses  []ConnectionStatus
	rollbacks []RollbackNotice
	syncs     []SyncReport
}

func (n *recordingNotifier) StatusChanged(s ConnectionStatus) {
	n.mu.Lock()
	n.statuses = append(n.statuses, s)
	n.mu.Unlock()
}

func (n *recordingNotifier) RolledBack(r RollbackNotice) {
	n.mu.Lock()
	n.rollbacks = append(n.rollbacks, r)
	n.mu.Unlock()
}

func (n *recordingNotifier) Synced(r SyncReport) {
	n.mu.Lock()
	n.syncs = append(n.syncs, r)
	n.mu.Unlock()
}

func (n *recordingNotifier) states() []ConnectionState {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]ConnectionState, 0, len(n.statuses))
	for _, s := range n.statuses {
		out = append(out, s.State)
	}
	return out
}

func (n *recordingNotifier) rollbackNotices() []RollbackNotice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]RollbackNotice(nil), n.rollbacks...)
}

func (n *recordingNotifier) syncReports() []SyncReport {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]SyncReport(nil), n.syncs...)
}

// ============================================================================
// Client harness
// ============================================================================

type harness struct {
	client    *Client
	clock     *fakeClock
	transport *fakeTransport
	undoer    *recordingUndoer
	notifier  *recordingNotifier
}

func newHarness(t *testing.T, cfg Config, opts ...ClientOption) *harness {
	t.Helper()
	h := &harness{
		clock:     newFakeClock(),
		transport: newFakeTransport(),
		undoer:    &recordingUndoer{},
		notifier:  &recordingNotifier{},
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 2 * time.Second
	}
	// Tests that exercise the heartbeat set an interval explicitly.
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = time.Hour
	}
	base := []ClientOption{
		WithClock(h.clock),
		WithTransport(h.transport),
		WithUndoer(h.undoer),
		WithNotifier(h.notifier),
	}
	c, err := New(cfg, append(base, opts...)...)
	require.NoError(t, err)
	h.client = c
	t.Cleanup(func() { _ = c.Close() })
	return h
}

// connect opens the link and returns the server side of it.
func (h *harness) connect(t *testing.T) *fakeConn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.client.Connect(ctx))
	return h.transport.nextConn(t)
}

// barrier waits until every operation queued on the loop so far has run.
func (h *harness) barrier(t *testing.T) {
	t.Helper()
	require.NoError(t, h.client.call(func() {}))
}

// settle waits for the loop and then for every queued dispatcher task.
func (h *harness) settle(t *testing.T) {
	t.Helper()
	done := make(chan struct{})
	require.NoError(t, h.client.call(func() {
		h.client.dispatch.enqueue(func() { close(done) })
	}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not drain")
	}
}

// advance moves the fake clock and waits for the callbacks it posted.
func (h *harness) advance(t *testing.T, d time.Duration) {
	t.Helper()
	h.clock.Advance(d)
	h.barrier(t)
}

// inject feeds an event through the inbound path without a connection.
func (h *harness) inject(t *testing.T, ev GraphEvent) {
	t.Helper()
	require.NoError(t, h.client.call(func() { h.client.ingest(ev) }))
}

func nodeEvent(typ EventType, id string, props map[string]any) GraphEvent {
	return GraphEvent{
		Type:    typ,
		ActorID: "alice",
		Node:    &NodePayload{ID: id, Type: "Person", Properties: props},
	}
}

func edgeEvent(typ EventType, id string) GraphEvent {
	return GraphEvent{
		Type:    typ,
		ActorID: "alice",
		Edge:    &EdgePayload{ID: id, Type: "KNOWS", Source: "n1", Target: "n2"},
	}
}

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond
