// Package graphsync keeps a graph dashboard in sync with its server over a
// single streaming connection.
//
// Usage:
//
//	client, _ := graphsync.New(graphsync.Config{URL: "https://graph.example.com", Token: token})
//	defer client.Close()
//	client.Subscribe(graphsync.SubscriptionSpec{
//		EventTypes: []graphsync.EventType{graphsync.EventNodeUpdated},
//		Handler:    graphsync.HandlerFunc(func(ev graphsync.GraphEvent) error { ... }),
//	})
//	_ = client.Connect(ctx)
//
// All state lives on one event loop goroutine. Subscriber handlers and
// notifier callbacks run on a separate dispatcher goroutine, in order, and
// may call back into the Client.
package graphsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Configuration
// ============================================================================

// Config configures a Client. Zero values are replaced by defaults.
type Config struct {
	URL   string
	Token string

	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration

	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
	DisableReconnect     bool

	BatchMode   BatchMode
	BatchSize   int
	BatchWindow time.Duration

	// RollbackTimeout is how long an optimistic update may stay unconfirmed.
	RollbackTimeout time.Duration
	// ConfirmGrace keeps confirmed updates around to absorb duplicate events.
	ConfirmGrace time.Duration

	HistorySize   int
	ChangeLogSize int
	SyncTimeout   time.Duration

	Codec     Codec
	ReadLimit int64
}

func (c *Config) defaults() {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.BatchMode == "" {
		c.BatchMode = BatchImmediate
	}
	if c.BatchSize == 0 {
		c.BatchSize = 10
	}
	if c.BatchWindow == 0 {
		c.BatchWindow = 1 * time.Second
	}
	if c.RollbackTimeout == 0 {
		c.RollbackTimeout = 10 * time.Second
	}
	if c.ConfirmGrace == 0 {
		c.ConfirmGrace = 1 * time.Second
	}
	if c.HistorySize == 0 {
		c.HistorySize = 100
	}
	if c.ChangeLogSize == 0 {
		c.ChangeLogSize = 1000
	}
	if c.SyncTimeout == 0 {
		c.SyncTimeout = 30 * time.Second
	}
	if c.Codec == nil {
		c.Codec = JSONCodec()
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = defaultReadLimit
	}
}

func (c *Config) validate() error {
	if err := c.BatchMode.validate(); err != nil {
		return err
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max reconnect attempts must not be negative, got %d", c.MaxReconnectAttempts)
	}
	if c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		return fmt.Errorf("reconnect max delay %s is below base delay %s", c.ReconnectMaxDelay, c.ReconnectBaseDelay)
	}
	return nil
}

// ============================================================================
// Notifier
// ============================================================================

// Notifier receives client lifecycle notifications on the dispatcher
// goroutine.
type Notifier interface {
	StatusChanged(status ConnectionStatus)
	RolledBack(notice RollbackNotice)
	Synced(report SyncReport)
}

// NopNotifier ignores every notification. Embed it to implement only some
// methods.
type NopNotifier struct{}

func (NopNotifier) StatusChanged(ConnectionStatus) {}
func (NopNotifier) RolledBack(RollbackNotice)      {}
func (NopNotifier) Synced(SyncReport)              {}

// ============================================================================
// Client
// ============================================================================

// ClientOption configures optional collaborators.
type ClientOption func(*Client)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.log = l }
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(clock Clock) ClientOption {
	return func(c *Client) { c.clock = clock }
}

// WithTransport replaces the default WebSocket transport.
func WithTransport(t Transport) ClientOption {
	return func(c *Client) { c.transport = t }
}

// WithUndoer sets how optimistic updates are reverted locally.
func WithUndoer(u Undoer) ClientOption {
	return func(c *Client) { c.undoer = u }
}

// WithNotifier registers lifecycle callbacks.
func WithNotifier(n Notifier) ClientOption {
	return func(c *Client) { c.notifier = n }
}

// WithResyncer replaces the frame-based resync.
func WithResyncer(r Resyncer) ClientOption {
	return func(c *Client) { c.resyncer = r }
}

// WithStateStore persists the sync cursor. The default is in-memory.
func WithStateStore(s StateStore) ClientOption {
	return func(c *Client) { c.store = s }
}

// Client is the synchronization core. It is safe for concurrent use.
type Client struct {
	cfg       Config
	log       *zap.Logger
	clock     Clock
	transport Transport
	codec     Codec
	undoer    Undoer
	notifier  Notifier
	resyncer  Resyncer
	store     StateStore

	ops       chan func()
	quit      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	dispatch  *dispatcher

	// Everything below is owned by the loop goroutine.

	status      ConnectionStatus
	conn        Conn
	connGen     uint64
	connCancel  context.CancelFunc
	writes      *fifo[outbound]
	intentional bool
	closing     bool

	dialing        bool
	dialGen        uint64
	dialCancel     context.CancelFunc
	connectWaiters []chan error

	heartbeat   Timer
	pendingPing string

	recon            *reconnector
	reconTimer       Timer
	reconGen         uint64
	reconnectPending bool
	everConnected    bool

	router    *router
	batcher   *batcher
	ledger    *ledger
	conflicts *conflictSet
	history   *ring[GraphEvent]
	changes   *ring[Change]
	metrics   metricsState

	changeSeq uint64
	syncedSeq uint64

	syncing      bool
	syncRequired bool
	requiredGen  uint64
	resyncQueued bool
	lastSync     time.Time
	requests     map[string]chan syncReply
}

// New creates a Client. It does not connect.
func New(cfg Config, opts ...ClientOption) (*Client, error) {
	cfg.defaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	c := &Client{
		cfg:      cfg,
		log:      zap.NewNop(),
		clock:    SystemClock(),
		codec:    cfg.Codec,
		notifier: NopNotifier{},
		ops:      make(chan func(), 256),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
		requests: make(map[string]chan syncReply),
		status:   ConnectionStatus{State: StateDisconnected},
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.transport == nil {
		if cfg.URL == "" {
			return nil, errors.New("server URL is required")
		}
		c.transport = &WebSocketTransport{
			BaseURL:   cfg.URL,
			Token:     cfg.Token,
			Codec:     cfg.Codec,
			ReadLimit: cfg.ReadLimit,
		}
	}
	if c.resyncer == nil {
		c.resyncer = linkResyncer{c: c}
	}
	if c.store == nil {
		c.store = &MemoryStateStore{}
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	last, err := c.store.LastSync(c.ctx)
	if err != nil {
		c.cancel()
		return nil, fmt.Errorf("load sync cursor: %w", err)
	}
	c.lastSync = last

	c.recon = newReconnector(&c.cfg)
	c.router = newRouter()
	c.batcher = newBatcher(&c.cfg, c.afterFunc, c.dispatchGroup)
	c.ledger = newLedger()
	c.conflicts = newConflictSet()
	c.history = newRing[GraphEvent](cfg.HistorySize)
	c.changes = newRing[Change](cfg.ChangeLogSize)
	c.dispatch = newDispatcher(c.log)

	go c.loop()
	return c, nil
}

func (c *Client) loop() {
	defer close(c.loopDone)
	for {
		select {
		case op := <-c.ops:
			op()
		case <-c.quit:
			return
		}
	}
}

// post queues op on the loop. It never runs op inline and reports false once
// the client is closed. It must not be called from the loop itself.
func (c *Client) post(op func()) bool {
	select {
	case <-c.quit:
		return false
	default:
	}
	select {
	case c.ops <- op:
		return true
	case <-c.quit:
		return false
	}
}

// call runs op on the loop and waits for it.
func (c *Client) call(op func()) error {
	done := make(chan struct{})
	if !c.post(func() { op(); close(done) }) {
		return ErrClientClosed
	}
	select {
	case <-done:
		return nil
	case <-c.quit:
		select {
		case <-done:
			return nil
		default:
			return ErrClientClosed
		}
	}
}

// read runs a read-only op on the loop, or directly once the loop is gone.
func (c *Client) read(op func()) {
	if c.call(op) != nil {
		<-c.loopDone
		op()
	}
}

// afterFunc arms a timer whose callback runs on the loop.
func (c *Client) afterFunc(d time.Duration, op func()) Timer {
	return c.clock.AfterFunc(d, func() { c.post(op) })
}

// setState records a state transition and notifies on the dispatcher.
func (c *Client) setState(state ConnectionState, err error) {
	if c.status.State == state && c.status.Err == err {
		return
	}
	prev := c.status.State
	c.status.State = state
	c.status.Err = err

	fields := []zap.Field{zap.String("from", string(prev)), zap.String("to", string(state))}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	c.log.Info("connection state changed", fields...)

	snapshot := c.status
	c.dispatch.enqueue(func() { c.notify(func(n Notifier) { n.StatusChanged(snapshot) }) })
}

// notify must run on the dispatcher.
func (c *Client) notify(fn func(Notifier)) {
	err := safeCall(func() error {
		fn(c.notifier)
		return nil
	})
	if err != nil {
		c.log.Error("notifier failed", zap.Error(err))
	}
}

func (c *Client) notifyRollback(notice RollbackNotice) {
	c.notify(func(n Notifier) { n.RolledBack(notice) })
}

// ============================================================================
// Accessors
// ============================================================================

// Status returns the current connection status.
func (c *Client) Status() ConnectionStatus {
	var s ConnectionStatus
	c.read(func() { s = c.status })
	return s
}

// Metrics returns a snapshot of the client's counters.
func (c *Client) Metrics() Metrics {
	var m Metrics
	c.read(func() { m = c.metrics.snapshot(c.status, c.clock.Now()) })
	return m
}

// Close disconnects, stops all goroutines and waits for queued subscriber
// deliveries to finish. It is safe to call more than once. When called from a
// Handler or Notifier it returns without waiting, and the deliveries still
// queued run after that callback returns.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		_ = c.call(func() {
			c.closing = true
			c.shutdown()
		})
		close(c.quit)
		<-c.loopDone
		c.cancel()
		c.dispatch.stop()
		c.log.Debug("client closed")
	})
	return nil
}
