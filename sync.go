package graphsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SyncRequest is what a Resyncer receives: Since is the server time of the
// last successful sync and Changes holds every local change not yet synced.
type SyncRequest struct {
	Since   time.Time `json:"since"`
	Changes []Change  `json:"changes"`
}

// SyncResult describes a completed synchronization.
type SyncResult struct {
	Timestamp   time.Time `json:"timestamp"`
	ChangesSent int       `json:"changesSent"`
	Applied     int       `json:"applied"`
}

// SyncReport is passed to Notifier.Synced after every sync attempt.
type SyncReport struct {
	Reason SyncReason
	Result *SyncResult
	Err    error
}

// Resyncer performs the server side of a synchronization. The default
// implementation exchanges sync.request / sync.complete frames on the live
// connection.
type Resyncer interface {
	Resync(ctx context.Context, req SyncRequest) (SyncResult, error)
}

// StateStore persists the last successful sync time across restarts.
type StateStore interface {
	LastSync(ctx context.Context) (time.Time, error)
	SaveLastSync(ctx context.Context, t time.Time) error
}

// MemoryStateStore is a StateStore that lives for the process only.
type MemoryStateStore struct {
	mu   sync.Mutex
	last time.Time
}

func (s *MemoryStateStore) LastSync(context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, nil
}

func (s *MemoryStateStore) SaveLastSync(_ context.Context, t time.Time) error {
	s.mu.Lock()
	s.last = t
	s.mu.Unlock()
	return nil
}

type syncOutcome struct {
	result *SyncResult
	err    error
}

// ============================================================================
// Client API
// ============================================================================

// Sync sends local changes made since the last successful sync. Only one sync
// runs at a time; a concurrent call fails with ErrSyncInProgress and does not
// disturb the running one.
func (c *Client) Sync(ctx context.Context) (*SyncResult, error) {
	done := make(chan syncOutcome, 1)
	var err error
	if callErr := c.call(func() { err = c.startSync(ctx, "", done) }); callErr != nil {
		return nil, callErr
	}
	if err != nil {
		return nil, err
	}

	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.quit:
		return nil, ErrClientClosed
	}
}

// SyncRequired reports whether the server asked for a sync that has not yet
// succeeded.
func (c *Client) SyncRequired() bool {
	var v bool
	c.read(func() { v = c.syncRequired })
	return v
}

// LastSync returns the time of the last successful sync.
func (c *Client) LastSync() time.Time {
	var t time.Time
	c.read(func() { t = c.lastSync })
	return t
}

// ============================================================================
// Loop internals
// ============================================================================

func (c *Client) startSync(ctx context.Context, reason SyncReason, done chan<- syncOutcome) error {
	if c.syncing {
		return ErrSyncInProgress
	}
	c.syncing = true

	// The local cursor is a sequence number so that changes recorded while
	// this request is in flight are picked up by the next one.
	upTo, gen := c.changeSeq, c.requiredGen
	req := SyncRequest{Since: c.lastSync, Changes: changesSince(c.changes, c.syncedSeq)}
	resyncer, store, clock, log := c.resyncer, c.store, c.clock, c.log
	log.Info("sync started",
		zap.Time("since", req.Since),
		zap.Int("changes", len(req.Changes)),
		zap.String("reason", string(reason)))

	go func() {
		res, err := resyncer.Resync(ctx, req)
		if err == nil {
			res.ChangesSent = len(req.Changes)
			if res.Timestamp.IsZero() {
				res.Timestamp = clock.Now()
			}
			if serr := store.SaveLastSync(ctx, res.Timestamp); serr != nil {
				log.Warn("failed to persist sync cursor", zap.Error(serr))
			}
		}
		if !c.post(func() { c.finishSync(reason, upTo, gen, res, err, done) }) && done != nil {
			done <- syncOutcome{err: ErrClientClosed}
		}
	}()
	return nil
}

func (c *Client) finishSync(reason SyncReason, upTo, gen uint64, res SyncResult, err error, done chan<- syncOutcome) {
	c.syncing = false

	var out syncOutcome
	if err != nil {
		out.err = &SyncFailedError{Cause: err}
		c.log.Warn("sync failed", zap.Error(err))
	} else {
		c.lastSync = res.Timestamp
		if upTo > c.syncedSeq {
			c.syncedSeq = upTo
		}
		// A sync.required that arrived mid-flight still stands.
		if gen == c.requiredGen {
			c.syncRequired = false
		}
		out.result = &res
		c.log.Info("sync complete",
			zap.Int("sent", res.ChangesSent),
			zap.Int("applied", res.Applied))
	}

	report := SyncReport{Reason: reason, Result: out.result, Err: out.err}
	c.dispatch.enqueue(func() { c.notify(func(n Notifier) { n.Synced(report) }) })

	if done != nil {
		done <- out
	}

	if c.resyncQueued && !c.closing {
		c.resyncQueued = false
		if err := c.startSync(c.ctx, SyncReasonConnectionRestored, nil); err != nil {
			c.log.Debug("queued sync skipped", zap.Error(err))
		}
	}
}

// onSyncRequired flags the client as out of date. After a reconnect the
// sync starts right away, or as soon as the running one finishes; other
// reasons are left to the application.
func (c *Client) onSyncRequired(ev GraphEvent) {
	var reason SyncReason
	if ev.Sync != nil {
		reason = ev.Sync.Reason
	}
	c.syncRequired = true
	c.requiredGen++

	if reason != SyncReasonConnectionRestored {
		c.log.Info("sync required", zap.String("reason", string(reason)))
		return
	}
	if c.syncing {
		c.resyncQueued = true
		c.log.Debug("sync in flight, queueing another")
		return
	}
	if err := c.startSync(c.ctx, reason, nil); err != nil {
		c.log.Debug("automatic sync skipped", zap.Error(err))
	}
}

// ============================================================================
// Frame-based resync
// ============================================================================

type syncRequestPayload struct {
	RequestID string    `json:"requestId"`
	Since     time.Time `json:"since"`
	Changes   []Change  `json:"changes"`
}

type syncReplyPayload struct {
	RequestID string    `json:"requestId"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	Applied   int       `json:"applied,omitempty"`
	Error     string    `json:"error,omitempty"`
}

type syncReply struct {
	payload syncReplyPayload
	err     error
}

// linkResyncer runs a sync over the client's own connection.
type linkResyncer struct {
	c *Client
}

func (r linkResyncer) Resync(ctx context.Context, req SyncRequest) (SyncResult, error) {
	c := r.c
	id := uuid.NewString()
	reply := make(chan syncReply, 1)

	var openErr error
	if err := c.call(func() { openErr = c.openRequest(id, reply, req) }); err != nil {
		return SyncResult{}, err
	}
	if openErr != nil {
		return SyncResult{}, openErr
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.SyncTimeout)
	defer cancel()

	select {
	case rep := <-reply:
		if rep.err != nil {
			return SyncResult{}, rep.err
		}
		return SyncResult{Timestamp: rep.payload.Timestamp, Applied: rep.payload.Applied}, nil
	case <-ctx.Done():
		c.post(func() { delete(c.requests, id) })
		return SyncResult{}, fmt.Errorf("waiting for sync reply: %w", ctx.Err())
	}
}

func (c *Client) openRequest(id string, reply chan syncReply, req SyncRequest) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	if err := c.enqueueFrame(frameSyncRequest, syncRequestPayload{
		RequestID: id,
		Since:     req.Since,
		Changes:   req.Changes,
	}); err != nil {
		return err
	}
	c.requests[id] = reply
	return nil
}

func (c *Client) resolveRequest(f Frame) {
	var p syncReplyPayload
	if err := c.codec.Unmarshal(f.Payload, &p); err != nil {
		c.log.Warn("undecodable sync reply", zap.Error(err))
		return
	}
	reply, ok := c.requests[p.RequestID]
	if !ok {
		c.log.Debug("sync reply for unknown request", zap.String("request", p.RequestID))
		return
	}
	delete(c.requests, p.RequestID)

	rep := syncReply{payload: p}
	if f.Type == frameSyncFailed {
		msg := p.Error
		if msg == "" {
			msg = "rejected by server"
		}
		rep.err = errors.New(msg)
	}
	reply <- rep
}

func (c *Client) failRequests(err error) {
	for id, reply := range c.requests {
		reply <- syncReply{err: err}
		delete(c.requests, id)
	}
}
