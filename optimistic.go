package graphsync

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// UpdateID identifies a tracked optimistic update.
type UpdateID uint64

// OptimisticUpdate is a speculative local change awaiting server
// confirmation.
type OptimisticUpdate struct {
	ID           UpdateID       `json:"id"`
	Kind         EntityKind     `json:"entityKind"`
	Operation    Operation      `json:"operation"`
	EntityID     string         `json:"entityId"`
	OriginalData map[string]any `json:"originalData,omitempty"`
	NewData      map[string]any `json:"newData,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	Confirmed    bool           `json:"confirmed"`
}

// Undoer reverts optimistic changes in the application's local view.
// Rollback calls the inverse of the original operation.
type Undoer interface {
	// Delete undoes an optimistic create.
	Delete(kind EntityKind, entityID string) error
	// Restore undoes an optimistic update.
	Restore(kind EntityKind, entityID string, original map[string]any) error
	// Recreate undoes an optimistic delete.
	Recreate(kind EntityKind, entityID string, original map[string]any) error
}

// RollbackNotice reports a rolled back update. Err is a *RollbackFailedError
// when the Undoer failed; the update is dropped either way. Escalated is set
// when an optimistic delete was turned into a pending conflict instead of
// being recreated, because the server edited the entity in the meantime.
type RollbackNotice struct {
	Update    OptimisticUpdate
	Manual    bool
	Escalated bool
	Err       error
}

const reasonDeleteRollback = "optimistic_delete_rollback"

// ============================================================================
// Ledger
// ============================================================================

type ledgerKey struct {
	kind     EntityKind
	op       Operation
	entityID string
}

type ledgerEntry struct {
	update        OptimisticUpdate
	rollbackTimer Timer
	purgeTimer    Timer
	// remoteEdit is the latest server update seen for the entity of a
	// pending optimistic delete.
	remoteEdit *GraphEvent
}

func (e *ledgerEntry) key() ledgerKey {
	return ledgerKey{kind: e.update.Kind, op: e.update.Operation, entityID: e.update.EntityID}
}

// ledger indexes unconfirmed updates by (kind, operation, entity id). Entries
// with the same key are confirmed oldest first.
type ledger struct {
	nextID  UpdateID
	entries map[UpdateID]*ledgerEntry
	pending map[ledgerKey][]UpdateID
}

func newLedger() *ledger {
	return &ledger{
		entries: make(map[UpdateID]*ledgerEntry),
		pending: make(map[ledgerKey][]UpdateID),
	}
}

func (l *ledger) add(u OptimisticUpdate) *ledgerEntry {
	l.nextID++
	u.ID = l.nextID
	e := &ledgerEntry{update: u}
	l.entries[u.ID] = e
	k := e.key()
	l.pending[k] = append(l.pending[k], u.ID)
	return e
}

// takePending removes and returns the oldest unconfirmed entry for k.
func (l *ledger) takePending(k ledgerKey) *ledgerEntry {
	ids := l.pending[k]
	if len(ids) == 0 {
		return nil
	}
	e := l.entries[ids[0]]
	if len(ids) == 1 {
		delete(l.pending, k)
	} else {
		l.pending[k] = ids[1:]
	}
	return e
}

func (l *ledger) unindex(e *ledgerEntry) {
	k := e.key()
	ids := l.pending[k]
	for i, id := range ids {
		if id == e.update.ID {
			ids = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(l.pending, k)
	} else {
		l.pending[k] = ids
	}
}

func (l *ledger) forget(e *ledgerEntry) {
	l.unindex(e)
	delete(l.entries, e.update.ID)
}

func (l *ledger) snapshot() []OptimisticUpdate {
	out := make([]OptimisticUpdate, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e.update)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ============================================================================
// Client API
// ============================================================================

// ApplyOptimistic records a speculative change and arms its rollback timer.
// The update is confirmed automatically when a matching server event arrives.
func (c *Client) ApplyOptimistic(kind EntityKind, op Operation, entityID string, original, newData map[string]any) (UpdateID, error) {
	if kind != KindNode && kind != KindEdge {
		return 0, fmt.Errorf("invalid entity kind %q", kind)
	}
	if op != OpCreate && op != OpUpdate && op != OpDelete {
		return 0, fmt.Errorf("invalid operation %q", op)
	}
	if entityID == "" {
		return 0, errors.New("entity id is required")
	}

	var id UpdateID
	err := c.call(func() {
		now := c.clock.Now()
		e := c.ledger.add(OptimisticUpdate{
			Kind:         kind,
			Operation:    op,
			EntityID:     entityID,
			OriginalData: original,
			NewData:      newData,
			CreatedAt:    now,
		})
		id = e.update.ID
		e.rollbackTimer = c.afterFunc(c.cfg.RollbackTimeout, func() { c.expireOptimistic(id) })

		c.recordChange(Change{
			At:        now,
			Source:    ChangeOptimistic,
			Kind:      kind,
			Operation: op,
			EntityID:  entityID,
			Data:      newData,
		})
		c.log.Debug("optimistic update applied",
			zap.Uint64("update", uint64(id)),
			zap.String("kind", string(kind)),
			zap.String("operation", string(op)),
			zap.String("entity", entityID))
	})
	return id, err
}

// ConfirmOptimistic confirms an update explicitly. Confirming twice is a
// no-op.
func (c *Client) ConfirmOptimistic(id UpdateID) error {
	var err error
	if callErr := c.call(func() {
		e, ok := c.ledger.entries[id]
		if !ok {
			err = fmt.Errorf("%w: %d", ErrUpdateNotFound, id)
			return
		}
		if e.update.Confirmed {
			return
		}
		c.ledger.unindex(e)
		c.confirm(e)
	}); callErr != nil {
		return callErr
	}
	return err
}

// RollbackOptimistic reverts a pending update immediately.
func (c *Client) RollbackOptimistic(id UpdateID) error {
	var err error
	if callErr := c.call(func() {
		e, ok := c.ledger.entries[id]
		if !ok || e.update.Confirmed {
			err = fmt.Errorf("%w: %d", ErrUpdateNotFound, id)
			return
		}
		c.rollback(e, true)
	}); callErr != nil {
		return callErr
	}
	return err
}

// PendingUpdates returns tracked updates, including confirmed ones still in
// their grace period.
func (c *Client) PendingUpdates() []OptimisticUpdate {
	var out []OptimisticUpdate
	c.read(func() { out = c.ledger.snapshot() })
	return out
}

// ============================================================================
// Loop internals
// ============================================================================

// observeMutation confirms the oldest pending update matching ev, and marks
// pending deletes whose entity the server just edited.
func (c *Client) observeMutation(ev GraphEvent) {
	kind, op, entityID, ok := ev.mutation()
	if !ok {
		return
	}

	if op == OpUpdate {
		for _, id := range c.ledger.pending[ledgerKey{kind: kind, op: OpDelete, entityID: entityID}] {
			edit := ev
			c.ledger.entries[id].remoteEdit = &edit
		}
	}

	if e := c.ledger.takePending(ledgerKey{kind: kind, op: op, entityID: entityID}); e != nil {
		c.confirm(e)
	}
}

// confirm cancels the rollback and keeps the entry for the grace period so
// duplicate confirmations land on a confirmed entry.
func (c *Client) confirm(e *ledgerEntry) {
	stopTimer(e.rollbackTimer)
	e.rollbackTimer = nil
	e.update.Confirmed = true

	id := e.update.ID
	e.purgeTimer = c.afterFunc(c.cfg.ConfirmGrace, func() {
		if cur, ok := c.ledger.entries[id]; ok && cur == e {
			delete(c.ledger.entries, id)
		}
	})
	c.log.Debug("optimistic update confirmed", zap.Uint64("update", uint64(id)))
}

func (c *Client) expireOptimistic(id UpdateID) {
	e, ok := c.ledger.entries[id]
	if !ok || e.update.Confirmed {
		return
	}
	c.log.Info("optimistic update timed out",
		zap.Uint64("update", uint64(id)),
		zap.String("entity", e.update.EntityID))
	c.rollback(e, false)
}

// rollback removes the entry first, so it can never be rolled back twice,
// then runs the undo on the dispatcher.
func (c *Client) rollback(e *ledgerEntry, manual bool) {
	stopTimer(e.rollbackTimer)
	stopTimer(e.purgeTimer)
	c.ledger.forget(e)
	u := e.update

	if u.Operation == OpDelete && e.remoteEdit != nil {
		c.escalateDelete(u, *e.remoteEdit)
		notice := RollbackNotice{Update: u, Manual: manual, Escalated: true}
		c.dispatch.enqueue(func() { c.notifyRollback(notice) })
		return
	}

	undoer := c.undoer
	log := c.log
	c.dispatch.enqueue(func() {
		notice := RollbackNotice{Update: u, Manual: manual}
		if undoer != nil {
			if err := safeCall(func() error { return undo(undoer, u) }); err != nil {
				notice.Err = &RollbackFailedError{Update: u, Cause: err}
				log.Error("optimistic rollback failed",
					zap.Uint64("update", uint64(u.ID)),
					zap.String("entity", u.EntityID),
					zap.Error(err))
			}
		} else {
			log.Warn("no undoer configured, rollback is notification only",
				zap.Uint64("update", uint64(u.ID)))
		}
		c.notifyRollback(notice)
	})
}

func undo(u Undoer, up OptimisticUpdate) error {
	switch up.Operation {
	case OpCreate:
		return u.Delete(up.Kind, up.EntityID)
	case OpUpdate:
		return u.Restore(up.Kind, up.EntityID, up.OriginalData)
	case OpDelete:
		return u.Recreate(up.Kind, up.EntityID, up.OriginalData)
	}
	return fmt.Errorf("unknown operation %q", up.Operation)
}

// escalateDelete surfaces a rolled back delete as a conflict instead of
// recreating over the server's concurrent edit.
func (c *Client) escalateDelete(u OptimisticUpdate, remote GraphEvent) {
	var server map[string]any
	switch {
	case remote.Node != nil:
		server = remote.Node.Properties
	case remote.Edge != nil:
		server = remote.Edge.Properties
	}
	payload := &ConflictPayload{
		EntityKind:    u.Kind,
		EntityID:      u.EntityID,
		EntityType:    remote.EntityType(),
		LocalVersion:  u.OriginalData,
		ServerVersion: server,
		Reason:        reasonDeleteRollback,
	}
	if remote.ActorID != "" {
		payload.ConflictingActors = []string{remote.ActorID}
	}

	c.log.Warn("escalating optimistic delete rollback to conflict",
		zap.String("entity", u.EntityID))
	c.ingest(GraphEvent{
		Type:      EventConflictDetected,
		Timestamp: c.clock.Now(),
		ActorID:   remote.ActorID,
		Conflict:  payload,
	})
}
