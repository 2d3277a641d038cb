package graphsync

import (
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ConflictID identifies a pending conflict record.
type ConflictID uint64

// ResolutionStrategy selects how a conflict is settled.
type ResolutionStrategy string

const (
	StrategyServerWins ResolutionStrategy = "server_wins"
	StrategyClientWins ResolutionStrategy = "client_wins"
	// StrategyMerge overlays the server version onto the local version, so
	// server values win on overlapping keys.
	StrategyMerge ResolutionStrategy = "merge"
	// StrategyManual takes caller-provided data verbatim.
	StrategyManual ResolutionStrategy = "manual"
)

// ConflictRecord is a conflict.detected event awaiting resolution.
type ConflictRecord struct {
	ID         ConflictID `json:"id"`
	Event      GraphEvent `json:"event"`
	DetectedAt time.Time  `json:"detectedAt"`
}

// ConflictResolution is the outcome of resolving a conflict. AppliedChanges
// lists the keys of ResolvedEntity whose values differ from the local
// version, sorted.
type ConflictResolution struct {
	ID             string             `json:"id"`
	ConflictID     ConflictID         `json:"conflictId"`
	EntityKind     EntityKind         `json:"entityKind,omitempty"`
	EntityID       string             `json:"entityId,omitempty"`
	Strategy       ResolutionStrategy `json:"strategy"`
	ResolvedEntity map[string]any     `json:"resolvedEntity"`
	AppliedChanges []string           `json:"appliedChanges"`
	Timestamp      time.Time          `json:"timestamp"`
}

type conflictSet struct {
	nextID  ConflictID
	pending map[ConflictID]ConflictRecord
	order   []ConflictID
}

func newConflictSet() *conflictSet {
	return &conflictSet{pending: make(map[ConflictID]ConflictRecord)}
}

func (s *conflictSet) add(ev GraphEvent, now time.Time) ConflictRecord {
	s.nextID++
	rec := ConflictRecord{ID: s.nextID, Event: ev, DetectedAt: now}
	s.pending[rec.ID] = rec
	s.order = append(s.order, rec.ID)
	return rec
}

func (s *conflictSet) take(id ConflictID) (ConflictRecord, bool) {
	rec, ok := s.pending[id]
	if !ok {
		return ConflictRecord{}, false
	}
	delete(s.pending, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return rec, true
}

func (s *conflictSet) list() []ConflictRecord {
	out := make([]ConflictRecord, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.pending[id])
	}
	return out
}

// Resolve computes the resolved entity for a conflict without touching any
// client state.
func Resolve(rec ConflictRecord, strategy ResolutionStrategy, manual map[string]any, now time.Time) (ConflictResolution, error) {
	var local, server map[string]any
	var kind EntityKind
	var entityID string
	if p := rec.Event.Conflict; p != nil {
		local, server = p.LocalVersion, p.ServerVersion
		kind, entityID = p.EntityKind, p.EntityID
	}

	var resolved map[string]any
	switch strategy {
	case StrategyServerWins:
		resolved = copyMap(server)
	case StrategyClientWins:
		resolved = copyMap(local)
	case StrategyMerge:
		resolved = copyMap(local)
		for k, v := range server {
			resolved[k] = v
		}
	case StrategyManual:
		if manual == nil {
			return ConflictResolution{}, ErrManualDataRequired
		}
		resolved = copyMap(manual)
	default:
		return ConflictResolution{}, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}

	return ConflictResolution{
		ID:             uuid.NewString(),
		ConflictID:     rec.ID,
		EntityKind:     kind,
		EntityID:       entityID,
		Strategy:       strategy,
		ResolvedEntity: resolved,
		AppliedChanges: changedKeys(local, resolved),
		Timestamp:      now,
	}, nil
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func changedKeys(local, resolved map[string]any) []string {
	keys := []string{}
	for k, v := range resolved {
		if lv, ok := local[k]; !ok || !reflect.DeepEqual(lv, v) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// ============================================================================
// Client API
// ============================================================================

// ResolveConflict settles a pending conflict. On success the record is
// removed and, when connected, the resolution is forwarded to the server. A
// failed resolution leaves the record pending.
func (c *Client) ResolveConflict(id ConflictID, strategy ResolutionStrategy, manual map[string]any) (ConflictResolution, error) {
	var (
		res ConflictResolution
		err error
	)
	if callErr := c.call(func() {
		rec, ok := c.conflicts.pending[id]
		if !ok {
			err = fmt.Errorf("%w: %d", ErrConflictNotFound, id)
			return
		}
		res, err = Resolve(rec, strategy, manual, c.clock.Now())
		if err != nil {
			return
		}
		c.conflicts.take(id)
		c.metrics.conflictsResolved++

		c.recordChange(Change{
			At:        res.Timestamp,
			Source:    ChangeResolution,
			Kind:      res.EntityKind,
			Operation: OpUpdate,
			EntityID:  res.EntityID,
			Data:      res.ResolvedEntity,
		})
		if c.conn != nil {
			if ferr := c.enqueueFrame(frameConflictResolve, res); ferr != nil {
				c.log.Warn("conflict resolution not forwarded", zap.Error(ferr))
			}
		}
		c.log.Info("conflict resolved",
			zap.Uint64("conflict", uint64(id)),
			zap.String("strategy", string(strategy)),
			zap.String("entity", res.EntityID))
	}); callErr != nil {
		return ConflictResolution{}, callErr
	}
	return res, err
}

// PendingConflicts returns unresolved conflicts in detection order.
func (c *Client) PendingConflicts() []ConflictRecord {
	var out []ConflictRecord
	c.read(func() { out = c.conflicts.list() })
	return out
}

func (c *Client) recordConflict(ev GraphEvent) {
	rec := c.conflicts.add(ev, c.clock.Now())
	c.metrics.conflictsDetected++
	c.log.Warn("conflict detected",
		zap.Uint64("conflict", uint64(rec.ID)),
		zap.String("entity", ev.PrimaryEntityID()))
}
