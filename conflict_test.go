package graphsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func conflictEvent(entityID string, local, server map[string]any) GraphEvent {
	return GraphEvent{
		Type:    EventConflictDetected,
		ActorID: "bob",
		Conflict: &ConflictPayload{
			EntityKind:        KindNode,
			EntityID:          entityID,
			EntityType:        "Person",
			LocalVersion:      local,
			ServerVersion:     server,
			ConflictingActors: []string{"alice", "bob"},
		},
	}
}

func TestResolve_Strategies(t *testing.T) {
	rec := ConflictRecord{
		ID: 7,
		Event: conflictEvent("n1",
			map[string]any{"name": "Ada", "age": 36},
			map[string]any{"name": "Ada Lovelace", "city": "London"}),
	}
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		strategy ResolutionStrategy
		manual   map[string]any
		want     map[string]any
		changed  []string
	}{
		{
			name:     "server wins",
			strategy: StrategyServerWins,
			want:     map[string]any{"name": "Ada Lovelace", "city": "London"},
			changed:  []string{"city", "name"},
		},
		{
			name:     "client wins",
			strategy: StrategyClientWins,
			want:     map[string]any{"name": "Ada", "age": 36},
			changed:  []string{},
		},
		{
			name:     "merge prefers server on overlap",
			strategy: StrategyMerge,
			want:     map[string]any{"name": "Ada Lovelace", "age": 36, "city": "London"},
			changed:  []string{"city", "name"},
		},
		{
			name:     "manual",
			strategy: StrategyManual,
			manual:   map[string]any{"name": "A. Lovelace", "age": 36},
			want:     map[string]any{"name": "A. Lovelace", "age": 36},
			changed:  []string{"name"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Resolve(rec, tt.strategy, tt.manual, now)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.ResolvedEntity)
			assert.Equal(t, tt.changed, res.AppliedChanges)
			assert.Equal(t, ConflictID(7), res.ConflictID)
			assert.Equal(t, KindNode, res.EntityKind)
			assert.Equal(t, "n1", res.EntityID)
			assert.Equal(t, tt.strategy, res.Strategy)
			assert.Equal(t, now, res.Timestamp)
			assert.NotEmpty(t, res.ID)
		})
	}
}

func TestResolve_DoesNotAliasInputs(t *testing.T) {
	server := map[string]any{"name": "Ada Lovelace"}
	rec := ConflictRecord{ID: 1, Event: conflictEvent("n1", map[string]any{"name": "Ada"}, server)}

	res, err := Resolve(rec, StrategyServerWins, nil, time.Now())
	require.NoError(t, err)
	res.ResolvedEntity["name"] = "changed"
	assert.Equal(t, "Ada Lovelace", server["name"])
}

func TestResolve_Errors(t *testing.T) {
	rec := ConflictRecord{ID: 1, Event: conflictEvent("n1", nil, nil)}

	_, err := Resolve(rec, StrategyManual, nil, time.Now())
	assert.ErrorIs(t, err, ErrManualDataRequired)

	_, err = Resolve(rec, "coin_flip", nil, time.Now())
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestResolveConflict_Lifecycle(t *testing.T) {
	h := newHarness(t, Config{})

	h.inject(t, conflictEvent("n1", map[string]any{"name": "Ada"}, map[string]any{"name": "Ada L."}))
	h.inject(t, conflictEvent("n2", map[string]any{"age": 1}, map[string]any{"age": 2}))

	pending := h.client.PendingConflicts()
	require.Len(t, pending, 2)
	assert.Equal(t, "n1", pending[0].Event.Conflict.EntityID)
	assert.Equal(t, "n2", pending[1].Event.Conflict.EntityID)
	assert.Equal(t, int64(2), h.client.Metrics().ConflictsDetected)

	// A failed resolution keeps the record.
	_, err := h.client.ResolveConflict(pending[0].ID, StrategyManual, nil)
	require.ErrorIs(t, err, ErrManualDataRequired)
	assert.Len(t, h.client.PendingConflicts(), 2)
	assert.Equal(t, int64(0), h.client.Metrics().ConflictsResolved)

	res, err := h.client.ResolveConflict(pending[0].ID, StrategyServerWins, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "Ada L."}, res.ResolvedEntity)
	assert.Equal(t, []string{"name"}, res.AppliedChanges)

	rest := h.client.PendingConflicts()
	require.Len(t, rest, 1)
	assert.Equal(t, pending[1].ID, rest[0].ID)
	assert.Equal(t, int64(1), h.client.Metrics().ConflictsResolved)

	_, err = h.client.ResolveConflict(pending[0].ID, StrategyServerWins, nil)
	assert.ErrorIs(t, err, ErrConflictNotFound)
	_, err = h.client.ResolveConflict(ConflictID(99), StrategyClientWins, nil)
	assert.ErrorIs(t, err, ErrConflictNotFound)
}

func TestResolveConflict_ForwardedWhenConnected(t *testing.T) {
	h := newHarness(t, Config{})
	rec := &eventRecorder{}
	_, err := h.client.Subscribe(SubscriptionSpec{
		EventTypes: []EventType{EventConflictDetected},
		Handler:    rec,
	})
	require.NoError(t, err)

	conn := h.connect(t)
	conn.pushEvent(t, conflictEvent("n1", map[string]any{"a": 1.0}, map[string]any{"a": 2.0}))

	require.Eventually(t, func() bool { return len(h.client.PendingConflicts()) == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return len(rec.received()) == 1 }, waitFor, tick)

	id := h.client.PendingConflicts()[0].ID
	res, err := h.client.ResolveConflict(id, StrategyMerge, nil)
	require.NoError(t, err)

	f := conn.expectFrame(t, frameConflictResolve)
	var sent ConflictResolution
	require.NoError(t, JSONCodec().Unmarshal(f.Payload, &sent))
	assert.Equal(t, res.ID, sent.ID)
	assert.Equal(t, id, sent.ConflictID)
	assert.Equal(t, StrategyMerge, sent.Strategy)
	assert.Equal(t, 2.0, sent.ResolvedEntity["a"])
}

func TestResolveConflict_RecordedForSync(t *testing.T) {
	h := newHarness(t, Config{})
	h.inject(t, conflictEvent("n1", map[string]any{"x": 1}, map[string]any{"x": 2}))

	id := h.client.PendingConflicts()[0].ID
	_, err := h.client.ResolveConflict(id, StrategyClientWins, nil)
	require.NoError(t, err)

	var changes []Change
	require.NoError(t, h.client.call(func() { changes = h.client.changes.snapshot() }))
	require.Len(t, changes, 1)
	assert.Equal(t, ChangeResolution, changes[0].Source)
	assert.Equal(t, "n1", changes[0].EntityID)
	assert.Equal(t, map[string]any{"x": 1}, changes[0].Data)
}
