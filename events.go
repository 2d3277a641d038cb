package graphsync

import "time"

// ============================================================================
// Event Types
// ============================================================================

// EventType identifies the kind of change a GraphEvent describes.
type EventType string

const (
	EventNodeCreated      EventType = "node.created"
	EventNodeUpdated      EventType = "node.updated"
	EventNodeDeleted      EventType = "node.deleted"
	EventEdgeCreated      EventType = "edge.created"
	EventEdgeUpdated      EventType = "edge.updated"
	EventEdgeDeleted      EventType = "edge.deleted"
	EventSchemaUpdated    EventType = "schema.updated"
	EventBulkOperation    EventType = "bulk.operation"
	EventConflictDetected EventType = "conflict.detected"
	EventSyncRequired     EventType = "sync.required"
)

// AllEventTypes lists every event type the server can emit.
var AllEventTypes = []EventType{
	EventNodeCreated, EventNodeUpdated, EventNodeDeleted,
	EventEdgeCreated, EventEdgeUpdated, EventEdgeDeleted,
	EventSchemaUpdated, EventBulkOperation,
	EventConflictDetected, EventSyncRequired,
}

var knownEventTypes = func() map[EventType]struct{} {
	m := make(map[EventType]struct{}, len(AllEventTypes))
	for _, t := range AllEventTypes {
		m[t] = struct{}{}
	}
	return m
}()

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	_, ok := knownEventTypes[t]
	return ok
}

// EntityKind distinguishes the two graph entity kinds.
type EntityKind string

const (
	KindNode EntityKind = "node"
	KindEdge EntityKind = "edge"
)

// Operation is the mutation applied to an entity.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// SyncReason explains why the server asked for a resync.
type SyncReason string

const (
	SyncReasonConnectionRestored SyncReason = "connection_restored"
	SyncReasonDivergence         SyncReason = "divergence"
	SyncReasonSchemaChanged      SyncReason = "schema_changed"
)

// ============================================================================
// Event Payloads
// ============================================================================

// NodePayload identifies the node affected by a node.* event.
type NodePayload struct {
	ID         string         `json:"id"`
	Type       string         `json:"type,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
	Previous   map[string]any `json:"previous,omitempty"`
}

// EdgePayload identifies the edge affected by an edge.* event.
type EdgePayload struct {
	ID         string         `json:"id"`
	Type       string         `json:"type,omitempty"`
	Source     string         `json:"source"`
	Target     string         `json:"target"`
	Properties map[string]any `json:"properties,omitempty"`
	Previous   map[string]any `json:"previous,omitempty"`
}

// SchemaPayload describes a schema.updated change.
type SchemaPayload struct {
	Version string         `json:"version,omitempty"`
	Changes map[string]any `json:"changes,omitempty"`
}

// BulkPayload summarizes a bulk.operation.
type BulkPayload struct {
	Operation string   `json:"operation"`
	NodeIDs   []string `json:"nodeIds,omitempty"`
	EdgeIDs   []string `json:"edgeIds,omitempty"`
	Count     int      `json:"count"`
}

// ConflictPayload is carried by conflict.detected.
type ConflictPayload struct {
	EntityKind        EntityKind     `json:"entityKind"`
	EntityID          string         `json:"entityId"`
	EntityType        string         `json:"entityType,omitempty"`
	LocalVersion      map[string]any `json:"localVersion,omitempty"`
	ServerVersion     map[string]any `json:"serverVersion,omitempty"`
	ConflictingActors []string       `json:"conflictingActors,omitempty"`
	Reason            string         `json:"reason,omitempty"`
}

// SyncRequiredPayload is carried by sync.required.
type SyncRequiredPayload struct {
	Reason SyncReason `json:"reason"`
	Since  time.Time  `json:"since,omitempty"`
}

// ============================================================================
// GraphEvent
// ============================================================================

// GraphEvent is a single server-side change. It is a tagged union keyed by
// Type: only the payload pointer matching Type is set. Events are never
// mutated after they are decoded.
type GraphEvent struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	ActorID   string    `json:"userId,omitempty"`

	Node     *NodePayload         `json:"node,omitempty"`
	Edge     *EdgePayload         `json:"edge,omitempty"`
	Schema   *SchemaPayload       `json:"schema,omitempty"`
	Bulk     *BulkPayload         `json:"bulk,omitempty"`
	Conflict *ConflictPayload     `json:"conflict,omitempty"`
	Sync     *SyncRequiredPayload `json:"sync,omitempty"`
}

// PrimaryEntityID returns the id of the entity the event is about, or "" for
// events that do not target a single entity.
func (e GraphEvent) PrimaryEntityID() string {
	switch {
	case e.Node != nil:
		return e.Node.ID
	case e.Edge != nil:
		return e.Edge.ID
	case e.Conflict != nil:
		return e.Conflict.EntityID
	}
	return ""
}

// EntityType returns the type of the nested entity, or "".
func (e GraphEvent) EntityType() string {
	switch {
	case e.Node != nil:
		return e.Node.Type
	case e.Edge != nil:
		return e.Edge.Type
	case e.Conflict != nil:
		return e.Conflict.EntityType
	}
	return ""
}

// mutation maps node.* and edge.* events onto the (kind, operation, id)
// triple used to confirm optimistic updates.
func (e GraphEvent) mutation() (EntityKind, Operation, string, bool) {
	var op Operation
	switch e.Type {
	case EventNodeCreated, EventEdgeCreated:
		op = OpCreate
	case EventNodeUpdated, EventEdgeUpdated:
		op = OpUpdate
	case EventNodeDeleted, EventEdgeDeleted:
		op = OpDelete
	default:
		return "", "", "", false
	}
	switch {
	case e.Node != nil:
		return KindNode, op, e.Node.ID, true
	case e.Edge != nil:
		return KindEdge, op, e.Edge.ID, true
	}
	return "", "", "", false
}
