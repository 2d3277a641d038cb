package graphsync

import "time"

// ChangeSource tells where a logged change came from.
type ChangeSource string

const (
	ChangeOptimistic ChangeSource = "optimistic"
	ChangeBroadcast  ChangeSource = "broadcast"
	ChangeResolution ChangeSource = "resolution"
)

// Change is a local modification recorded for replay during a sync.
type Change struct {
	Seq       uint64         `json:"seq"`
	At        time.Time      `json:"at"`
	Source    ChangeSource   `json:"source"`
	Kind      EntityKind     `json:"entityKind,omitempty"`
	Operation Operation      `json:"operation,omitempty"`
	EntityID  string         `json:"entityId,omitempty"`
	EventType EventType      `json:"eventType,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// ring keeps the most recent cap items.
type ring[T any] struct {
	items []T
	start int
	n     int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &ring[T]{items: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	if r.n < len(r.items) {
		r.items[(r.start+r.n)%len(r.items)] = v
		r.n++
		return
	}
	r.items[r.start] = v
	r.start = (r.start + 1) % len(r.items)
}

// snapshot returns the items oldest first.
func (r *ring[T]) snapshot() []T {
	out := make([]T, 0, r.n)
	for i := 0; i < r.n; i++ {
		out = append(out, r.items[(r.start+i)%len(r.items)])
	}
	return out
}

func (r *ring[T]) len() int { return r.n }

// recordChange stamps ch with the next sequence number and logs it.
func (c *Client) recordChange(ch Change) {
	c.changeSeq++
	ch.Seq = c.changeSeq
	c.changes.push(ch)
}

// changesSince returns the logged changes with a sequence number above seq.
func changesSince(r *ring[Change], seq uint64) []Change {
	var out []Change
	for _, ch := range r.snapshot() {
		if ch.Seq > seq {
			out = append(out, ch)
		}
	}
	return out
}

// History returns recently received events, oldest first.
func (c *Client) History() []GraphEvent {
	var out []GraphEvent
	c.read(func() { out = c.history.snapshot() })
	return out
}
