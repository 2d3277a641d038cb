package graphsync

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

// SubscriptionID identifies a subscription for the lifetime of the process.
type SubscriptionID uint64

// Handler receives events matching a subscription. Returned errors and panics
// are logged and never stop delivery to other subscribers.
type Handler interface {
	HandleEvent(ev GraphEvent) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ev GraphEvent) error

func (f HandlerFunc) HandleEvent(ev GraphEvent) error { return f(ev) }

// BatchHandler is implemented by handlers that prefer one call per type group.
// When present it is used instead of HandleEvent.
type BatchHandler interface {
	Handler
	HandleBatch(typ EventType, events []GraphEvent) error
}

// Filters narrow a subscription. A zero-valued field places no restriction
// on that dimension.
type Filters struct {
	ActorID     string   `json:"userId,omitempty"`
	EntityIDs   []string `json:"entityIds,omitempty"`
	EntityTypes []string `json:"entityTypes,omitempty"`
}

// SubscriptionSpec describes what a subscriber wants to receive.
type SubscriptionSpec struct {
	EventTypes []EventType
	Filters    Filters
	Handler    Handler
}

type subscription struct {
	id          SubscriptionID
	eventTypes  map[EventType]struct{}
	actorID     string
	entityIDs   map[string]struct{}
	entityTypes map[string]struct{}
	spec        SubscriptionSpec
	handler     Handler

	// active is read by the dispatcher goroutine right before delivery.
	active atomic.Bool
}

func newSubscription(id SubscriptionID, spec SubscriptionSpec) *subscription {
	s := &subscription{
		id:         id,
		eventTypes: make(map[EventType]struct{}, len(spec.EventTypes)),
		actorID:    spec.Filters.ActorID,
		spec:       spec,
		handler:    spec.Handler,
	}
	for _, t := range spec.EventTypes {
		s.eventTypes[t] = struct{}{}
	}
	if len(spec.Filters.EntityIDs) > 0 {
		s.entityIDs = toSet(spec.Filters.EntityIDs)
	}
	if len(spec.Filters.EntityTypes) > 0 {
		s.entityTypes = toSet(spec.Filters.EntityTypes)
	}
	s.active.Store(true)
	return s
}

// matches applies the type check and every present filter.
func (s *subscription) matches(ev GraphEvent) bool {
	if _, ok := s.eventTypes[ev.Type]; !ok {
		return false
	}
	if s.actorID != "" && ev.ActorID != s.actorID {
		return false
	}
	if s.entityIDs != nil {
		if _, ok := s.entityIDs[ev.PrimaryEntityID()]; !ok {
			return false
		}
	}
	if s.entityTypes != nil {
		if _, ok := s.entityTypes[ev.EntityType()]; !ok {
			return false
		}
	}
	return true
}

func toSet(values []string) map[string]struct{} {
	m := make(map[string]struct{}, len(values))
	for _, v := range values {
		m[v] = struct{}{}
	}
	return m
}

// ============================================================================
// Router
// ============================================================================

// router owns the live subscriptions. It is only touched from the event loop.
type router struct {
	nextID SubscriptionID
	subs   map[SubscriptionID]*subscription
	order  []SubscriptionID
}

func newRouter() *router {
	return &router{subs: make(map[SubscriptionID]*subscription)}
}

func (r *router) add(spec SubscriptionSpec) (*subscription, error) {
	if spec.Handler == nil {
		return nil, fmt.Errorf("%w: nil handler", ErrInvalidSubscription)
	}
	if len(spec.EventTypes) == 0 {
		return nil, fmt.Errorf("%w: no event types", ErrInvalidSubscription)
	}
	for _, t := range spec.EventTypes {
		if !t.Valid() {
			return nil, fmt.Errorf("%w: unknown event type %q", ErrInvalidSubscription, t)
		}
	}

	r.nextID++
	sub := newSubscription(r.nextID, spec)
	r.subs[sub.id] = sub
	r.order = append(r.order, sub.id)
	return sub, nil
}

// remove deactivates and forgets a subscription. It reports false if the id
// is unknown, which makes a second call a no-op.
func (r *router) remove(id SubscriptionID) bool {
	sub, ok := r.subs[id]
	if !ok {
		return false
	}
	sub.active.Store(false)
	delete(r.subs, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

func (r *router) clear() {
	for _, sub := range r.subs {
		sub.active.Store(false)
	}
	r.subs = make(map[SubscriptionID]*subscription)
	r.order = nil
}

func (r *router) live() []*subscription {
	out := make([]*subscription, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.subs[id])
	}
	return out
}

// route selects, per subscription, the events of a same-type group it should
// receive, in subscription order.
func (r *router) route(group []GraphEvent) []delivery {
	var out []delivery
	for _, id := range r.order {
		sub := r.subs[id]
		var matched []GraphEvent
		for _, ev := range group {
			if sub.matches(ev) {
				matched = append(matched, ev)
			}
		}
		if len(matched) > 0 {
			out = append(out, delivery{sub: sub, events: matched})
		}
	}
	return out
}

type delivery struct {
	sub    *subscription
	events []GraphEvent
}

// deliver runs on the dispatcher goroutine. Liveness is checked here, not
// when the event was routed, so Unsubscribe stops in-flight deliveries.
func (d delivery) deliver(log *zap.Logger) {
	if bh, ok := d.sub.handler.(BatchHandler); ok {
		if !d.sub.active.Load() {
			return
		}
		err := safeCall(func() error { return bh.HandleBatch(d.events[0].Type, d.events) })
		if err != nil {
			log.Error("subscriber batch handler failed",
				zap.Uint64("subscription", uint64(d.sub.id)),
				zap.String("type", string(d.events[0].Type)),
				zap.Int("events", len(d.events)),
				zap.Error(err))
		}
		return
	}

	for _, ev := range d.events {
		if !d.sub.active.Load() {
			return
		}
		err := safeCall(func() error { return d.sub.handler.HandleEvent(ev) })
		if err != nil {
			log.Error("subscriber handler failed",
				zap.Uint64("subscription", uint64(d.sub.id)),
				zap.String("type", string(ev.Type)),
				zap.Error(err))
		}
	}
}

// ============================================================================
// Client API
// ============================================================================

type subscribePayload struct {
	ID         SubscriptionID `json:"id"`
	EventTypes []EventType    `json:"eventTypes"`
	Filters    Filters        `json:"filters"`
}

type unsubscribePayload struct {
	ID SubscriptionID `json:"id"`
}

// Subscribe registers a subscription and announces it to the server when
// connected. Local filtering does not depend on the server honoring it.
func (c *Client) Subscribe(spec SubscriptionSpec) (SubscriptionID, error) {
	var (
		id  SubscriptionID
		err error
	)
	if callErr := c.call(func() {
		var sub *subscription
		sub, err = c.router.add(spec)
		if err != nil {
			return
		}
		id = sub.id
		c.announce(sub)
		c.log.Debug("subscribed",
			zap.Uint64("subscription", uint64(id)),
			zap.Int("types", len(spec.EventTypes)))
	}); callErr != nil {
		return 0, callErr
	}
	return id, err
}

// Unsubscribe stops delivery immediately, including events already batched.
// Unknown ids are ignored.
func (c *Client) Unsubscribe(id SubscriptionID) error {
	return c.call(func() {
		if !c.router.remove(id) {
			return
		}
		if c.conn != nil {
			if err := c.enqueueFrame(frameUnsubscribe, unsubscribePayload{ID: id}); err != nil {
				c.log.Debug("unsubscribe not forwarded", zap.Error(err))
			}
		}
		c.log.Debug("unsubscribed", zap.Uint64("subscription", uint64(id)))
	})
}

// SubscriptionCount returns the number of live subscriptions.
func (c *Client) SubscriptionCount() int {
	var n int
	c.read(func() { n = len(c.router.subs) })
	return n
}

func (c *Client) announce(sub *subscription) {
	if c.conn == nil {
		return
	}
	err := c.enqueueFrame(frameSubscribe, subscribePayload{
		ID:         sub.id,
		EventTypes: sub.spec.EventTypes,
		Filters:    sub.spec.Filters,
	})
	if err != nil {
		c.log.Debug("subscribe not forwarded", zap.Error(err))
	}
}

// announceSubscriptions re-sends every live subscription after a connect.
func (c *Client) announceSubscriptions() {
	for _, sub := range c.router.live() {
		c.announce(sub)
	}
}

// dispatchGroup routes one same-type group and hands deliveries to the
// dispatcher.
func (c *Client) dispatchGroup(group []GraphEvent) {
	if len(group) == 0 {
		return
	}
	c.metrics.eventsProcessed += int64(len(group))
	for _, d := range c.router.route(group) {
		d := d
		c.dispatch.enqueue(func() { d.deliver(c.log) })
	}
}
