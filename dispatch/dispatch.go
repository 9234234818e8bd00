// Package dispatch routes inbound events to subscribers.
//
// It is a plain synchronous fan-out registry. The client core publishes
// lifecycle and application events into it; whoever built the client
// subscribes. Handlers run on the publisher's goroutine, in the order
// they subscribed, and a misbehaving handler is isolated so it cannot
// take the rest of the dispatch down with it.
package dispatch

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Wildcard subscribes a handler to every event type.
const Wildcard = "*"

// EventError is published when a handler panics during dispatch.
// Its payload is a HandlerError.
const EventError = "dispatch:error"

// Handler receives a published event. eventType is passed explicitly so
// wildcard handlers know what they got.
type Handler func(eventType string, data any)

// HandlerError is the payload of an EventError publish.
type HandlerError struct {
	Event string // the event whose handler failed
	Err   error  // the recovered panic, wrapped
}

// subscription pairs a handler with a global registration sequence
// number. The sequence number gives "registration order" a single
// meaning even when specific and wildcard handlers are interleaved.
type subscription struct {
	seq     uint64
	handler Handler
}

// Dispatcher is a registry of event subscriptions. Safe for concurrent
// use; Publish iterates a snapshot, so handlers may subscribe and
// unsubscribe (even themselves) mid-dispatch without corrupting the walk.
type Dispatcher struct {
	mu      sync.Mutex
	nextSeq uint64
	subs    map[string][]*subscription
}

// New creates an empty dispatcher.
func New() *Dispatcher {
	return &Dispatcher{subs: make(map[string][]*subscription)}
}

// Subscribe registers handler for eventType and returns a token that
// removes it. The token is idempotent, calling it twice is a no-op.
//
// Empty event types and nil handlers are programming errors, not runtime
// conditions, and panic immediately rather than failing later.
func (d *Dispatcher) Subscribe(eventType string, handler Handler) func() {
	if eventType == "" {
		panic("dispatch: Subscribe with empty event type")
	}
	if handler == nil {
		panic("dispatch: Subscribe with nil handler")
	}

	d.mu.Lock()
	sub := &subscription{seq: d.nextSeq, handler: handler}
	d.nextSeq++
	d.subs[eventType] = append(d.subs[eventType], sub)
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.remove(eventType, sub)
		})
	}
}

// Publish delivers data to every handler subscribed to eventType, then
// to every wildcard handler, merged into registration order. Delivery is
// synchronous on the caller's goroutine.
//
// A handler that panics does not stop the remaining handlers; the panic
// is captured and re-published as an EventError. Panics inside EventError
// handlers themselves are swallowed, otherwise a broken error handler
// would recurse forever.
func (d *Dispatcher) Publish(eventType string, data any) {
	for _, sub := range d.snapshot(eventType) {
		d.invoke(eventType, sub, data)
	}
}

// SubscriberCount reports how many handlers would see eventType.
// Useful in tests and for debugging subscription leaks.
func (d *Dispatcher) SubscriberCount(eventType string) int {
	return len(d.snapshot(eventType))
}

// snapshot returns the handlers for eventType plus wildcards, sorted by
// registration order, copied out under the lock.
func (d *Dispatcher) snapshot(eventType string) []*subscription {
	d.mu.Lock()
	merged := make([]*subscription, 0, len(d.subs[eventType])+len(d.subs[Wildcard]))
	merged = append(merged, d.subs[eventType]...)
	if eventType != Wildcard {
		merged = append(merged, d.subs[Wildcard]...)
	}
	d.mu.Unlock()

	sort.Slice(merged, func(i, j int) bool { return merged[i].seq < merged[j].seq })
	return merged
}

// invoke runs one handler with panic isolation.
func (d *Dispatcher) invoke(eventType string, sub *subscription, data any) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if eventType == EventError {
			// error handler panicked while handling an error, drop it
			return
		}
		d.Publish(EventError, HandlerError{
			Event: eventType,
			Err:   errors.Errorf("handler panic on %q: %v", eventType, r),
		})
	}()
	sub.handler(eventType, data)
}

// remove deletes sub from the eventType list if it is still there.
func (d *Dispatcher) remove(eventType string, sub *subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.subs[eventType]
	for i, s := range list {
		if s == sub {
			d.subs[eventType] = append(list[:i], list[i+1:]...)
			return
		}
	}
}
