// Package ledger tracks optimistic local state.
//
// The pattern: the caller applies a change locally the moment the user
// acts, sends it to the server, and shows the speculative value right
// away. If the server confirms, the value becomes authoritative. If the
// confirmation never arrives, the change is rolled back automatically so
// the application never sits on a lie forever.
package ledger

import (
	"sync"
	"time"
)

// DefaultPendingTimeout is how long a mutation may stay unconfirmed
// before it is rolled back.
const DefaultPendingTimeout = 10 * time.Second

// Fold combines the running value with one pending mutation's value.
// The default fold is replacement, which models "set" style mutations.
type Fold func(acc, mutation any) any

// Mutation is one speculative change awaiting server confirmation.
type Mutation struct {
	ID        string
	Value     any
	AppliedAt time.Time
}

// Ledger holds the last confirmed base value plus the ordered set of
// unconfirmed mutations layered on top of it. Safe for concurrent use.
type Ledger struct {
	timeout    time.Duration
	fold       Fold
	onRollback func(Mutation)

	mu      sync.Mutex
	base    any
	pending []*entry
}

type entry struct {
	mut   Mutation
	timer *time.Timer
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithFold replaces the default last-write-wins fold.
func WithFold(f Fold) Option {
	return func(l *Ledger) { l.fold = f }
}

// WithRollbackHook installs a callback invoked after any rollback,
// automatic or explicit. Used to surface mutation:rolledback events.
func WithRollbackHook(fn func(Mutation)) Option {
	return func(l *Ledger) { l.onRollback = fn }
}

// New creates a ledger over the given base value. pendingTimeout <= 0
// uses the default.
func New(base any, pendingTimeout time.Duration, opts ...Option) *Ledger {
	if pendingTimeout <= 0 {
		pendingTimeout = DefaultPendingTimeout
	}
	l := &Ledger{
		timeout: pendingTimeout,
		fold:    func(_, mutation any) any { return mutation },
		base:    base,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Apply records a speculative mutation and makes it visible through
// Current immediately. A rollback is scheduled automatically; Confirm or
// Rollback before the deadline cancels it. Re-applying an id that is
// still pending replaces its value, restarts its deadline, and moves it
// to the end of the fold order, as if applied anew.
func (l *Ledger) Apply(id string, value any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e := l.findLocked(id); e != nil {
		e.timer.Stop()
		e.mut.Value = value
		e.mut.AppliedAt = time.Now()
		e.timer = l.scheduleLocked(id)
		l.removeLocked(id)
		l.pending = append(l.pending, e)
		return
	}

	e := &entry{
		mut: Mutation{ID: id, Value: value, AppliedAt: time.Now()},
	}
	e.timer = l.scheduleLocked(id)
	l.pending = append(l.pending, e)
}

// Confirm accepts the server's authoritative value for a mutation: the
// base becomes authoritative and the pending entry is retired. Confirming
// an unknown id still updates the base, the server is always right.
func (l *Ledger) Confirm(id string, authoritative any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.base = authoritative
	if e := l.findLocked(id); e != nil {
		e.timer.Stop()
		l.removeLocked(id)
	}
}

// Rollback discards a pending mutation without touching the base.
// Unknown ids are a no-op, so rolling back twice is harmless.
func (l *Ledger) Rollback(id string) {
	l.rollback(id)
}

// Current returns the value as the application should display it: the
// confirmed base folded with every unconfirmed mutation in the order
// they were applied.
func (l *Ledger) Current() any {
	l.mu.Lock()
	defer l.mu.Unlock()

	// pending is maintained in apply order (re-applies move to the
	// tail), so folding it directly is deterministic even when two
	// mutations share a coarse-clock timestamp
	acc := l.base
	for _, e := range l.pending {
		acc = l.fold(acc, e.mut.Value)
	}
	return acc
}

// PendingCount reports how many mutations are awaiting confirmation.
func (l *Ledger) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Close cancels every outstanding rollback timer. Pending mutations are
// left in place; this is for teardown, not for state management.
func (l *Ledger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.pending {
		e.timer.Stop()
	}
}

// rollback removes the entry for id and fires the hook outside the lock.
func (l *Ledger) rollback(id string) {
	l.mu.Lock()
	e := l.findLocked(id)
	if e == nil {
		l.mu.Unlock()
		return
	}
	e.timer.Stop()
	l.removeLocked(id)
	hook := l.onRollback
	mut := e.mut
	l.mu.Unlock()

	if hook != nil {
		hook(mut)
	}
}

// scheduleLocked arms the auto-rollback timer for id. Caller holds mu.
func (l *Ledger) scheduleLocked(id string) *time.Timer {
	return time.AfterFunc(l.timeout, func() {
		l.rollback(id)
	})
}

func (l *Ledger) findLocked(id string) *entry {
	for _, e := range l.pending {
		if e.mut.ID == id {
			return e
		}
	}
	return nil
}

func (l *Ledger) removeLocked(id string) {
	for i, e := range l.pending {
		if e.mut.ID == id {
			l.pending = append(l.pending[:i], l.pending[i+1:]...)
			return
		}
	}
}
