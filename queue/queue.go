// Package queue is the durability layer for outbound messages.
//
// Every message a caller sends lands here first, whatever the connection
// is doing at the time. Entries only ever leave in one of three ways:
// an acknowledgment matching their id, eviction after too many delivery
// attempts, or explicit cancellation. That rule is what turns "the wifi
// dropped for a minute" into a non-event instead of lost messages.
package queue

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxSendAttempts bounds how many times one envelope is
// retransmitted before it is given up on and reported as failed.
const DefaultMaxSendAttempts = 3

// Envelope is one unit of outbound work. The id is generated locally,
// not by the server, so acknowledgments can be correlated even when the
// connection that carried the original send is long gone.
type Envelope struct {
	ID        string
	Type      string
	Payload   []byte
	CreatedAt time.Time
	Attempts  int
}

// Outbound is an ordered buffer of not-yet-acknowledged envelopes.
// Enqueue order is transmit order; that matters when messages encode
// operations the server applies sequentially.
//
// All methods are safe for concurrent use. In particular Enqueue during
// an in-progress Flush is fine: the new envelope is neither skipped
// (it stays queued for the next transmit opportunity) nor double-sent.
type Outbound struct {
	mu          sync.Mutex
	entries     []*Envelope
	maxAttempts int
}

// New creates an empty queue. maxSendAttempts <= 0 uses the default.
func New(maxSendAttempts int) *Outbound {
	if maxSendAttempts <= 0 {
		maxSendAttempts = DefaultMaxSendAttempts
	}
	return &Outbound{maxAttempts: maxSendAttempts}
}

// Enqueue appends a new envelope to the tail and returns it.
// The payload is copied so the caller's buffer is not retained.
func (q *Outbound) Enqueue(envType string, payload []byte) Envelope {
	p := make([]byte, len(payload))
	copy(p, payload)

	env := &Envelope{
		ID:        uuid.NewString(),
		Type:      envType,
		Payload:   p,
		CreatedAt: time.Now(),
	}

	q.mu.Lock()
	q.entries = append(q.entries, env)
	q.mu.Unlock()

	return *env
}

// Restore re-inserts an envelope with its identity and attempt count
// intact. Used when replaying a persisted journal after a restart.
func (q *Outbound) Restore(env Envelope) {
	e := env
	q.mu.Lock()
	q.entries = append(q.entries, &e)
	q.mu.Unlock()
}

// Flush walks the queue head to tail and hands each still-unacknowledged
// envelope to transmit, incrementing its attempt count. Envelopes that
// already spent their attempt budget are evicted instead and returned so
// the caller can report them as failed deliveries.
//
// A transmit error aborts the flush and is returned; envelopes not yet
// reached keep their attempt counts and stay queued.
//
// The walk is over a snapshot of ids, re-checked against the live queue
// per entry, so concurrent Enqueue and Acknowledge calls are safe while
// a flush is running.
func (q *Outbound) Flush(transmit func(Envelope) error) (sent int, evicted []Envelope, err error) {
	q.mu.Lock()
	ids := make([]string, len(q.entries))
	for i, e := range q.entries {
		ids[i] = e.ID
	}
	q.mu.Unlock()

	for _, id := range ids {
		q.mu.Lock()
		e := q.findLocked(id)
		if e == nil {
			// acknowledged or cancelled while we were flushing
			q.mu.Unlock()
			continue
		}
		if e.Attempts >= q.maxAttempts {
			q.removeLocked(id)
			evicted = append(evicted, *e)
			q.mu.Unlock()
			continue
		}
		e.Attempts++
		env := *e
		q.mu.Unlock()

		if err := transmit(env); err != nil {
			return sent, evicted, err
		}
		sent++
	}
	return sent, evicted, nil
}

// TransmitOne hands the single envelope with the given id to transmit,
// incrementing only that envelope's attempt count. The rest of the queue
// is untouched. This is the live-connection send path; a fresh envelope
// goes out without burning the delivery attempts of older entries still
// waiting on their acks. Returns the envelope as evicted if its budget
// was already spent; an id no longer queued is a no-op.
func (q *Outbound) TransmitOne(id string, transmit func(Envelope) error) (evicted *Envelope, err error) {
	q.mu.Lock()
	e := q.findLocked(id)
	if e == nil {
		q.mu.Unlock()
		return nil, nil
	}
	if e.Attempts >= q.maxAttempts {
		q.removeLocked(id)
		ev := *e
		q.mu.Unlock()
		return &ev, nil
	}
	e.Attempts++
	env := *e
	q.mu.Unlock()

	return nil, transmit(env)
}

// Acknowledge removes the envelope with the given id, wherever it sits.
// Acknowledgments may arrive out of order, so position means nothing,
// only the id does. Returns false if nothing matched; acknowledging the
// same id twice is a no-op, not an error.
func (q *Outbound) Acknowledge(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(id)
}

// Cancel removes an envelope before it is acknowledged. Same semantics
// as Acknowledge but named for intent.
func (q *Outbound) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(id)
}

// Len returns how many envelopes are waiting for acknowledgment.
func (q *Outbound) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Pending returns a copy of the queued envelopes in order.
// Used for persistence and observability, never for transmission.
func (q *Outbound) Pending() []Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Envelope, len(q.entries))
	for i, e := range q.entries {
		out[i] = *e
	}
	return out
}

// findLocked returns the live entry for id, or nil. Caller holds mu.
func (q *Outbound) findLocked(id string) *Envelope {
	for _, e := range q.entries {
		if e.ID == id {
			return e
		}
	}
	return nil
}

// removeLocked deletes the entry for id, preserving order of the rest.
// Caller holds mu.
func (q *Outbound) removeLocked(id string) bool {
	for i, e := range q.entries {
		if e.ID == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}
