// Package memory is an in-memory journal implementation.
// Suitable for tests and for callers who want journal semantics without
// caring about restarts. Nothing survives the process, by definition.
package memory

import (
	"sync"

	"github.com/risa-org/relink/queue"
)

// Journal is a thread-safe in-memory implementation of client.Journal.
type Journal struct {
	mu      sync.Mutex
	entries []queue.Envelope
}

// New creates an empty journal.
func New() *Journal {
	return &Journal{}
}

// Append records an envelope as pending.
func (j *Journal) Append(env queue.Envelope) error {
	j.mu.Lock()
	j.entries = append(j.entries, env)
	j.mu.Unlock()
	return nil
}

// Ack removes the envelope with the given id. Unknown ids are a no-op,
// matching the queue's idempotent acknowledge semantics.
func (j *Journal) Ack(id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i, e := range j.entries {
		if e.ID == id {
			j.entries = append(j.entries[:i], j.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

// Pending returns the unacknowledged envelopes in append order.
func (j *Journal) Pending() ([]queue.Envelope, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]queue.Envelope, len(j.entries))
	copy(out, j.entries)
	return out, nil
}
