// Package file is a file-backed journal for the outbound queue.
//
// The write pattern is append-only JSON lines: one "add" record per
// enqueued envelope, one "ack" tombstone per acknowledgment. Appending
// is the only thing the hot path ever does to the file, which keeps
// journaling cheap and crash-safe; a torn final line just means the last
// operation is replayed or dropped, never that earlier history is lost.
// Compact rewrites the file with only the still-pending envelopes.
//
// Not suitable for multi-process use; one journal file belongs to one
// client instance.
package file

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/risa-org/relink/queue"
)

// record is one JSON line in the journal file.
type record struct {
	Op        string    `json:"op"` // "add" or "ack"
	ID        string    `json:"id"`
	Type      string    `json:"type,omitempty"`
	Payload   []byte    `json:"payload,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	Attempts  int       `json:"attempts,omitempty"`
}

// Journal is a file-backed implementation of client.Journal.
type Journal struct {
	mu   sync.Mutex
	path string
	f    *os.File

	// pending mirrors the file so Pending() never re-reads disk.
	// order preserves append order for replay.
	pending map[string]queue.Envelope
	order   []string
}

// Open opens (or creates) the journal at path and replays its records
// into memory. Pending envelopes from a previous run are available via
// Pending() immediately after Open returns.
func Open(path string) (*Journal, error) {
	j := &Journal{
		path:    path,
		pending: make(map[string]queue.Envelope),
	}

	if err := j.load(); err != nil {
		return nil, errors.Wrapf(err, "load journal %s failed", path)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "open journal %s failed", path)
	}
	j.f = f
	return j, nil
}

// Append writes an "add" record for the envelope.
func (j *Journal) Append(env queue.Envelope) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	err := j.writeLocked(record{
		Op:        "add",
		ID:        env.ID,
		Type:      env.Type,
		Payload:   env.Payload,
		CreatedAt: env.CreatedAt,
		Attempts:  env.Attempts,
	})
	if err != nil {
		return err
	}

	if _, ok := j.pending[env.ID]; !ok {
		j.order = append(j.order, env.ID)
	}
	j.pending[env.ID] = env
	return nil
}

// Ack writes a tombstone for the envelope id. Unknown ids still get a
// tombstone; an ack that raced a crash must win on replay.
func (j *Journal) Ack(id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.writeLocked(record{Op: "ack", ID: id}); err != nil {
		return err
	}
	delete(j.pending, id)
	return nil
}

// Pending returns the unacknowledged envelopes in append order.
func (j *Journal) Pending() ([]queue.Envelope, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]queue.Envelope, 0, len(j.pending))
	for _, id := range j.order {
		if env, ok := j.pending[id]; ok {
			out = append(out, env)
		}
	}
	return out, nil
}

// Compact rewrites the journal with only the pending envelopes, dropping
// accumulated tombstones. Call it periodically or at startup; the file
// grows without bound otherwise. The rewrite goes through a temp file
// and rename so a crash mid-compact cannot destroy the journal.
func (j *Journal) Compact() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	tmp := j.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return errors.Wrap(err, "open compact temp file failed")
	}

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, id := range j.order {
		env, ok := j.pending[id]
		if !ok {
			continue
		}
		err := enc.Encode(record{
			Op:        "add",
			ID:        env.ID,
			Type:      env.Type,
			Payload:   env.Payload,
			CreatedAt: env.CreatedAt,
			Attempts:  env.Attempts,
		})
		if err != nil {
			f.Close()
			return errors.Wrap(err, "write compact record failed")
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return errors.Wrap(err, "flush compact file failed")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "close compact file failed")
	}

	if err := os.Rename(tmp, j.path); err != nil {
		return errors.Wrap(err, "swap compact file failed")
	}

	// reopen the live handle against the new file
	j.f.Close()
	j.f, err = os.OpenFile(j.path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return errors.Wrap(err, "reopen journal after compact failed")
	}

	// drop tombstoned ids from the order index
	order := j.order[:0]
	for _, id := range j.order {
		if _, ok := j.pending[id]; ok {
			order = append(order, id)
		}
	}
	j.order = order
	return nil
}

// Close releases the file handle. The journal is not usable afterwards.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}

// writeLocked appends one record and syncs it to the file.
// Caller holds mu.
func (j *Journal) writeLocked(r record) error {
	b, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "marshal journal record failed")
	}
	b = append(b, '\n')
	if _, err := j.f.Write(b); err != nil {
		return errors.Wrap(err, "append journal record failed")
	}
	return nil
}

// load replays the journal file into the in-memory view.
// A missing file is an empty journal, not an error.
func (j *Journal) load() error {
	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 32<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var r record
		if err := json.Unmarshal(line, &r); err != nil {
			// a torn final line from a crash mid-append; stop replaying
			break
		}
		switch r.Op {
		case "add":
			if _, ok := j.pending[r.ID]; !ok {
				j.order = append(j.order, r.ID)
			}
			j.pending[r.ID] = queue.Envelope{
				ID:        r.ID,
				Type:      r.Type,
				Payload:   r.Payload,
				CreatedAt: r.CreatedAt,
				Attempts:  r.Attempts,
			}
		case "ack":
			delete(j.pending, r.ID)
		}
	}
	return scanner.Err()
}
