// Package wire defines the thin frame envelope both ends of the
// connection agree on. The frame carries just enough structure for the
// client core to route a message: a kind, an id for correlation, and an
// application type. The payload stays opaque bytes all the way through;
// decoding it belongs to whoever subscribed for that event type.
package wire

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Kind discriminates what a frame means to the connection core.
type Kind string

const (
	// KindEvent carries an application message in either direction.
	KindEvent Kind = "event"
	// KindAck acknowledges receipt of the envelope named by ID.
	KindAck Kind = "ack"
	// KindPing and KindPong are the liveness probe pair.
	KindPing Kind = "ping"
	KindPong Kind = "pong"
	// KindConfirm carries the server's authoritative value for the
	// optimistic mutation named by ID.
	KindConfirm Kind = "confirm"
	// KindReject tells the client to roll back the mutation named by ID.
	KindReject Kind = "reject"
)

// Frame is one wire message. JSON keeps it debuggable with nothing more
// than a packet capture; []byte payloads marshal as base64.
type Frame struct {
	Kind    Kind   `json:"kind"`
	ID      string `json:"id,omitempty"`
	Type    string `json:"type,omitempty"`
	Payload []byte `json:"payload,omitempty"`
}

// Encode serializes a frame. Frames with an unknown kind are refused
// here rather than confusing the peer.
func Encode(f Frame) ([]byte, error) {
	if !validKind(f.Kind) {
		return nil, errors.Errorf("wire: cannot encode unknown frame kind %q", f.Kind)
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, errors.Wrap(err, "wire: marshal frame failed")
	}
	return b, nil
}

// Decode parses a frame. Unknown kinds are an error so a newer peer
// cannot silently feed us frames we would misroute.
func Decode(b []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, errors.Wrap(err, "wire: unmarshal frame failed")
	}
	if !validKind(f.Kind) {
		return Frame{}, errors.Errorf("wire: unknown frame kind %q", f.Kind)
	}
	return f, nil
}

func validKind(k Kind) bool {
	switch k {
	case KindEvent, KindAck, KindPing, KindPong, KindConfirm, KindReject:
		return true
	}
	return false
}
