// Package transport defines the contract between the connection core
// and whatever actually moves bytes. The core never imports websocket,
// tcp, or anything concrete; it only ever talks to these interfaces.
// That is how the same lifecycle logic runs over different backends,
// and how tests substitute a scriptable fake for the network.
package transport

import (
	"context"

	"github.com/pkg/errors"
)

// ErrTransportClosed is returned when you try to send on a closed
// connection. A sentinel so callers can check the exact cause with
// errors.Is() instead of comparing strings.
var ErrTransportClosed = errors.New("transport closed")

// CloseCode classifies why a connection ended, using the websocket
// close-code convention since it is the most widely understood one.
type CloseCode int

const (
	// CodeNormal means a deliberate, clean shutdown. The core must not
	// reconnect after seeing it.
	CodeNormal CloseCode = 1000
	// CodeGoingAway is sent by a peer that is shutting down.
	CodeGoingAway CloseCode = 1001
	// CodeAbnormal is synthesized locally when the connection dropped
	// without a close handshake, a network error for example.
	CodeAbnormal CloseCode = 1006
)

// CloseEvent is emitted exactly once on the channel returned by Closed()
// when a connection ends, for any reason. Code and Err together tell the
// core whether this was intentional (no reconnect) or a failure
// (reconnect with backoff).
type CloseEvent struct {
	Code   CloseCode
	Reason string
	Err    error // nil on clean close, populated on failures
}

// Normal reports whether this close should suppress reconnection.
func (e CloseEvent) Normal() bool {
	return e.Code == CodeNormal && e.Err == nil
}

// Conn is one established duplex connection.
//
// Implementations own a background read loop and deliver inbound
// payloads on the Receive channel, which is closed when the connection
// ends. Message boundaries are the transport's problem; the core always
// sees whole payloads.
type Conn interface {
	// Send delivers one payload to the remote side.
	// Returns ErrTransportClosed if the connection is no longer usable.
	Send(payload []byte) error

	// Receive returns the channel of inbound payloads. Closed when the
	// connection ends. Range over it and stop when it closes.
	Receive() <-chan []byte

	// Closed returns a channel that emits exactly one CloseEvent when
	// the connection ends, for any reason.
	Closed() <-chan CloseEvent

	// Close shuts the connection down. Safe to call more than once.
	Close(code CloseCode, reason string) error
}

// Dialer opens connections. The credential is whatever the caller's
// auth layer produced; transports pass it along without interpreting it.
type Dialer interface {
	Dial(ctx context.Context, target string, credential string) (Conn, error)
}
