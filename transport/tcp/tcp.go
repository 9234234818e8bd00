// Package tcp implements the transport contract over a raw TCP
// connection. It exists for deployments without an HTTP path and for
// tests, where net.Pipe gives an in-memory connection with no ports.
package tcp

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/risa-org/relink/transport"
)

// maxPayload bounds a single frame so a corrupt or hostile length
// prefix cannot make us allocate gigabytes.
const maxPayload = 16 << 20 // 16 MiB

// ErrPayloadTooLarge is returned by Send for payloads over the frame
// size limit. A caller error, not a dead connection; the connection
// stays usable.
var ErrPayloadTooLarge = errors.New("payload exceeds max frame size")

// Dialer opens TCP connections. The credential is sent as the first
// frame after connecting, so the accepting side can authenticate before
// reading anything else. An empty credential sends an empty frame.
type Dialer struct {
	// DialFunc overrides the raw connection factory, mainly for tests.
	// Nil means a net.Dialer.
	DialFunc func(ctx context.Context, target string) (net.Conn, error)
}

func (d *Dialer) Dial(ctx context.Context, target string, credential string) (transport.Conn, error) {
	dial := d.DialFunc
	if dial == nil {
		nd := &net.Dialer{}
		dial = func(ctx context.Context, target string) (net.Conn, error) {
			return nd.DialContext(ctx, "tcp", target)
		}
	}

	raw, err := dial(ctx, target)
	if err != nil {
		return nil, err
	}

	c := New(raw)
	if err := c.Send([]byte(credential)); err != nil {
		c.Close(transport.CodeAbnormal, "credential send failed")
		return nil, err
	}
	return c, nil
}

// Conn wraps a net.Conn in the transport contract.
//
// Wire format for each frame:
//
//	[4 bytes: payload length, uint32 big-endian][N bytes: payload]
//
// TCP is a stream with no message boundaries, so without framing a Read
// could return half a frame or two frames glued together. The length
// prefix lets the read loop always consume exactly one frame.
type Conn struct {
	conn      net.Conn
	incoming  chan []byte
	closed    chan transport.CloseEvent
	closeOnce sync.Once
	closing   atomic.Bool // set by Close, distinguishes our EOF from the peer's
	writeMu   sync.Mutex  // one writer at a time, concurrent Write interleaves frames
}

// New wraps an established net.Conn. Dialing or accepting happens
// outside. Immediately starts the background read loop.
func New(conn net.Conn) *Conn {
	c := &Conn{
		conn:     conn,
		incoming: make(chan []byte, 64),
		closed:   make(chan transport.CloseEvent, 1),
	}
	go c.readLoop()
	return c
}

// Send writes one length-prefixed frame.
func (c *Conn) Send(payload []byte) error {
	if len(payload) > maxPayload {
		return ErrPayloadTooLarge
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := c.conn.Write(lenBuf[:]); err != nil {
		return transport.ErrTransportClosed
	}
	if _, err := c.conn.Write(payload); err != nil {
		return transport.ErrTransportClosed
	}
	return nil
}

func (c *Conn) Receive() <-chan []byte {
	return c.incoming
}

func (c *Conn) Closed() <-chan transport.CloseEvent {
	return c.closed
}

// Close shuts the connection down. There is no close handshake on raw
// TCP, so code and reason only feed the local close event.
func (c *Conn) Close(code transport.CloseCode, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		c.signalClosed(transport.CloseEvent{Code: code, Reason: reason})
		err = c.conn.Close()
	})
	return err
}

// readLoop reads frames until the connection dies, then signals and
// cleans up.
func (c *Conn) readLoop() {
	defer func() {
		close(c.incoming)
		c.Close(transport.CodeNormal, "read loop done")
	}()

	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(c.conn, lenBuf[:]); err != nil {
			c.signalReadError(err)
			return
		}
		payloadLen := binary.BigEndian.Uint32(lenBuf[:])
		if payloadLen > maxPayload {
			c.signalReadError(io.ErrUnexpectedEOF)
			return
		}

		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			c.signalReadError(err)
			return
		}

		c.incoming <- payload
	}
}

// signalReadError classifies a read failure. If we initiated the close
// ourselves it is normal; anything the peer did to us is abnormal. Raw
// TCP cannot tell a graceful peer shutdown from a crash, so a remote EOF
// is treated as abnormal and the reconnect policy decides what to do.
func (c *Conn) signalReadError(err error) {
	if c.closing.Load() {
		c.signalClosed(transport.CloseEvent{Code: transport.CodeNormal, Reason: "closed"})
		return
	}
	c.signalClosed(transport.CloseEvent{Code: transport.CodeAbnormal, Err: err})
}

// signalClosed emits at most one close event. The channel is buffered
// at 1 and the default arm drops duplicates.
func (c *Conn) signalClosed(event transport.CloseEvent) {
	select {
	case c.closed <- event:
	default:
	}
}
