// Package websocket implements the transport contract over a WebSocket
// connection. This is the transport production deployments use; the tcp
// sibling exists for environments without an HTTP path and for tests.
package websocket

import (
	"context"
	"net/http"
	"sync"

	"nhooyr.io/websocket"

	"github.com/risa-org/relink/transport"
)

// Dialer opens WebSocket connections. The zero value is usable.
type Dialer struct {
	// HTTPClient overrides the HTTP client used for the handshake.
	// Nil means http.DefaultClient.
	HTTPClient *http.Client
}

// Dial connects to target (a ws:// or wss:// URL). The credential, when
// non-empty, is sent as a bearer token on the handshake request; the
// transport does not interpret it beyond that.
func (d *Dialer) Dial(ctx context.Context, target string, credential string) (transport.Conn, error) {
	opts := &websocket.DialOptions{HTTPClient: d.HTTPClient}
	if credential != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + credential}}
	}

	conn, _, err := websocket.Dial(ctx, target, opts)
	if err != nil {
		return nil, err
	}
	return New(conn), nil
}

// Conn wraps a *websocket.Conn in the transport contract.
// Payloads travel as binary messages; WebSocket already provides
// message boundaries, so no extra framing is needed here.
type Conn struct {
	conn      *websocket.Conn
	incoming  chan []byte
	closed    chan transport.CloseEvent
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
}

// New wraps an existing *websocket.Conn. Useful on the accepting side
// and in tests; clients normally go through Dialer.
// Immediately starts the background read loop.
func New(conn *websocket.Conn) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		conn:     conn,
		incoming: make(chan []byte, 64),
		closed:   make(chan transport.CloseEvent, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
	go c.readLoop()
	return c
}

func (c *Conn) Send(payload []byte) error {
	if err := c.conn.Write(c.ctx, websocket.MessageBinary, payload); err != nil {
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

// Close performs the close handshake. Safe to call multiple times,
// cleanup runs exactly once. CodeAbnormal is reserved and cannot go on
// the wire, so a local abnormal teardown is sent as going-away.
func (c *Conn) Close(code transport.CloseCode, reason string) error {
	status := websocket.StatusCode(code)
	if code == transport.CodeAbnormal {
		status = websocket.StatusGoingAway
	}
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.conn.Close(status, reason)
	})
	return err
}

func (c *Conn) readLoop() {
	defer close(c.incoming)

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			c.signalClosed(err)
			c.Close(transport.CodeNormal, "read loop done")
			return
		}
		// copy not needed, Read returns a fresh slice per message
		c.incoming <- data
	}
}

// signalClosed emits exactly one close event.
// StatusNormalClosure (1000) and StatusGoingAway (1001) are both clean
// closes; different peers and shutdown timing produce either one.
// Context cancellation means we closed it ourselves, also clean.
func (c *Conn) signalClosed(err error) {
	event := transport.CloseEvent{Code: transport.CodeAbnormal}

	status := websocket.CloseStatus(err)
	switch {
	case status == websocket.StatusNormalClosure,
		status == websocket.StatusGoingAway,
		c.ctx.Err() != nil:
		event.Code = transport.CodeNormal
		event.Reason = "closed"
	default:
		if status > 0 {
			event.Code = transport.CloseCode(status)
		}
		event.Err = err
	}

	select {
	case c.closed <- event:
	default:
	}
}
