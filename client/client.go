// Package client is the connection lifecycle engine.
//
// A Client owns one logical connection to a server and keeps it useful
// across drops, server restarts, and offline periods: it reconnects
// with backed-off, jittered retries, probes liveness with heartbeats,
// buffers outbound messages until they are acknowledged, dispatches
// inbound events to subscribers, and reconciles optimistic local state
// against server confirmations.
//
// Construct a Client explicitly and pass it around; there is no ambient
// shared instance. All methods are safe for concurrent use.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/risa-org/relink/backoff"
	"github.com/risa-org/relink/dispatch"
	"github.com/risa-org/relink/heartbeat"
	"github.com/risa-org/relink/ledger"
	"github.com/risa-org/relink/queue"
	"github.com/risa-org/relink/transport"
	"github.com/risa-org/relink/wire"
)

// State is where the connection currently is in its lifecycle.
// Exactly one state is active at any instant.
type State int

const (
	// StateDisconnected means no connection and none being attempted.
	// The initial state, and the result of Disconnect or a clean close.
	StateDisconnected State = iota
	// StateConnecting means a transport-open attempt is in flight.
	StateConnecting
	// StateConnected means the connection is live: the queue may flush
	// and heartbeats are running.
	StateConnected
	// StateReconnecting means the connection dropped and a retry is
	// scheduled on the backoff timer.
	StateReconnecting
	// StateFailed means the attempt budget is spent. Terminal until the
	// caller invokes Connect again, which resets the budget.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Client drives the connection state machine. It exclusively owns the
// transport connection and the components behind it; callers only ever
// reach the queue, dispatcher, and ledger through these methods.
type Client struct {
	dialer  transport.Dialer
	opts    Options
	journal Journal

	dispatcher *dispatch.Dispatcher
	outbound   *queue.Outbound
	policy     *backoff.Policy
	monitor    *heartbeat.Monitor
	ledger     *ledger.Ledger

	ledgerBase any
	ledgerFold ledger.Fold

	// flushMu serializes queue flushes so two flush triggers (connect
	// completion and a concurrent Send) cannot double-transmit.
	flushMu sync.Mutex

	mu          sync.Mutex
	state       State
	conn        transport.Conn
	target      string
	credential  string
	intentional bool
	retryTimer  *time.Timer

	// epoch invalidates async callbacks from a previous connection
	// lifecycle. Disconnect and Connect bump it; a dial completion,
	// close event, or retry timer from an older epoch is ignored.
	epoch uint64
}

// New creates a disconnected client that will open connections through
// dialer. If a journal was configured, envelopes it still holds are
// replayed into the outbound queue so they are flushed after the next
// successful Connect.
func New(dialer transport.Dialer, cfgs ...Cfg) (*Client, error) {
	if dialer == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "nil dialer")
	}

	c := &Client{
		dialer: dialer,
		opts:   DefaultOptions(),
	}
	for _, cfg := range cfgs {
		if err := cfg(c); err != nil {
			return nil, errors.Wrap(err, "apply client cfg failed")
		}
	}

	c.dispatcher = dispatch.New()
	c.outbound = queue.New(c.opts.MaxSendAttempts)
	c.policy = backoff.New(c.opts.BaseDelay, c.opts.MaxDelay, c.opts.MaxAttempts, c.opts.JitterFraction)
	c.monitor = heartbeat.NewMonitor(c.opts.PingInterval, c.opts.PongTimeout, c.onHeartbeatDead)

	ledgerOpts := []ledger.Option{ledger.WithRollbackHook(func(m ledger.Mutation) {
		c.dispatcher.Publish(EventMutationRolledBack, m)
	})}
	if c.ledgerFold != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithFold(c.ledgerFold))
	}
	c.ledger = ledger.New(c.ledgerBase, c.opts.PendingMutationTimeout, ledgerOpts...)

	if c.journal != nil {
		pending, err := c.journal.Pending()
		if err != nil {
			return nil, errors.Wrap(err, "replay journal failed")
		}
		for _, env := range pending {
			c.outbound.Restore(env)
		}
		if len(pending) > 0 {
			logger.WithField("count", len(pending)).Info("replayed journaled envelopes")
		}
	}

	return c, nil
}

// Connect starts a connection attempt to target. Valid only while
// Disconnected or Failed; calling it from Failed resets the attempt
// budget. It returns once the attempt is initiated; completion arrives
// as a connection:open or, after the budget is spent, connection:failed
// event.
func (c *Client) Connect(target string, credential string) error {
	if target == "" {
		return errors.Wrap(ErrInvalidArgument, "empty target")
	}

	c.mu.Lock()
	if c.state != StateDisconnected && c.state != StateFailed {
		state := c.state
		c.mu.Unlock()
		return errors.Wrapf(ErrInvalidState, "connect while %s", state)
	}
	c.policy.Reset()
	c.intentional = false
	c.target = target
	c.credential = credential
	c.state = StateConnecting
	c.epoch++
	epoch := c.epoch
	c.mu.Unlock()

	logger.WithField("target", target).Debug("connecting")
	go c.dial(epoch)
	return nil
}

// Send queues one message for delivery and returns its envelope id.
// The envelope is enqueued whatever the connection is doing, so a send
// while offline is never silently lost; transmission happens now if
// Connected, otherwise on the flush after the next reconnect. Send
// never blocks on network I/O.
func (c *Client) Send(eventType string, payload []byte) (string, error) {
	if eventType == "" {
		return "", errors.Wrap(ErrInvalidArgument, "empty event type")
	}

	env := c.outbound.Enqueue(eventType, payload)
	if c.journal != nil {
		if err := c.journal.Append(env); err != nil {
			logger.WithError(err).Warn("journal append failed")
		}
	}

	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if connected && conn != nil {
		go c.transmitOne(conn, env.ID)
	}
	return env.ID, nil
}

// Subscribe registers handler for eventType (or dispatch.Wildcard) and
// returns the function that unsubscribes it. Safe in any state.
func (c *Client) Subscribe(eventType string, handler dispatch.Handler) func() {
	return c.dispatcher.Subscribe(eventType, handler)
}

// Disconnect closes the connection on purpose: the pending retry timer
// is cancelled, heartbeats stop, and no reconnect follows. A no-op when
// already Disconnected.
func (c *Client) Disconnect(reason string) {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.intentional = true
	c.epoch++
	c.cancelRetryLocked()
	c.monitor.Stop()
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		conn.Close(transport.CodeNormal, reason)
	}
	logger.WithField("reason", reason).Info("disconnected")
	c.dispatcher.Publish(EventClosed, transport.CloseEvent{
		Code:   transport.CodeNormal,
		Reason: reason,
	})
}

// Close tears the client down: Disconnect plus cancellation of every
// outstanding ledger timer. The client is not usable afterwards.
func (c *Client) Close() {
	c.Disconnect("client closed")
	c.ledger.Close()
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PendingSends reports how many envelopes await acknowledgment.
func (c *Client) PendingSends() int {
	return c.outbound.Len()
}

// Apply records an optimistic mutation: value becomes visible through
// Optimistic immediately and rolls back automatically unless the server
// confirms it within the configured timeout.
func (c *Client) Apply(id string, value any) {
	c.ledger.Apply(id, value)
}

// RollbackMutation discards a pending mutation explicitly.
func (c *Client) RollbackMutation(id string) {
	c.ledger.Rollback(id)
}

// Optimistic returns the current optimistic value: the last confirmed
// base folded with all unconfirmed mutations in apply order.
func (c *Client) Optimistic() any {
	return c.ledger.Current()
}

// ---------------------------------------------------------------
// internal machinery
// ---------------------------------------------------------------

// dial performs one transport-open attempt for the given epoch.
// Runs on its own goroutine; Connect and the retry timer both land here.
func (c *Client) dial(epoch uint64) {
	c.mu.Lock()
	if c.epoch != epoch || c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	target, credential := c.target, c.credential
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.DialTimeout)
	conn, err := c.dialer.Dial(ctx, target, credential)
	cancel()

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		// a Disconnect (or new Connect) superseded this attempt
		if err == nil {
			conn.Close(transport.CodeNormal, "superseded")
		}
		return
	}

	if err != nil {
		logger.WithFields(logrus.Fields{
			"target":  target,
			"attempt": c.policy.Attempt() + 1,
		}).WithError(err).Warn("transport open failed")
		emits := c.scheduleRetryLocked(epoch, err)
		c.mu.Unlock()
		c.publish(emits)
		return
	}

	c.conn = conn
	c.state = StateConnected
	c.policy.Reset()
	c.monitor.Start(c.pingFunc(conn))
	go c.readLoop(conn)
	go c.watchClose(epoch, conn)
	c.mu.Unlock()

	logger.WithField("target", target).Info("connected")
	c.dispatcher.Publish(EventOpen, target)
	c.flush(conn)
}

// retry fires from the backoff timer: back to Connecting, dial again.
func (c *Client) retry(epoch uint64) {
	c.mu.Lock()
	if c.epoch != epoch || c.state != StateReconnecting || c.intentional {
		c.mu.Unlock()
		return
	}
	c.retryTimer = nil
	c.state = StateConnecting
	c.mu.Unlock()

	c.dial(epoch)
}

// scheduleRetryLocked decides between another attempt and giving up.
// Caller holds mu. Returned emissions must be published after unlock.
func (c *Client) scheduleRetryLocked(epoch uint64, cause error) []emission {
	if c.intentional {
		c.state = StateDisconnected
		return nil
	}

	delay, ok := c.policy.NextDelay()
	if !ok || c.policy.Exhausted() {
		// budget spent: this failure is terminal for the connection
		// instance. Surfaced exactly once; only a fresh Connect, which
		// resets the policy, can leave StateFailed.
		c.state = StateFailed
		attempts := c.policy.Attempt()
		logger.WithFields(logrus.Fields{
			"target":   c.target,
			"attempts": attempts,
		}).Error("connection attempts exhausted")
		return []emission{{EventFailed, Failure{
			Target:   c.target,
			Attempts: attempts,
			Cause:    cause,
		}}}
	}

	c.state = StateReconnecting
	logger.WithFields(logrus.Fields{
		"target": c.target,
		"delay":  delay,
	}).Debug("retry scheduled")
	c.retryTimer = time.AfterFunc(delay, func() { c.retry(epoch) })
	return nil
}

// cancelRetryLocked disarms the backoff timer. Caller holds mu.
func (c *Client) cancelRetryLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

// watchClose waits for the connection's single close event and drives
// the resulting transition. Stale events (the conn was already replaced
// or intentionally dropped) are ignored.
func (c *Client) watchClose(epoch uint64, conn transport.Conn) {
	event := <-conn.Closed()

	c.mu.Lock()
	if c.epoch != epoch || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.monitor.Stop()

	var emits []emission
	if event.Normal() {
		c.state = StateDisconnected
		emits = []emission{{EventClosed, event}}
		logger.WithField("reason", event.Reason).Info("connection closed")
	} else {
		logger.WithFields(logrus.Fields{
			"code": int(event.Code),
		}).WithError(event.Err).Warn("connection lost")
		emits = c.scheduleRetryLocked(epoch, event.Err)
	}
	c.mu.Unlock()

	c.publish(emits)
}

// onHeartbeatDead fires when a ping went unanswered. The transport may
// still look open, so close it ourselves and go through the reconnect
// path. The monitor already stopped itself.
func (c *Client) onHeartbeatDead() {
	c.mu.Lock()
	if c.state != StateConnected || c.conn == nil {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	emits := c.scheduleRetryLocked(c.epoch, errors.New("heartbeat timeout"))
	c.mu.Unlock()

	logger.Warn("heartbeat timeout, reconnecting")
	// c.conn is already nil, so the close event this triggers is stale
	conn.Close(transport.CodeAbnormal, "heartbeat timeout")
	c.publish(emits)
}

// readLoop decodes inbound frames and routes them. Exits when the
// transport closes its receive channel.
func (c *Client) readLoop(conn transport.Conn) {
	for payload := range conn.Receive() {
		frame, err := wire.Decode(payload)
		if err != nil {
			logger.WithError(err).Warn("dropping undecodable frame")
			continue
		}
		c.handleFrame(conn, frame)
	}
}

// handleFrame routes one inbound frame to the component that owns it.
func (c *Client) handleFrame(conn transport.Conn, f wire.Frame) {
	switch f.Kind {
	case wire.KindAck:
		if c.outbound.Acknowledge(f.ID) {
			if c.journal != nil {
				if err := c.journal.Ack(f.ID); err != nil {
					logger.WithError(err).Warn("journal ack failed")
				}
			}
			logger.WithField("id", f.ID).Trace("delivery acknowledged")
		}
	case wire.KindPong:
		c.monitor.OnPong()
	case wire.KindPing:
		// server-initiated probe, answer on the shared transmit path
		c.transmitFrame(conn, wire.Frame{Kind: wire.KindPong})
	case wire.KindConfirm:
		c.ledger.Confirm(f.ID, f.Payload)
	case wire.KindReject:
		c.ledger.Rollback(f.ID)
	case wire.KindEvent:
		c.dispatcher.Publish(f.Type, f.Payload)
	}
}

// pingFunc builds the heartbeat send callback bound to one connection.
func (c *Client) pingFunc(conn transport.Conn) func() {
	return func() {
		c.transmitFrame(conn, wire.Frame{Kind: wire.KindPing})
	}
}

// flush retransmits every queued envelope in FIFO order. Runs on the
// (re)connect path only; a Send on a live connection goes through
// transmitOne instead. Serialized on flushMu so the two cannot
// interleave. Evicted envelopes are tombstoned and reported as failed
// deliveries.
func (c *Client) flush(conn transport.Conn) {
	c.flushMu.Lock()
	sent, evicted, err := c.outbound.Flush(func(env queue.Envelope) error {
		return c.transmitFrame(conn, wire.Frame{
			Kind:    wire.KindEvent,
			ID:      env.ID,
			Type:    env.Type,
			Payload: env.Payload,
		})
	})
	c.flushMu.Unlock()

	for _, env := range evicted {
		c.reportEvicted(env)
	}

	if err != nil {
		// transport died mid-flush; the close watcher owns recovery and
		// the unsent envelopes stay queued for the next flush
		logger.WithError(err).WithField("sent", sent).Debug("flush interrupted")
	}
}

// transmitOne sends a single just-enqueued envelope. Serialized with
// flush on flushMu so it cannot interleave with a reconnect flush.
// Only this envelope's attempt count moves; the backlog keeps its
// budget for real retransmissions.
func (c *Client) transmitOne(conn transport.Conn, id string) {
	c.flushMu.Lock()
	evicted, err := c.outbound.TransmitOne(id, func(env queue.Envelope) error {
		return c.transmitFrame(conn, wire.Frame{
			Kind:    wire.KindEvent,
			ID:      env.ID,
			Type:    env.Type,
			Payload: env.Payload,
		})
	})
	c.flushMu.Unlock()

	if evicted != nil {
		c.reportEvicted(*evicted)
	}
	if err != nil {
		// transport died under the send; the envelope stays queued and
		// the close watcher owns recovery
		logger.WithError(err).WithField("id", id).Debug("send interrupted")
	}
}

// reportEvicted tombstones an envelope that spent its delivery budget
// and surfaces the failure to subscribers.
func (c *Client) reportEvicted(env queue.Envelope) {
	if c.journal != nil {
		if err := c.journal.Ack(env.ID); err != nil {
			logger.WithError(err).Warn("journal ack failed")
		}
	}
	logger.WithFields(logrus.Fields{
		"id":       env.ID,
		"type":     env.Type,
		"attempts": env.Attempts,
	}).Warn("delivery failed, envelope evicted")
	c.dispatcher.Publish(EventDeliveryFailed, env)
}

// transmitFrame encodes and sends one frame on the given connection.
func (c *Client) transmitFrame(conn transport.Conn, f wire.Frame) error {
	b, err := wire.Encode(f)
	if err != nil {
		return err
	}
	return conn.Send(b)
}

// publish delivers emissions collected while the lock was held.
func (c *Client) publish(emits []emission) {
	for _, e := range emits {
		c.dispatcher.Publish(e.event, e.data)
	}
}
