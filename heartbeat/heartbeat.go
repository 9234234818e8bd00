// Package heartbeat detects silently-dead connections.
//
// TCP (and anything layered on it) will happily keep a connection object
// alive long after the network path underneath it is gone. The only way
// to know the other side is still there is to ask: send a ping, demand a
// pong within a deadline. This package owns that probe cycle.
package heartbeat

import (
	"sync"
	"time"
)

// Defaults used by NewMonitor.
const (
	DefaultPingInterval = 25 * time.Second
	DefaultPongTimeout  = 5 * time.Second
)

// State is a snapshot of the probe cycle, exposed for observability.
type State struct {
	LastPingSentAt     time.Time
	LastPongReceivedAt time.Time
	OutstandingPing    bool
}

// Monitor runs the ping/pong probe cycle for one connection.
//
// Lifecycle: Start begins pinging, OnPong feeds responses back in, Stop
// cancels everything. If a pong deadline is missed, the onDead callback
// fires exactly once and the monitor stops itself; the owner must call
// Start again after the connection is re-established.
//
// Both timers are retained as handles so Stop can cancel them. A timer
// left running against a torn-down connection is the classic leak here.
type Monitor struct {
	pingInterval time.Duration
	pongTimeout  time.Duration
	onDead       func()

	mu       sync.Mutex
	running  bool
	sendPing func()
	state    State

	pingTimer *time.Timer
	pongTimer *time.Timer
}

// NewMonitor creates a stopped monitor. onDead is invoked (without the
// internal lock held) when a ping goes unanswered past pongTimeout.
func NewMonitor(pingInterval, pongTimeout time.Duration, onDead func()) *Monitor {
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	if pongTimeout <= 0 {
		pongTimeout = DefaultPongTimeout
	}
	return &Monitor{
		pingInterval: pingInterval,
		pongTimeout:  pongTimeout,
		onDead:       onDead,
	}
}

// Start begins the probe cycle. sendPing is invoked on every tick and
// must not block; it shares the transmit path with application messages.
// Calling Start on a running monitor restarts the cycle from scratch.
func (m *Monitor) Start(sendPing func()) {
	m.mu.Lock()
	m.stopLocked()
	m.running = true
	m.sendPing = sendPing
	m.state = State{}
	m.pingTimer = time.AfterFunc(m.pingInterval, m.tick)
	m.mu.Unlock()
}

// OnPong records a pong and disarms the pending deadline.
// A pong with no outstanding ping is ignored; transports may emit
// unsolicited pongs and they are not evidence of anything.
func (m *Monitor) OnPong() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.OutstandingPing {
		return
	}
	m.state.OutstandingPing = false
	m.state.LastPongReceivedAt = time.Now()
	if m.pongTimer != nil {
		m.pongTimer.Stop()
		m.pongTimer = nil
	}
}

// Stop cancels both timers. Idempotent, safe to call on a monitor that
// never started or already declared the connection dead.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.stopLocked()
	m.mu.Unlock()
}

// Snapshot returns the current probe state.
func (m *Monitor) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// tick fires on each ping interval: send the probe, arm the deadline,
// schedule the next tick.
func (m *Monitor) tick() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	send := m.sendPing
	m.state.LastPingSentAt = time.Now()
	m.state.OutstandingPing = true
	// with pingInterval < pongTimeout the previous deadline can still be
	// armed; disarm it so it cannot fire against this fresh probe
	if m.pongTimer != nil {
		m.pongTimer.Stop()
	}
	m.pongTimer = time.AfterFunc(m.pongTimeout, m.deadline)
	m.pingTimer = time.AfterFunc(m.pingInterval, m.tick)
	m.mu.Unlock()

	// invoked outside the lock so a sendPing that calls back into the
	// monitor (or blocks briefly) cannot deadlock the probe cycle
	if send != nil {
		send()
	}
}

// deadline fires when a pong did not arrive in time.
// The running check makes the dead signal exactly-once per dead period:
// stopLocked flips running before onDead runs, so a second deadline
// (there cannot be one, but timers and Stop race) is a no-op.
func (m *Monitor) deadline() {
	m.mu.Lock()
	if !m.running || !m.state.OutstandingPing {
		m.mu.Unlock()
		return
	}
	m.stopLocked()
	dead := m.onDead
	m.mu.Unlock()

	if dead != nil {
		dead()
	}
}

// stopLocked cancels timers and marks the monitor stopped.
// Caller must hold mu.
func (m *Monitor) stopLocked() {
	m.running = false
	if m.pingTimer != nil {
		m.pingTimer.Stop()
		m.pingTimer = nil
	}
	if m.pongTimer != nil {
		m.pongTimer.Stop()
		m.pongTimer = nil
	}
	m.state.OutstandingPing = false
}
