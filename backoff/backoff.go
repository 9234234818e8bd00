package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Defaults used by NewPolicy. Tuned for an interactive client: the first
// retry comes quickly, later ones spread out, and a badly broken network
// gives up after ten attempts instead of hammering the server forever.
const (
	DefaultBaseDelay      = 1 * time.Second
	DefaultMaxDelay       = 30 * time.Second
	DefaultMaxAttempts    = 10
	DefaultJitterFraction = 0.25
)

// Policy computes how long to wait before the next reconnect attempt.
// It is pure computation plus one counter, no timers and no I/O,
// which is what makes it trivially testable.
//
// The schedule is capped exponential growth with symmetric jitter:
//
//	delay = min(base * 2^attempt, cap) * (1 ± jitter)
//
// Jitter matters in the field: when a server restarts, every client
// loses its connection at the same instant. Without jitter they all
// retry at the same instant too, and the reconnect stampede knocks the
// server over again.
type Policy struct {
	base    time.Duration
	cap     time.Duration
	max     int
	jitter  float64
	attempt int

	// rng is swappable so tests can pin the jitter.
	rng func() float64
}

// NewPolicy creates a policy with the default schedule.
func NewPolicy() *Policy {
	return New(DefaultBaseDelay, DefaultMaxDelay, DefaultMaxAttempts, DefaultJitterFraction)
}

// New creates a policy with an explicit schedule.
// jitterFraction is clamped to [0, 1]; maxAttempts <= 0 means one attempt.
func New(base, cap time.Duration, maxAttempts int, jitterFraction float64) *Policy {
	if jitterFraction < 0 {
		jitterFraction = 0
	}
	if jitterFraction > 1 {
		jitterFraction = 1
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Policy{
		base:   base,
		cap:    cap,
		max:    maxAttempts,
		jitter: jitterFraction,
		rng:    rand.Float64,
	}
}

// NextDelay returns the delay before the next attempt and advances the
// attempt counter. The second return value is false once the attempt
// budget is exhausted, which tells the caller to stop retrying and
// surface a terminal failure instead.
func (p *Policy) NextDelay() (time.Duration, bool) {
	if p.attempt >= p.max {
		return 0, false
	}

	// capped exponential growth, computed in float64 to avoid
	// overflowing time.Duration at high attempt counts
	d := float64(p.base) * math.Pow(2, float64(p.attempt))
	if d > float64(p.cap) {
		d = float64(p.cap)
	}

	// symmetric jitter: scale by a random factor in [1-jitter, 1+jitter]
	factor := 1 + p.jitter*(2*p.rng()-1)
	d *= factor

	p.attempt++
	return time.Duration(d), true
}

// Reset zeroes the attempt counter. Call it exactly once per successful
// connection so the next outage starts from the short delays again.
func (p *Policy) Reset() {
	p.attempt = 0
}

// Attempt returns how many delays have been handed out since the last
// Reset. Used for logging and for deciding when a connection is Failed.
func (p *Policy) Attempt() int {
	return p.attempt
}

// Exhausted reports whether the next NextDelay call would return false.
func (p *Policy) Exhausted() bool {
	return p.attempt >= p.max
}
