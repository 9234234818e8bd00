package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// pinned pins the jitter rng to a constant so delays are deterministic.
// 0.5 makes the jitter factor exactly 1.0, i.e. no jitter.
func pinned(p *Policy, v float64) *Policy {
	p.rng = func() float64 { return v }
	return p
}

func TestNextDelayDoublesUntilCap(t *testing.T) {
	p := pinned(New(1*time.Second, 30*time.Second, 10, 0.25), 0.5)

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // capped, 32s would exceed
		30 * time.Second,
	}
	for i, w := range want {
		d, ok := p.NextDelay()
		require.True(t, ok, "attempt %d should be allowed", i)
		require.Equal(t, w, d, "attempt %d", i)
	}
}

func TestNextDelayStopsAtMaxAttempts(t *testing.T) {
	p := pinned(New(time.Millisecond, time.Second, 3, 0), 0.5)

	for i := 0; i < 3; i++ {
		_, ok := p.NextDelay()
		require.True(t, ok)
	}

	// fourth call and every call after it must refuse
	_, ok := p.NextDelay()
	require.False(t, ok)
	_, ok = p.NextDelay()
	require.False(t, ok)
	require.True(t, p.Exhausted())
}

func TestJitterStaysWithinBounds(t *testing.T) {
	// rng at the extremes produces the widest possible spread
	low := pinned(New(4*time.Second, time.Minute, 10, 0.25), 0)
	high := pinned(New(4*time.Second, time.Minute, 10, 0.25), 1)

	dLow, _ := low.NextDelay()
	dHigh, _ := high.NextDelay()

	require.Equal(t, 3*time.Second, dLow)  // 4s * 0.75
	require.Equal(t, 5*time.Second, dHigh) // 4s * 1.25
}

func TestDelaysAreMonotonicInExpectation(t *testing.T) {
	// with jitter pinned to the midpoint, each delay must be >= the last
	p := pinned(New(100*time.Millisecond, 10*time.Second, 8, 0.25), 0.5)

	var prev time.Duration
	for {
		d, ok := p.NextDelay()
		if !ok {
			break
		}
		require.GreaterOrEqual(t, d, prev)
		prev = d
	}
	require.Equal(t, 8, p.Attempt())
}

func TestResetRestartsTheSchedule(t *testing.T) {
	p := pinned(New(1*time.Second, 30*time.Second, 5, 0), 0.5)

	p.NextDelay()
	p.NextDelay()
	p.NextDelay()
	require.Equal(t, 3, p.Attempt())

	p.Reset()
	require.Equal(t, 0, p.Attempt())

	d, ok := p.NextDelay()
	require.True(t, ok)
	require.Equal(t, 1*time.Second, d)
}

func TestDefaultsAreClamped(t *testing.T) {
	p := New(time.Second, time.Minute, 0, 2.5)
	require.Equal(t, 1, p.max)
	require.Equal(t, 1.0, p.jitter)

	p = New(time.Second, time.Minute, 5, -1)
	require.Equal(t, 0.0, p.jitter)
}
