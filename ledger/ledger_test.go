package ledger

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestApplyIsVisibleImmediately(t *testing.T) {
	l := New(10, time.Minute)
	defer l.Close()

	require.Equal(t, 10, l.Current())
	l.Apply("m1", 15)
	require.Equal(t, 15, l.Current())
	require.Equal(t, 1, l.PendingCount())
}

func TestConfirmPromotesAuthoritativeValue(t *testing.T) {
	l := New(10, time.Minute)
	defer l.Close()

	l.Apply("m1", 15)
	l.Confirm("m1", 14) // server settled on a slightly different value

	require.Equal(t, 14, l.Current())
	require.Equal(t, 0, l.PendingCount())
}

func TestRollbackRevertsToBase(t *testing.T) {
	l := New(10, time.Minute)
	defer l.Close()

	l.Apply("m1", 99)
	l.Rollback("m1")

	require.Equal(t, 10, l.Current())

	// rolling back again is a no-op
	l.Rollback("m1")
	require.Equal(t, 10, l.Current())
}

func TestPendingMutationsFoldInApplyOrder(t *testing.T) {
	// a counter-style fold, increments layered on the base
	l := New(100, time.Minute, WithFold(func(acc, m any) any {
		return acc.(int) + m.(int)
	}))
	defer l.Close()

	l.Apply("m1", 5)
	l.Apply("m2", 3)
	require.Equal(t, 108, l.Current())

	// confirming m1 bakes the server's result into the base,
	// m2 still rides on top
	l.Confirm("m1", 105)
	require.Equal(t, 108, l.Current())

	l.Rollback("m2")
	require.Equal(t, 105, l.Current())
}

func TestFoldOrderIsDeterministicForSameInstantApplies(t *testing.T) {
	// string concatenation makes fold order observable; applies landing
	// within the same clock tick must still fold in apply order on
	// every call
	l := New("", time.Minute, WithFold(func(acc, m any) any {
		return acc.(string) + m.(string)
	}))
	defer l.Close()

	l.Apply("m1", "a")
	l.Apply("m2", "b")
	l.Apply("m3", "c")

	for i := 0; i < 50; i++ {
		require.Equal(t, "abc", l.Current())
	}
}

func TestReapplyMovesToEndOfFoldOrder(t *testing.T) {
	l := New("", time.Minute, WithFold(func(acc, m any) any {
		return acc.(string) + m.(string)
	}))
	defer l.Close()

	l.Apply("m1", "a")
	l.Apply("m2", "b")
	l.Apply("m1", "c") // re-applied, now the newest mutation

	require.Equal(t, "bc", l.Current())
	require.Equal(t, 2, l.PendingCount())
}

func TestUnconfirmedMutationRollsBackOnTimeout(t *testing.T) {
	var rolled atomic.Int32
	l := New("base", 30*time.Millisecond, WithRollbackHook(func(m Mutation) {
		rolled.Add(1)
	}))
	defer l.Close()

	l.Apply("m1", "speculative")
	require.Equal(t, "speculative", l.Current())

	require.Eventually(t, func() bool {
		return rolled.Load() == 1
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, "base", l.Current())
	require.Equal(t, 0, l.PendingCount())
}

func TestConfirmBeforeTimeoutCancelsRollback(t *testing.T) {
	var rolled atomic.Int32
	l := New("base", 30*time.Millisecond, WithRollbackHook(func(Mutation) {
		rolled.Add(1)
	}))
	defer l.Close()

	l.Apply("m1", "speculative")
	l.Confirm("m1", "confirmed")

	time.Sleep(80 * time.Millisecond)
	require.Equal(t, int32(0), rolled.Load(), "confirmed mutation must not roll back")
	require.Equal(t, "confirmed", l.Current())
}

func TestReapplyRestartsDeadline(t *testing.T) {
	l := New(0, 60*time.Millisecond)
	defer l.Close()

	l.Apply("m1", 1)
	time.Sleep(40 * time.Millisecond)
	l.Apply("m1", 2) // same id, deadline restarts

	time.Sleep(40 * time.Millisecond)
	// 80ms after the first apply but only 40ms after the second,
	// the mutation must still be pending
	require.Equal(t, 2, l.Current())
	require.Equal(t, 1, l.PendingCount())
}

func TestConfirmUnknownIdStillUpdatesBase(t *testing.T) {
	l := New(1, time.Minute)
	defer l.Close()

	// server pushed an authoritative value we never speculated about
	l.Confirm("server-initiated", 42)
	require.Equal(t, 42, l.Current())
}
