package memory

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/risa-org/relink/queue"
)

func TestAppendAckPending(t *testing.T) {
	j := New()

	require.NoError(t, j.Append(queue.Envelope{ID: "e1", Type: "op"}))
	require.NoError(t, j.Append(queue.Envelope{ID: "e2", Type: "op"}))
	require.NoError(t, j.Append(queue.Envelope{ID: "e3", Type: "op"}))

	require.NoError(t, j.Ack("e2"))
	require.NoError(t, j.Ack("e2")) // idempotent
	require.NoError(t, j.Ack("nope"))

	pending, err := j.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, "e1", pending[0].ID)
	require.Equal(t, "e3", pending[1].ID)
}

func TestPendingReturnsACopy(t *testing.T) {
	j := New()
	j.Append(queue.Envelope{ID: "e1"})

	p1, _ := j.Pending()
	p1[0].ID = "mutated"

	p2, _ := j.Pending()
	require.Equal(t, "e1", p2[0].ID)
}
