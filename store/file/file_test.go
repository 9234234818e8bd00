package file

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/risa-org/relink/queue"
)

func tempJournal(t *testing.T) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "outbound.journal")
	j, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j, path
}

func env(id, payload string) queue.Envelope {
	return queue.Envelope{
		ID:        id,
		Type:      "chat",
		Payload:   []byte(payload),
		CreatedAt: time.Now().Truncate(time.Millisecond),
	}
}

func TestAppendAndPending(t *testing.T) {
	j, _ := tempJournal(t)

	require.NoError(t, j.Append(env("e1", "one")))
	require.NoError(t, j.Append(env("e2", "two")))

	pending, err := j.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, "e1", pending[0].ID)
	require.Equal(t, "e2", pending[1].ID)
}

func TestAckTombstonesEnvelope(t *testing.T) {
	j, _ := tempJournal(t)

	j.Append(env("e1", "one"))
	j.Append(env("e2", "two"))
	require.NoError(t, j.Ack("e1"))

	pending, _ := j.Pending()
	require.Len(t, pending, 1)
	require.Equal(t, "e2", pending[0].ID)

	// acking twice is harmless
	require.NoError(t, j.Ack("e1"))
}

func TestPendingSurvivesReopen(t *testing.T) {
	j, path := tempJournal(t)

	j.Append(env("e1", "one"))
	j.Append(env("e2", "two"))
	j.Append(env("e3", "three"))
	j.Ack("e2")
	require.NoError(t, j.Close())

	// a new process opens the same file
	j2, err := Open(path)
	require.NoError(t, err)
	defer j2.Close()

	pending, err := j2.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, "e1", pending[0].ID)
	require.Equal(t, "e3", pending[1].ID)
	require.Equal(t, []byte("one"), pending[0].Payload)
}

func TestCompactDropsTombstones(t *testing.T) {
	j, path := tempJournal(t)

	for _, id := range []string{"e1", "e2", "e3", "e4"} {
		j.Append(env(id, id))
	}
	j.Ack("e1")
	j.Ack("e3")

	before, err := os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, j.Compact())

	after, err := os.Stat(path)
	require.NoError(t, err)
	require.Less(t, after.Size(), before.Size())

	// still appendable after compact
	require.NoError(t, j.Append(env("e5", "five")))

	pending, _ := j.Pending()
	ids := []string{}
	for _, e := range pending {
		ids = append(ids, e.ID)
	}
	require.Equal(t, []string{"e2", "e4", "e5"}, ids)
}

func TestTornFinalLineIsTolerated(t *testing.T) {
	j, path := tempJournal(t)
	j.Append(env("e1", "one"))
	j.Close()

	// simulate a crash mid-append: garbage half-line at the end
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	require.NoError(t, err)
	f.WriteString(`{"op":"add","id":"e2","ty`)
	f.Close()

	j2, err := Open(path)
	require.NoError(t, err)
	defer j2.Close()

	pending, _ := j2.Pending()
	require.Len(t, pending, 1)
	require.Equal(t, "e1", pending[0].ID)
}

func TestMissingFileIsEmptyJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "never-existed.journal")
	j, err := Open(path)
	require.NoError(t, err)
	defer j.Close()

	pending, err := j.Pending()
	require.NoError(t, err)
	require.Empty(t, pending)
}
