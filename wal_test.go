package cafeds

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func freshWAL(t *testing.T, nodeID int) *wal {
	t.Helper()
	w := newWAL(nodeID, true)
	t.Cleanup(func() { os.Remove(w.path) })
	os.Remove(w.path)
	return w
}

func TestWALAppendAndRecoverRoundTrip(t *testing.T) {
	w := freshWAL(t, 101)

	for seq := 1; seq <= 3; seq++ {
		order := Order{LeaderID: 10, Epoch: 1, Seq: seq, OrderUUID: "uuid-" + string(rune('a'+seq)), Payload: map[string]interface{}{"n": seq}}
		require.NoError(t, w.append(order))
	}

	state, err := w.recover()
	require.NoError(t, err)
	require.Equal(t, 3, state.LastSeq)
	require.Equal(t, 4, state.ExpectedSeq)
	require.Len(t, state.History, 3)
	require.True(t, state.DeliveredSeqs[1])
	require.True(t, state.DeliveredSeqs[2])
	require.True(t, state.DeliveredSeqs[3])
	require.False(t, state.DeliveredSeqs[4])
}

func TestWALRecoverMissingFileIsEmptyState(t *testing.T) {
	w := freshWAL(t, 102)

	state, err := w.recover()
	require.NoError(t, err)
	require.Equal(t, 0, state.LastSeq)
	require.Equal(t, 1, state.ExpectedSeq)
	require.Empty(t, state.History)
}

func TestWALDisabledIsNoop(t *testing.T) {
	w := newWAL(103, false)
	defer os.Remove(w.path)

	require.NoError(t, w.append(Order{Seq: 1}))
	_, err := os.Stat(w.path)
	require.True(t, os.IsNotExist(err))
}

func TestWALSkipsMalformedLines(t *testing.T) {
	w := freshWAL(t, 104)

	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, w.append(Order{LeaderID: 1, Epoch: 1, Seq: 1, OrderUUID: "u1"}))

	state, err := w.recover()
	require.NoError(t, err)
	require.Equal(t, 1, state.LastSeq)
}
