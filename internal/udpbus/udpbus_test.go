package udpbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSendRecvRoundTrip(t *testing.T) {
	a, err := Bind(0)
	require.NoError(t, err)
	defer a.Close()

	b, err := Bind(0)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Send([]byte("hello"), "127.0.0.1", b.Port()))

	dgram, timedOut, err := b.Recv()
	require.NoError(t, err)
	require.False(t, timedOut)
	require.Equal(t, "hello", string(dgram.Data))
}

func TestRecvTimesOutOnIdleSocket(t *testing.T) {
	s, err := Bind(0)
	require.NoError(t, err)
	defer s.Close()

	_, timedOut, err := s.Recv()
	require.NoError(t, err)
	require.True(t, timedOut)
}

func TestBindSamePortTwiceFails(t *testing.T) {
	first, err := Bind(0)
	require.NoError(t, err)
	defer first.Close()

	_, err = Bind(first.Port())
	require.Error(t, err)
}
