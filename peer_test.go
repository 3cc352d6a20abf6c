package cafeds

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegisterPeerCreatesAndRefreshes(t *testing.T) {
	r := newPeerRegistry(1, 37100, 5*time.Second, NewNullLogger())

	r.register(2, "10.0.0.2", 9102)
	p, ok := r.get(2)
	require.True(t, ok)
	require.Equal(t, "10.0.0.2", p.IP)
	require.Equal(t, 37102, p.UDPPort)
	require.Equal(t, 9102, p.TCPPort)

	r.register(2, "10.0.0.99", 0)
	p, ok = r.get(2)
	require.True(t, ok)
	require.Equal(t, "10.0.0.99", p.IP)
	require.Equal(t, 9102, p.TCPPort, "tcp port is sticky when a later update omits it")
}

func TestRegisterSelfIDDoesNotRegister(t *testing.T) {
	r := newPeerRegistry(1, 37100, 5*time.Second, NewNullLogger())
	r.register(1, "10.0.0.5", 9101)

	_, ok := r.get(1)
	require.False(t, ok)
	require.Empty(t, r.ids())
}

func TestPruneRemovesExpiredPeers(t *testing.T) {
	r := newPeerRegistry(1, 37100, 10*time.Millisecond, NewNullLogger())
	r.register(2, "10.0.0.2", 9102)

	time.Sleep(30 * time.Millisecond)
	r.prune()

	_, ok := r.get(2)
	require.False(t, ok)
}

func TestIDsExcludesSelf(t *testing.T) {
	r := newPeerRegistry(1, 37100, 5*time.Second, NewNullLogger())
	r.register(1, "10.0.0.1", 9101)
	r.register(2, "10.0.0.2", 9102)
	r.register(3, "10.0.0.3", 9103)

	ids := r.ids()
	require.ElementsMatch(t, []int{2, 3}, ids)
}

func TestIsLoopback(t *testing.T) {
	require.True(t, isLoopback("127.0.0.1"))
	require.False(t, isLoopback("10.0.0.5"))
}
