package cafeds

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIsBetterLeaderHigherEpochWins(t *testing.T) {
	require.True(t, isBetterLeader(2, 1, false, 0, 1, 99, false, 100))
	require.False(t, isBetterLeader(1, 99, false, 100, 2, 1, false, 0))
}

func TestIsBetterLeaderSameEpochHigherIDWins(t *testing.T) {
	require.True(t, isBetterLeader(5, 10, false, 0, 5, 3, false, 999))
	require.False(t, isBetterLeader(5, 3, false, 999, 5, 10, false, 0))
}

func TestIsBetterLeaderLoopbackTieBreak(t *testing.T) {
	// Same epoch, same id: a non-loopback-advertised leader beats a
	// loopback one.
	require.True(t, isBetterLeader(5, 10, false, 0, 5, 10, true, 0))
	require.False(t, isBetterLeader(5, 10, true, 0, 5, 10, false, 0))
}

func TestIsBetterLeaderLastSeqTieBreak(t *testing.T) {
	require.True(t, isBetterLeader(5, 10, false, 50, 5, 10, false, 10))
	require.False(t, isBetterLeader(5, 10, false, 10, 5, 10, false, 50))
	require.False(t, isBetterLeader(5, 10, false, 10, 5, 10, false, 10))
}

func TestLatchClearArmWaitRead(t *testing.T) {
	l := newLatch()

	_, ok := l.wait(20 * time.Millisecond)
	require.False(t, ok, "an unset latch should time out")

	l.set("hello")
	payload, ok := l.wait(time.Second)
	require.True(t, ok)
	require.Equal(t, "hello", payload)

	// A set after the first payload was read is held as pending; clear
	// discards it and re-arms for a fresh wait.
	l.set("world")
	l.clear()
	_, ok = l.wait(20 * time.Millisecond)
	require.False(t, ok, "clear must discard a stale pending payload")

	l.set("again")
	payload, ok = l.wait(time.Second)
	require.True(t, ok)
	require.Equal(t, "again", payload)
}

func TestSafeStartElectionSuppressesWithinCooldown(t *testing.T) {
	cfg := testConfig(41300)
	n, err := New(cfg, 40, RoleFollower, freePort(t))
	require.NoError(t, err)
	n.log = NewNullLogger()
	defer n.udpNode.Close()

	n.election.mu.Lock()
	n.election.lastDone = time.Now()
	n.election.mu.Unlock()

	// No higher peers known and an election was "just" run: the cooldown
	// must suppress a fresh run entirely, so epoch stays put.
	before := n.Epoch()
	n.safeStartElection()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, before, n.Epoch())
}
