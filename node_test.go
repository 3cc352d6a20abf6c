package cafeds

import (
	"fmt"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// TestMain leak-checks every goroutine this package's tests spawn, since
// Node.Run starts several long-lived loops per node; a test that forgets
// to call Stop (or a code path that fails to exit one of those loops on
// stop) shows up here instead of silently leaking across the suite.
func TestMain(m *testing.M) {
	os.Exit(goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	))
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

// testConfig shrinks every timing constant so convergence (discovery,
// heartbeat, election) happens in milliseconds instead of seconds, and
// assigns a private port range so concurrent package test runs never
// collide with a real cafeds instance or each other.
func testConfig(base int) Config {
	return Config{
		DiscoveryPort:         base,
		NodeUDPBase:           base + 1,
		DiscoveryInterval:     50 * time.Millisecond,
		HeartbeatInterval:     50 * time.Millisecond,
		LeaderTimeout:         300 * time.Millisecond,
		ElectionAnswerTimeout: 150 * time.Millisecond,
		CoordinatorTimeout:    300 * time.Millisecond,
		PeerExpiry:            2 * time.Second,
		HeartbeatRedundancy:   2,
		SinglePC:              true,
		WALEnabled:            false,
	}
}

func startNode(t *testing.T, cfg Config, id int, role Role, tcpPort int) *Node {
	t.Helper()
	n, err := New(cfg, id, role, tcpPort)
	require.NoError(t, err)
	n.log = NewNullLogger()
	n.peers.log = n.log
	require.NoError(t, n.Run())
	t.Cleanup(n.Stop)
	return n
}

func textPayload(s string) map[string]interface{} {
	return map[string]interface{}{"text": s}
}

// TestThreeNodeOrderFlow exercises spec.md §8 scenario 1: a follower
// submits an order; leader and both followers converge on the same
// delivered payload at the same sequence number.
func TestThreeNodeOrderFlow(t *testing.T) {
	base := 41000
	cfg := testConfig(base)

	leader := startNode(t, cfg, 10, RoleLeader, freePort(t))
	f2 := startNode(t, cfg, 2, RoleFollower, freePort(t))
	f3 := startNode(t, cfg, 3, RoleFollower, freePort(t))

	require.Eventually(t, func() bool {
		_, ok2 := f2.currentLeader()
		_, ok3 := f3.currentLeader()
		return ok2 && ok3
	}, 5*time.Second, 20*time.Millisecond, "followers should discover the leader")

	require.Eventually(t, func() bool {
		f2.tcpMu.Lock()
		c2 := f2.tcpConnected
		f2.tcpMu.Unlock()
		f3.tcpMu.Lock()
		c3 := f3.tcpConnected
		f3.tcpMu.Unlock()
		return c2 && c3
	}, 5*time.Second, 20*time.Millisecond, "followers should connect their TCP clients")

	require.NoError(t, f2.SubmitOrder(textPayload("Espresso")))

	for _, n := range []*Node{leader, f2, f3} {
		require.Eventually(t, func() bool {
			n.historyMu.Lock()
			order, ok := n.history[1]
			n.historyMu.Unlock()
			return ok && order.Payload["text"] == "Espresso"
		}, 5*time.Second, 20*time.Millisecond, "node %d should deliver seq 1", n.nodeID)
	}
}

// TestIdempotentClientRetry exercises spec.md §8's idempotent-retry
// property: the same order_uuid submitted twice must allocate only one
// sequence number.
func TestIdempotentClientRetry(t *testing.T) {
	base := 41100
	cfg := testConfig(base)
	leader := startNode(t, cfg, 20, RoleLeader, freePort(t))

	const uuid = "fixed-retry-uuid"
	require.True(t, leader.claimOrderUUID(uuid), "first submission claims the uuid")
	order := leader.allocateOrder(leader.nodeID, uuid, textPayload("Latte"))
	leader.processOrder(order)

	// Simulate a client retry: same uuid, would-be second NEW_ORDER. The
	// sequencer (handleNewOrder/SubmitOrder) checks this before ever
	// calling allocateOrder, so a retry never reaches here in practice;
	// the assertion below is exactly that guard.
	require.False(t, leader.claimOrderUUID(uuid), "retried uuid must not be claimable twice")

	leader.historyMu.Lock()
	lastSeq := leader.lastSeq
	leader.historyMu.Unlock()
	require.Equal(t, 1, lastSeq, "a retried order_uuid must not allocate a second sequence number")
}

// TestWALRoundTripAcrossRestart exercises spec.md §8's WAL round-trip
// property: a node restarted with its WAL intact resumes expected_seq
// and history without re-delivering what it already delivered.
func TestWALRoundTripAcrossRestart(t *testing.T) {
	cfg := testConfig(41200)
	cfg.WALEnabled = true
	path := fmt.Sprintf("cafeds_wal_node_%d.jsonl", 30)
	os.Remove(path)
	t.Cleanup(func() { os.Remove(path) })

	n1, err := New(cfg, 30, RoleLeader, freePort(t))
	require.NoError(t, err)
	n1.log = NewNullLogger()

	for i, text := range []string{"a", "b", "c"} {
		order := n1.allocateOrder(30, fmt.Sprintf("uuid-%d", i), textPayload(text))
		n1.processOrder(order)
	}
	require.Len(t, n1.deliveredSeqs, 3)
	n1.Stop() // release its UDP sockets before n2 rebinds the same node id

	n2, err := New(cfg, 30, RoleLeader, freePort(t))
	require.NoError(t, err)
	n2.log = NewNullLogger()
	t.Cleanup(n2.Stop)

	require.Equal(t, 3, n2.lastSeq)
	require.Equal(t, 4, n2.expectedSeq)
	require.Len(t, n2.history, 3)
	require.True(t, n2.deliveredSeqs[1] && n2.deliveredSeqs[2] && n2.deliveredSeqs[3])

	// A re-broadcast of an already-delivered seq must not re-emit a
	// delivery notification.
	before := len(n2.deliveries)
	n2.processOrder(n2.history[3])
	require.Equal(t, before, len(n2.deliveries), "re-processing a delivered seq must be a no-op")
}
