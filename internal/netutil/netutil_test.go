package netutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGuessDirectedBroadcast(t *testing.T) {
	require.Equal(t, "192.168.1.255", GuessDirectedBroadcast("192.168.1.42"))
	require.Equal(t, "255.255.255.255", GuessDirectedBroadcast("127.0.0.1"))
	require.Equal(t, "255.255.255.255", GuessDirectedBroadcast("not-an-ip"))
}

func TestDiscoveryTargetsDeduped(t *testing.T) {
	targets := DiscoveryTargets(false)
	require.Contains(t, targets, "127.0.0.1")
	require.Contains(t, targets, "255.255.255.255")

	seen := make(map[string]bool)
	for _, tgt := range targets {
		require.False(t, seen[tgt], "duplicate target %s", tgt)
		seen[tgt] = true
	}
}

func TestPrimaryIPNeverEmpty(t *testing.T) {
	ip := PrimaryIP()
	require.NotEmpty(t, ip)
}
