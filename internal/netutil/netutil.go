// Package netutil provides best-effort local-interface address discovery
// and the LAN broadcast-target heuristics the UDP bus uses to reach peers
// whose address isn't known yet.
package netutil

import (
	"net"
	"strings"
)

// PrimaryIP returns the address of the interface the kernel would use for
// outbound traffic, found the same way the reference implementation does:
// opening a UDP "connection" (which never sends a packet) to a well-known
// external address and reading back the socket's local address. Falls
// back to loopback when no route exists (offline hosts, sandboxes).
func PrimaryIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()

	host, _, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil || host == "" || strings.HasPrefix(host, "127.") {
		return "127.0.0.1"
	}
	return host
}

// LocalIPForPeer returns the local interface address that would be used to
// reach peerIP specifically — useful on multi-NIC hosts where the address
// a leader should advertise to a given asker isn't always PrimaryIP().
func LocalIPForPeer(peerIP string) string {
	conn, err := net.Dial("udp", net.JoinHostPort(peerIP, "9"))
	if err != nil {
		return PrimaryIP()
	}
	defer conn.Close()

	host, _, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil || host == "" {
		return PrimaryIP()
	}
	return host
}

// GuessDirectedBroadcast applies a simple /24 heuristic to ip, good enough
// for the home/campus LANs this system targets. Non-IPv4 or loopback
// addresses fall back to the global broadcast address.
func GuessDirectedBroadcast(ip string) string {
	parts := strings.Split(ip, ".")
	if len(parts) == 4 && !strings.HasPrefix(ip, "127.") {
		return strings.Join(parts[:3], ".") + ".255"
	}
	return "255.255.255.255"
}

// DiscoveryTargets returns the de-duplicated set of addresses used to reach
// peers whose IP isn't yet known: loopback (for single-host demos), the
// global broadcast address, and — when a non-loopback route exists — the
// directed /24 broadcast for this host's primary interface.
//
// When singlePC is true (CAFEDS_SINGLE_PC=1|true|yes), loopback is always
// included even if it's already implied; singlePC exists purely to make the
// intent explicit in multi-node-on-one-host test setups.
func DiscoveryTargets(singlePC bool) []string {
	ip := PrimaryIP()
	targets := []string{"127.0.0.1", "255.255.255.255"}
	if !strings.HasPrefix(ip, "127.") {
		targets = append(targets, GuessDirectedBroadcast(ip))
	}
	_ = singlePC // loopback is unconditionally present; flag kept for call-site clarity

	seen := make(map[string]bool, len(targets))
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
