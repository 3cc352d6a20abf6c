package cafeds

import (
	"strings"
	"sync"
	"time"

	"github.com/berkesiranurr/distrubuted-systems-cafe/internal/netutil"
)

// peerRegistry is the in-memory mapping from node id to last-known
// address, populated opportunistically from any inbound message and
// pruned on silence. Grounded on the original's _register_peer /
// _get_peer_ids / _prune_peers and on zeromq-gyre's peer.go
// mutex-guarded-struct idiom (refresh-on-activity, expiry timestamps).
type peerRegistry struct {
	mu    sync.Mutex
	peers map[int]*PeerInfo

	selfID  int
	udpBase int
	peerTTL time.Duration
	log     Logger
}

func newPeerRegistry(selfID, udpBase int, ttl time.Duration, log Logger) *peerRegistry {
	return &peerRegistry{
		peers:   make(map[int]*PeerInfo),
		selfID:  selfID,
		udpBase: udpBase,
		peerTTL: ttl,
		log:     log,
	}
}

// register records or refreshes a peer observed at ip, optionally with a
// known TCP port. Observing our own id from a foreign address is a
// duplicate-id warning, not a registration — but only when the source
// isn't our own primary/loopback address, avoiding false positives when a
// broadcast loops back to its own sender.
func (r *peerRegistry) register(nodeID int, ip string, tcpPort int) {
	if nodeID == r.selfID {
		myIP := netutil.PrimaryIP()
		if ip != myIP && ip != "127.0.0.1" && ip != "0.0.0.0" && myIP != "127.0.0.1" {
			r.log.Warnf("DUPLICATE NODE ID DETECTED! Another node with id=%d is running at %s. "+
				"This will cause cluster instability. Use a unique --id per node.", nodeID, ip)
		}
		return
	}

	udpPort := r.udpBase + nodeID

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.peers[nodeID]; ok {
		existing.IP = ip
		existing.UDPPort = udpPort
		if tcpPort != 0 {
			existing.TCPPort = tcpPort
		}
		existing.LastSeen = time.Now()
		return
	}

	r.peers[nodeID] = &PeerInfo{
		NodeID:   nodeID,
		IP:       ip,
		UDPPort:  udpPort,
		TCPPort:  tcpPort,
		LastSeen: time.Now(),
	}
	r.log.Infof("Peer discovered: id=%d ip=%s udp=%d tcp=%d", nodeID, ip, udpPort, tcpPort)
}

// ids returns the known peer ids, excluding self, in no particular order.
func (r *peerRegistry) ids() []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]int, 0, len(r.peers))
	for id := range r.peers {
		out = append(out, id)
	}
	return out
}

// get returns a copy of the registered info for id, if any.
func (r *peerRegistry) get(id int) (PeerInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[id]
	if !ok {
		return PeerInfo{}, false
	}
	return *p, true
}

// all returns a snapshot of every known peer.
func (r *peerRegistry) all() []PeerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]PeerInfo, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	return out
}

// count returns the number of known peers (for the knownPeers gauge).
func (r *peerRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// prune removes peers unseen for longer than peerTTL.
func (r *peerRegistry) prune() {
	cutoff := time.Now().Add(-r.peerTTL)

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, p := range r.peers {
		if p.LastSeen.Before(cutoff) {
			delete(r.peers, id)
		}
	}
}

// isLoopback reports whether ip looks like a loopback address; used by
// adoptLeader for the better-leader loopback tie-break.
func isLoopback(ip string) bool {
	return strings.HasPrefix(ip, "127.")
}
