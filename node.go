// Package cafeds implements a small distributed ordered-broadcast service:
// a dynamically discovered cluster of peers elects a single leader via the
// Bully algorithm, the leader assigns a total order to submitted commands
// and disseminates them over TCP, followers detect and repair gaps, and
// every node persists deliveries to a write-ahead log for crash recovery.
package cafeds

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/berkesiranurr/distrubuted-systems-cafe/internal/proto"
	"github.com/berkesiranurr/distrubuted-systems-cafe/internal/tcpwire"
	"github.com/berkesiranurr/distrubuted-systems-cafe/internal/udpbus"
)

// Node is the top-level coordinator: one per process, with a stable
// integer identity chosen by the operator. Every Node contains the same
// components; role is state, not identity. Grounded on
// original_source/cafeds/node.py's Node class and zeromq-gyre/node.go's
// goroutine-per-loop, stopCh-plus-WaitGroup lifecycle idiom.
type Node struct {
	cfg     Config
	nodeID  int
	tcpPort int
	log     Logger
	metrics *Metrics

	udpNodePort int
	udpNode     *udpbus.Socket

	discMu  sync.Mutex
	udpDisc *udpbus.Socket // non-nil only while leader

	roleMu sync.RWMutex
	role   Role
	epoch  int

	leaderMu sync.RWMutex
	leader   *LeaderInfo

	historyMu sync.Mutex
	history   map[int]Order
	lastSeq   int

	tcpServer    *tcpwire.Server
	tcpClient    *tcpwire.Client
	tcpMu        sync.Mutex
	tcpConnected bool

	deliveryMu    sync.Mutex
	expectedSeq   int
	buffer        map[int]Order
	deliveredSeqs map[int]bool
	lastResendTS  time.Time

	uuidsMu        sync.Mutex
	seenOrderUUIDs map[string]bool

	peers *peerRegistry

	election *electionState

	heartbeatOnce sync.Once

	wal *wal

	stopCh chan struct{}
	wg     sync.WaitGroup

	deliveries chan Delivery
}

// New constructs a Node in the given role, bound to its per-node unicast
// UDP port. The bind happens here (not in Run) so a duplicate-local-
// instance error surfaces immediately, matching the reference
// implementation's "port already in use" constructor failure.
func New(cfg Config, nodeID int, role Role, tcpPort int) (*Node, error) {
	udpPort := cfg.NodeUDPBase + nodeID
	sock, err := udpbus.Bind(udpPort)
	if err != nil {
		return nil, fmt.Errorf("cafeds: node %d udp port %d already in use: %w", nodeID, udpPort, err)
	}

	n := &Node{
		cfg:            cfg,
		nodeID:         nodeID,
		tcpPort:        tcpPort,
		log:            NewLogrusLogger(nodeID, string(role), udpPort),
		metrics:        NewMetrics(nodeID),
		udpNodePort:    udpPort,
		udpNode:        sock,
		role:           role,
		epoch:          1,
		history:        make(map[int]Order),
		expectedSeq:    1,
		buffer:         make(map[int]Order),
		deliveredSeqs:  make(map[int]bool),
		seenOrderUUIDs: make(map[string]bool),
		peers:          newPeerRegistry(nodeID, cfg.NodeUDPBase, cfg.PeerExpiry, nil),
		wal:            newWAL(nodeID, cfg.WALEnabled),
		stopCh:         make(chan struct{}),
		deliveries:     make(chan Delivery, 256),
	}
	n.peers.log = n.log
	n.election = newElectionState()
	n.metrics.isLeader.Set(boolToFloat(role == RoleLeader))
	n.metrics.currentEpoch.Set(float64(n.epoch))

	if role == RoleLeader {
		disc, err := udpbus.Bind(cfg.DiscoveryPort)
		if err != nil {
			n.log.Warnf("Failed to bind discovery port: %v", err)
		} else {
			n.udpDisc = disc
		}
	}

	if err := n.recoverFromWAL(); err != nil {
		n.log.Warnf("WAL recovery error: %v", err)
	}

	return n, nil
}

func (n *Node) recoverFromWAL() error {
	state, err := n.wal.recover()
	if err != nil {
		return err
	}

	n.historyMu.Lock()
	n.history = state.History
	n.lastSeq = state.LastSeq
	n.historyMu.Unlock()

	n.deliveryMu.Lock()
	n.expectedSeq = state.ExpectedSeq
	n.deliveredSeqs = state.DeliveredSeqs
	n.deliveryMu.Unlock()

	n.uuidsMu.Lock()
	n.seenOrderUUIDs = state.SeenOrderUUIDs
	n.uuidsMu.Unlock()

	if state.RecoveredCount > 0 {
		n.log.Infof("WAL recovered %d orders, last_seq=%d", state.RecoveredCount, state.LastSeq)
	}
	return nil
}

// Deliveries returns the channel of in-order, WAL-durable deliveries for
// an outer UI to consume. Never closed while the node runs.
func (n *Node) Deliveries() <-chan Delivery {
	return n.deliveries
}

// Metrics exposes the node's private Prometheus registry.
func (n *Node) Metrics() *Metrics {
	return n.metrics
}

// Role returns the node's current role.
func (n *Node) Role() Role {
	n.roleMu.RLock()
	defer n.roleMu.RUnlock()
	return n.role
}

func (n *Node) setRole(r Role) {
	n.roleMu.Lock()
	n.role = r
	n.roleMu.Unlock()
	n.metrics.isLeader.Set(boolToFloat(r == RoleLeader))
}

// Epoch returns the node's current epoch.
func (n *Node) Epoch() int {
	n.roleMu.RLock()
	defer n.roleMu.RUnlock()
	return n.epoch
}

func (n *Node) setEpoch(e int) {
	n.roleMu.Lock()
	if e > n.epoch {
		n.epoch = e
	}
	cur := n.epoch
	n.roleMu.Unlock()
	n.metrics.currentEpoch.Set(float64(cur))
}

// Run starts the node: duplicate-id and existing-leader startup probes,
// then the permanent listener loops for its role. It returns once startup
// completes; the loops themselves run in background goroutines until Stop
// is called.
func (n *Node) Run() error {
	if !n.checkIDAvailable() {
		return fmt.Errorf("cafeds: node id %d is already in use on this network", n.nodeID)
	}

	if n.Role() == RoleLeader {
		if n.checkExistingLeader() {
			n.log.Warnf("Another LEADER is already active. Demoting to FOLLOWER.")
			n.setRole(RoleFollower)
			n.discMu.Lock()
			if n.udpDisc != nil {
				n.udpDisc.Close()
				n.udpDisc = nil
			}
			n.discMu.Unlock()
		}
	}

	n.spawn(n.udpNodeListener)

	n.discMu.Lock()
	hasDisc := n.udpDisc != nil
	n.discMu.Unlock()
	if hasDisc {
		n.spawn(n.udpDiscListener)
	}

	if n.Role() == RoleLeader {
		if err := n.startTCPLeader(); err != nil {
			return err
		}
		n.startLeaderHeartbeat()
	} else {
		n.startTCPFollower()
	}

	n.spawn(n.followerDiscoveryLoop)

	n.log.Infof("Node is running.")
	return nil
}

func (n *Node) spawn(fn func()) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn()
	}()
}

// Stop signals every loop to exit and releases sockets, unblocking any
// in-flight reads. There is no graceful drain: durability comes from WAL
// fsync before delivery, not from a clean shutdown sequence.
func (n *Node) Stop() {
	close(n.stopCh)
	n.udpNode.Close()

	n.discMu.Lock()
	if n.udpDisc != nil {
		n.udpDisc.Close()
		n.udpDisc = nil
	}
	n.discMu.Unlock()

	n.tcpMu.Lock()
	server := n.tcpServer
	client := n.tcpClient
	n.tcpMu.Unlock()
	if client != nil {
		client.Close()
	}
	if server != nil {
		server.Stop()
	}

	n.wg.Wait()
}

func (n *Node) stopped() bool {
	select {
	case <-n.stopCh:
		return true
	default:
		return false
	}
}

// SubmitOrder accepts a new command for ordering. If this node is leader,
// it takes the local fast path (allocate + deliver + broadcast, no TCP
// round-trip); otherwise it forwards NEW_ORDER to the leader over the
// follower's TCP client. Supplemented from original_source/node.py's
// submit_order, whose leader branch the distilled spec only implies.
func (n *Node) SubmitOrder(payload map[string]interface{}) error {
	orderID := uuid.NewString()

	if n.Role() == RoleLeader {
		if !n.claimOrderUUID(orderID) {
			return nil
		}
		order := n.allocateOrder(n.nodeID, orderID, payload)
		n.log.Infof("LOCAL_ORDER -> seq=%d (broadcast ORDER)", order.Seq)
		n.processOrder(order)
		if n.tcpServer != nil {
			n.tcpServer.Broadcast(proto.OrderMsg(order.LeaderID, order.Epoch, order.Seq, order.OrderUUID, order.Payload))
		}
		return nil
	}

	n.tcpMu.Lock()
	client := n.tcpClient
	connected := n.tcpConnected
	n.tcpMu.Unlock()

	if client == nil {
		return fmt.Errorf("cafeds: cannot submit order: tcp client missing")
	}
	if !connected {
		return fmt.Errorf("cafeds: cannot submit order: not connected to leader yet")
	}

	msg := proto.NewOrder(n.nodeID, orderID, payload)
	if err := client.Send(msg); err != nil {
		return fmt.Errorf("cafeds: send NEW_ORDER: %w", err)
	}
	n.log.Infof("Sent NEW_ORDER uuid=%s", orderID)
	return nil
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
