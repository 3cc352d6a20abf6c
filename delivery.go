package cafeds

import (
	"time"

	"github.com/google/uuid"

	"github.com/berkesiranurr/distrubuted-systems-cafe/internal/netutil"
	"github.com/berkesiranurr/distrubuted-systems-cafe/internal/proto"
)

// probeWindow is how long a startup probe listens for a reply before
// concluding nobody answered, matching the reference implementation's
// 1-second startup check window.
const probeWindow = time.Second

// broadcastToDiscovery sends env to every discovery target address at the
// well-known discovery port, using this node's own unicast socket — only
// the leader keeps a permanent listener bound there, but any node can
// send to it.
func (n *Node) broadcastToDiscovery(env proto.Envelope) {
	data, err := proto.Encode(env)
	if err != nil {
		n.log.Warnf("encode %s: %v", env.Type, err)
		return
	}
	for _, target := range netutil.DiscoveryTargets(n.cfg.SinglePC) {
		_ = n.udpNode.Send(data, target, n.cfg.DiscoveryPort)
	}
}

// checkIDAvailable broadcasts an ID_CHECK carrying a fresh token and
// listens on this node's own socket for a matching ID_TAKEN within
// probeWindow. Supplemented from the original's _check_id_available.
func (n *Node) checkIDAvailable() bool {
	token := uuid.NewString()
	n.broadcastToDiscovery(proto.IDCheck(n.nodeID, token))

	deadline := time.Now().Add(probeWindow)
	for time.Now().Before(deadline) {
		dgram, timedOut, err := n.udpNode.Recv()
		if err != nil || timedOut {
			continue
		}
		env, err := proto.Decode(dgram.Data)
		if err != nil {
			continue
		}
		if env.Type == proto.TypeIDTaken && env.NodeID == n.nodeID && env.Token == token {
			n.log.Warnf("ID_TAKEN received for id=%d during startup probe", n.nodeID)
			return false
		}
	}
	return true
}

// checkExistingLeader broadcasts WHO_IS_LEADER and listens for an
// I_AM_LEADER reply within probeWindow, used only when starting in the
// leader role to avoid a split-brain double-leader startup.
func (n *Node) checkExistingLeader() bool {
	n.broadcastToDiscovery(proto.WhoIsLeader(n.nodeID, n.tcpPort))

	deadline := time.Now().Add(probeWindow)
	for time.Now().Before(deadline) {
		dgram, timedOut, err := n.udpNode.Recv()
		if err != nil || timedOut {
			continue
		}
		env, err := proto.Decode(dgram.Data)
		if err != nil {
			continue
		}
		if env.Type == proto.TypeIAmLeader {
			n.log.Debugf("Existing leader announced id=%d during startup probe", env.LeaderID)
			n.adoptLeader(env.LeaderID, env.LeaderIP, env.LeaderTCPPort, env.Epoch, env.LastSeq)
			return true
		}
	}
	return false
}

// adoptLeader replaces the follower's notion of the current leader
// wholesale, per isBetterLeader, and records it for the metrics gauges.
func (n *Node) adoptLeader(leaderID int, leaderIP string, leaderTCPPort, epoch, lastSeq int) {
	n.leaderMu.Lock()
	cur := n.leader
	newer := cur == nil || isBetterLeader(
		epoch, leaderID, isLoopback(leaderIP), lastSeq,
		cur.Epoch, cur.LeaderID, isLoopback(cur.LeaderIP), cur.LastSeq,
	)
	if newer {
		n.leader = &LeaderInfo{
			LeaderID:      leaderID,
			LeaderIP:      leaderIP,
			LeaderTCPPort: leaderTCPPort,
			Epoch:         epoch,
			LastSeq:       lastSeq,
			LastSeenTS:    time.Now(),
		}
	} else if cur.LeaderID == leaderID {
		cur.LastSeenTS = time.Now()
	}
	n.leaderMu.Unlock()

	if newer {
		n.setEpoch(epoch)
	}
}

func (n *Node) currentLeader() (LeaderInfo, bool) {
	n.leaderMu.RLock()
	defer n.leaderMu.RUnlock()
	if n.leader == nil {
		return LeaderInfo{}, false
	}
	return *n.leader, true
}

// allocateOrder assigns the next sequence number under the history lock
// and records the order in history before any broadcast happens, so a
// concurrent RESEND_REQUEST always sees it.
func (n *Node) allocateOrder(senderID int, orderUUID string, payload map[string]interface{}) Order {
	n.historyMu.Lock()
	defer n.historyMu.Unlock()

	n.lastSeq++
	order := Order{
		LeaderID:  n.nodeID,
		Epoch:     n.Epoch(),
		Seq:       n.lastSeq,
		OrderUUID: orderUUID,
		Payload:   payload,
		SenderID:  senderID,
	}
	n.history[order.Seq] = order
	return order
}

// claimOrderUUID atomically checks-and-marks an order_uuid as seen,
// returning false if it was already present. Used by the leader
// sequencer to drop a retried NEW_ORDER before a sequence number is
// ever allocated for it — allocating first and deduping after would
// burn a seq and broadcast a duplicate ORDER, breaking idempotent
// retry. Grounded on the original's seen_order_uuids check in
// _process_order, hoisted ahead of allocation.
func (n *Node) claimOrderUUID(orderUUID string) bool {
	if orderUUID == "" {
		return true
	}
	n.uuidsMu.Lock()
	defer n.uuidsMu.Unlock()
	if n.seenOrderUUIDs[orderUUID] {
		return false
	}
	n.seenOrderUUIDs[orderUUID] = true
	return true
}

// processOrder is the shared delivery engine for both the leader's
// locally-allocated orders and orders a follower receives over its TCP
// client: in-order delivery with a buffer for out-of-order arrivals,
// gap detection with a rate-limited resend request, and a WAL append
// before anything is handed to the delivery channel. The leader's
// sequencer claims order_uuid before this runs; here we only guard
// against a seq we've already delivered, which also catches an ORDER
// re-sent verbatim (same uuid, same seq) after a RESEND_REQUEST.
// Grounded on the original's _process_order.
func (n *Node) processOrder(order Order) {
	n.deliveryMu.Lock()
	defer n.deliveryMu.Unlock()

	if n.deliveredSeqs[order.Seq] {
		return
	}

	n.historyMu.Lock()
	n.history[order.Seq] = order
	if order.Seq > n.lastSeq {
		n.lastSeq = order.Seq
	}
	n.historyMu.Unlock()

	if order.Seq > n.expectedSeq {
		n.buffer[order.Seq] = order
		n.maybeRequestResendLocked()
		return
	}
	if order.Seq < n.expectedSeq {
		return
	}

	n.deliverLocked(order)

	for {
		next, ok := n.buffer[n.expectedSeq]
		if !ok {
			break
		}
		delete(n.buffer, n.expectedSeq)
		n.deliverLocked(next)
	}
}

// deliverLocked must be called with deliveryMu held. It fsyncs the order
// to the WAL, marks it delivered, advances expectedSeq, and publishes a
// Delivery — durability happens before the outer world is told.
func (n *Node) deliverLocked(order Order) {
	if err := n.wal.append(order); err != nil {
		n.log.Warnf("WAL append failed for seq=%d: %v", order.Seq, err)
	}
	n.metrics.walWrites.Inc()

	n.deliveredSeqs[order.Seq] = true
	n.expectedSeq = order.Seq + 1
	n.metrics.ordersDelivered.Inc()
	n.claimOrderUUID(order.OrderUUID)

	select {
	case n.deliveries <- Delivery{order: order}:
	default:
		n.log.Warnf("delivery channel full, dropping notification for seq=%d", order.Seq)
	}
}

// resendCooldown bounds how often a follower will re-request a gap, so a
// burst of out-of-order arrivals produces one request, not one per packet.
const resendCooldown = 500 * time.Millisecond

func (n *Node) maybeRequestResendLocked() {
	if time.Since(n.lastResendTS) < resendCooldown {
		return
	}
	n.lastResendTS = time.Now()

	n.tcpMu.Lock()
	client := n.tcpClient
	n.tcpMu.Unlock()
	if client == nil {
		return
	}

	from := n.expectedSeq
	if err := client.Send(proto.ResendRequest(from)); err != nil {
		n.log.Warnf("resend request send failed: %v", err)
	}
}

// udpNodeListener handles every message addressed to this node's own
// unicast port: leader announcements, heartbeats, election traffic, and
// direct startup-probe replies arriving after the probe window closed.
// Grounded on the original's _udp_node_listener dispatch.
func (n *Node) udpNodeListener() {
	for !n.stopped() {
		dgram, timedOut, err := n.udpNode.Recv()
		if err != nil {
			if n.stopped() {
				return
			}
			continue
		}
		if timedOut {
			continue
		}

		env, err := proto.Decode(dgram.Data)
		if err != nil {
			continue
		}

		if id, ok := env.SenderIDHint(); ok {
			n.peers.register(id, dgram.SrcIP, env.SenderTCPHint())
		}

		switch env.Type {
		case proto.TypeIAmLeader:
			n.adoptLeader(env.LeaderID, dgram.SrcIP, env.LeaderTCPPort, env.Epoch, env.LastSeq)

		case proto.TypeLeaderAlive:
			n.onLeaderAlive(env, dgram.SrcIP)

		case proto.TypeElection:
			n.onElection(env, dgram.SrcIP)

		case proto.TypeAnswer:
			n.election.answer.set(struct{}{})

		case proto.TypeCoordinator:
			n.election.coordinator.set(coordinatorPayload{
				leaderID:      env.LeaderID,
				leaderIP:      dgram.SrcIP,
				leaderTCPPort: env.LeaderTCPPort,
				epoch:         env.Epoch,
				lastSeq:       env.LastSeq,
			})
			n.onCoordinator(env, dgram.SrcIP)

		case proto.TypeWhoIsLeader:
			n.replyIfLeader(env, dgram.SrcIP)

		case proto.TypeIDCheck:
			n.replyIDCheck(env, dgram.SrcIP)
		}
	}
}

// udpDiscListener handles the shared discovery-port traffic only the
// leader listens on: WHO_IS_LEADER probes and ID_CHECK probes from nodes
// that haven't learned a direct address yet.
func (n *Node) udpDiscListener() {
	for !n.stopped() {
		n.discMu.Lock()
		sock := n.udpDisc
		n.discMu.Unlock()
		if sock == nil {
			return
		}

		dgram, timedOut, err := sock.Recv()
		if err != nil {
			if n.stopped() {
				return
			}
			continue
		}
		if timedOut {
			continue
		}

		env, err := proto.Decode(dgram.Data)
		if err != nil {
			continue
		}

		if id, ok := env.SenderIDHint(); ok {
			n.peers.register(id, dgram.SrcIP, env.SenderTCPHint())
		}

		switch env.Type {
		case proto.TypeWhoIsLeader:
			n.replyIfLeader(env, dgram.SrcIP)
		case proto.TypeIDCheck:
			n.replyIDCheck(env, dgram.SrcIP)
		}
	}
}

func (n *Node) replyIfLeader(env proto.Envelope, srcIP string) {
	if n.Role() != RoleLeader {
		return
	}
	reply := proto.IAmLeader(n.nodeID, netutil.LocalIPForPeer(srcIP), n.tcpPort, n.Epoch(), n.currentLastSeq())
	data, err := proto.Encode(reply)
	if err != nil {
		return
	}
	_ = n.udpNode.Send(data, srcIP, n.cfg.NodeUDPBase+env.SenderID)
}

// replyIDCheck answers an ID_CHECK probe with ID_TAKEN only when the
// probed node_id is this node's own id — i.e. the prober has collided
// with an identity already live on the subnet.
func (n *Node) replyIDCheck(env proto.Envelope, srcIP string) {
	if env.NodeID != n.nodeID {
		return
	}
	reply := proto.IDTaken(env.NodeID, env.Token)
	data, err := proto.Encode(reply)
	if err != nil {
		return
	}
	_ = n.udpNode.Send(data, srcIP, n.cfg.NodeUDPBase+env.NodeID)
}

func (n *Node) currentLastSeq() int {
	n.historyMu.Lock()
	defer n.historyMu.Unlock()
	return n.lastSeq
}
