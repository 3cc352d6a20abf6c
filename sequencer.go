package cafeds

import (
	"github.com/berkesiranurr/distrubuted-systems-cafe/internal/proto"
	"github.com/berkesiranurr/distrubuted-systems-cafe/internal/tcpwire"
)

// startTCPLeader binds the leader's TCP fan-out socket and wires its
// message handler: NEW_ORDER from a follower is sequenced and
// broadcast, RESEND_REQUEST replays history to the requester alone.
// Grounded on the original's _start_tcp_leader.
func (n *Node) startTCPLeader() error {
	server := tcpwire.NewServer("0.0.0.0", n.tcpPort, n.onLeaderTCPMessage, n.log.Infof)
	if err := server.Start(); err != nil {
		return err
	}
	n.tcpMu.Lock()
	n.tcpServer = server
	n.tcpMu.Unlock()
	return nil
}

func (n *Node) onLeaderTCPMessage(conn *tcpwire.Conn, raw []byte) {
	env, err := proto.Decode(raw)
	if err != nil {
		n.log.Warnf("leader: malformed TCP record dropped: %v", err)
		return
	}

	switch env.Type {
	case proto.TypeNewOrder:
		n.handleNewOrder(env)
	case proto.TypeResendRequest:
		n.handleResendRequest(conn, env.FromSeq)
	}
}

// handleNewOrder is the sequencer: it allocates a sequence number under
// the history lock, delivers locally, persists, and fans the resulting
// ORDER out to every connected follower. Idempotent under resubmission
// because claimOrderUUID drops an already-seen order_uuid before any
// sequence number is allocated.
func (n *Node) handleNewOrder(env proto.Envelope) {
	if !n.claimOrderUUID(env.OrderUUID) {
		n.log.Infof("NEW_ORDER from node %d: duplicate uuid=%s, dropping", env.SenderID, env.OrderUUID)
		return
	}

	order := n.allocateOrder(env.SenderID, env.OrderUUID, env.Payload)
	n.log.Infof("NEW_ORDER from node %d -> seq=%d", env.SenderID, order.Seq)

	n.processOrder(order)

	if n.tcpServer != nil {
		n.tcpServer.Broadcast(proto.OrderMsg(order.LeaderID, order.Epoch, order.Seq, order.OrderUUID, order.Payload))
	}
}

// handleResendRequest replays history[fromSeq..lastSeq] to the single
// requesting connection, never to the whole cluster — a gap is a
// per-follower condition, not a cluster-wide one.
func (n *Node) handleResendRequest(conn *tcpwire.Conn, fromSeq int) {
	n.historyMu.Lock()
	last := n.lastSeq
	var missing []Order
	for seq := fromSeq; seq <= last; seq++ {
		if order, ok := n.history[seq]; ok {
			missing = append(missing, order)
		}
	}
	n.historyMu.Unlock()

	n.log.Infof("RESEND_REQUEST from_seq=%d -> replaying %d orders", fromSeq, len(missing))
	for _, order := range missing {
		_ = conn.Send(proto.OrderMsg(order.LeaderID, order.Epoch, order.Seq, order.OrderUUID, order.Payload))
	}
}
