package cafeds

import "time"

// Role names a node's current position in the cluster.
type Role string

const (
	RoleLeader   Role = "leader"
	RoleFollower Role = "follower"
)

// PeerInfo is a dynamically discovered cluster member, registered
// opportunistically from any inbound message that carries a recognizable
// sender-id field.
type PeerInfo struct {
	NodeID   int
	IP       string
	UDPPort  int
	TCPPort  int
	LastSeen time.Time
}

// LeaderInfo is what a follower believes about the current leader. It is
// replaced wholesale on a better-leader observation (see isBetterLeader)
// and cleared on timeout.
type LeaderInfo struct {
	LeaderID      int
	LeaderIP      string
	LeaderTCPPort int
	Epoch         int
	LastSeq       int
	LastSeenTS    time.Time
}

// Order is one entry in the total order: the leader-assigned sequence
// number, the epoch it was assigned under, and the opaque payload the
// submitter provided. The core never inspects Payload's contents.
type Order struct {
	LeaderID  int                    `json:"leader_id"`
	Epoch     int                    `json:"epoch"`
	Seq       int                    `json:"seq"`
	OrderUUID string                 `json:"order_uuid"`
	Payload   map[string]interface{} `json:"payload"`
	SenderID  int                    `json:"sender_id,omitempty"`
}
