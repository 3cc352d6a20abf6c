// Package proto defines the wire message family exchanged between cafeds
// nodes over UDP (discovery, heartbeat, election) and TCP (order traffic).
// Every message is a flat JSON object tagged by a "type" field; the codec
// never returns a decode error to a caller that can't usefully act on it —
// callers are expected to drop malformed records and keep listening.
package proto

import (
	"github.com/goccy/go-json"
)

// Message type tags, as carried in the wire-level "type" field.
const (
	TypeWhoIsLeader    = "WHO_IS_LEADER"
	TypeIAmLeader      = "I_AM_LEADER"
	TypeLeaderAlive    = "LEADER_ALIVE"
	TypeElection       = "ELECTION"
	TypeAnswer         = "ANSWER"
	TypeCoordinator    = "COORDINATOR"
	TypeIDCheck        = "ID_CHECK"
	TypeIDTaken        = "ID_TAKEN"
	TypeNewOrder       = "NEW_ORDER"
	TypeOrder          = "ORDER"
	TypeResendRequest  = "RESEND_REQUEST"
)

// ClusterEntry is one row of the peer list a leader attaches to every
// LEADER_ALIVE heartbeat, letting followers learn of each other without
// ever exchanging direct traffic.
type ClusterEntry struct {
	ID  int    `json:"id"`
	IP  string `json:"ip"`
	TCP int    `json:"tcp"`
}

// Envelope is the superset of every field used across the message family.
// Decoding into Envelope and branching on Type is the idiomatic way to
// read an inbound record whose concrete shape isn't known yet; encoding
// uses the Type-specific constructors below so every outbound record only
// carries the fields its type actually defines.
type Envelope struct {
	Type string `json:"type"`

	SenderID       int `json:"sender_id,omitempty"`
	SenderTCPPort  int `json:"sender_tcp_port,omitempty"`

	LeaderID      int    `json:"leader_id,omitempty"`
	LeaderIP      string `json:"leader_ip,omitempty"`
	LeaderTCPPort int    `json:"leader_tcp_port,omitempty"`
	Epoch         int    `json:"epoch,omitempty"`
	LastSeq       int    `json:"last_seq,omitempty"`

	Cluster []ClusterEntry `json:"cluster,omitempty"`

	CandidateID      int `json:"candidate_id,omitempty"`
	CandidateTCPPort int `json:"candidate_tcp_port,omitempty"`

	ResponderID      int `json:"responder_id,omitempty"`
	ResponderTCPPort int `json:"responder_tcp_port,omitempty"`

	NodeID int    `json:"node_id,omitempty"`
	Token  string `json:"token,omitempty"`

	OrderUUID string                 `json:"order_uuid,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Seq       int                    `json:"seq,omitempty"`

	FromSeq int `json:"from_seq,omitempty"`
}

// Encode serializes a message to its compact wire form. The caller owns
// framing (appending "\n" for TCP, nothing extra for UDP datagrams).
func Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// Decode parses a wire-level record into an Envelope. Decode failures are
// the caller's cue to drop the record silently, per the codec contract.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(data, &env)
	return env, err
}

// SenderIDHint extracts whichever of sender_id / leader_id / candidate_id /
// responder_id is present, mirroring the original's opportunistic peer
// registration: any inbound message that carries one of these fields is
// a registration signal, regardless of its type.
func (e Envelope) SenderIDHint() (id int, ok bool) {
	switch {
	case e.SenderID != 0:
		return e.SenderID, true
	case e.LeaderID != 0:
		return e.LeaderID, true
	case e.CandidateID != 0:
		return e.CandidateID, true
	case e.ResponderID != 0:
		return e.ResponderID, true
	default:
		return 0, false
	}
}

// SenderTCPHint returns whichever *_tcp_port field accompanies SenderIDHint.
func (e Envelope) SenderTCPHint() int {
	switch {
	case e.SenderTCPPort != 0:
		return e.SenderTCPPort
	case e.LeaderTCPPort != 0:
		return e.LeaderTCPPort
	case e.CandidateTCPPort != 0:
		return e.CandidateTCPPort
	case e.ResponderTCPPort != 0:
		return e.ResponderTCPPort
	default:
		return 0
	}
}

func WhoIsLeader(senderID, senderTCPPort int) Envelope {
	return Envelope{Type: TypeWhoIsLeader, SenderID: senderID, SenderTCPPort: senderTCPPort}
}

func IAmLeader(leaderID int, leaderIP string, leaderTCPPort, epoch, lastSeq int) Envelope {
	return Envelope{
		Type:          TypeIAmLeader,
		LeaderID:      leaderID,
		LeaderIP:      leaderIP,
		LeaderTCPPort: leaderTCPPort,
		Epoch:         epoch,
		LastSeq:       lastSeq,
	}
}

func LeaderAlive(leaderID, epoch, lastSeq, leaderTCPPort int, cluster []ClusterEntry) Envelope {
	return Envelope{
		Type:          TypeLeaderAlive,
		LeaderID:      leaderID,
		Epoch:         epoch,
		LastSeq:       lastSeq,
		LeaderTCPPort: leaderTCPPort,
		Cluster:       cluster,
	}
}

func Election(candidateID, epoch, candidateTCPPort int) Envelope {
	return Envelope{Type: TypeElection, CandidateID: candidateID, Epoch: epoch, CandidateTCPPort: candidateTCPPort}
}

func Answer(responderID, epoch, responderTCPPort int) Envelope {
	return Envelope{Type: TypeAnswer, ResponderID: responderID, Epoch: epoch, ResponderTCPPort: responderTCPPort}
}

func Coordinator(leaderID int, leaderIP string, leaderTCPPort, epoch, lastSeq int) Envelope {
	return Envelope{
		Type:          TypeCoordinator,
		LeaderID:      leaderID,
		LeaderIP:      leaderIP,
		LeaderTCPPort: leaderTCPPort,
		Epoch:         epoch,
		LastSeq:       lastSeq,
	}
}

func IDCheck(nodeID int, token string) Envelope {
	return Envelope{Type: TypeIDCheck, NodeID: nodeID, Token: token}
}

func IDTaken(nodeID int, token string) Envelope {
	return Envelope{Type: TypeIDTaken, NodeID: nodeID, Token: token}
}

func NewOrder(senderID int, orderUUID string, payload map[string]interface{}) Envelope {
	return Envelope{Type: TypeNewOrder, SenderID: senderID, OrderUUID: orderUUID, Payload: payload}
}

func OrderMsg(leaderID, epoch, seq int, orderUUID string, payload map[string]interface{}) Envelope {
	return Envelope{
		Type:      TypeOrder,
		LeaderID:  leaderID,
		Epoch:     epoch,
		Seq:       seq,
		OrderUUID: orderUUID,
		Payload:   payload,
	}
}

func ResendRequest(fromSeq int) Envelope {
	return Envelope{Type: TypeResendRequest, FromSeq: fromSeq}
}
