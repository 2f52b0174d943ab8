package node

import "go.etcd.io/raft/v3/raftpb"

// ProposeRequest asks the node to propose an opaque blob of application
// data through the raft log. Reply receives at most one value: RespData,
// RespWrongLeader, or RespNoLeader. A proposal that raft rejects when it
// is proposed gets no reply at all.
type ProposeRequest struct {
	Data  []byte
	Reply chan interface{}
}

// ConfChangeRequest asks the node to propose a membership change. A
// NodeID of 0 means "this request is about the caller itself" and is
// rewritten to the node's own id before proposing, matching the wire
// convention client code uses when it doesn't yet know its assigned id.
type ConfChangeRequest struct {
	Change raftpb.ConfChange
	Reply  chan interface{}
}

// RequestIDRequest asks the leader to reserve the next peer id.
type RequestIDRequest struct {
	Reply chan interface{}
}

// StepRequest delivers an inbound raft protocol message from a peer.
type StepRequest struct {
	Message raftpb.Message
}

// ReportUnreachableRequest notifies the node that a message to ID could
// not be delivered after the transport's retries were exhausted.
type ReportUnreachableRequest struct {
	ID uint64
}

// RespOK is returned for a conf change that doesn't assign a new id
// (RemoveNode).
type RespOK struct{}

// RespData carries the state machine's reply to a committed proposal.
type RespData struct {
	Data []byte
}

// RespWrongLeader tells the caller to retry against the current leader.
type RespWrongLeader struct {
	LeaderID   uint64
	LeaderAddr string
}

// RespNoLeader tells the caller no leader is known at all — distinct
// from RespWrongLeader, which at least names a peer to retry against.
// Callers should back off rather than reroute, since there is nowhere
// to reroute to.
type RespNoLeader struct{}

// RespIDReserved carries a freshly reserved peer id.
type RespIDReserved struct {
	ID uint64
}

// RespJoinSuccess confirms a committed AddNode and hands back the
// applying node's peer address table at commit time. That table never
// holds the applying node's own address.
type RespJoinSuccess struct {
	AssignedID uint64
	PeerAddrs  map[uint64]string
}
