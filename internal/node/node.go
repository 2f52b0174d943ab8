// Package node is the driver's hard core: it owns a raft.RawNode,
// multiplexes client requests and peer messages through a single inbound
// channel, and drives the has-ready/ready/persist/apply/advance cycle
// that turns raft's decisions into durable state and state machine
// effects.
package node

import (
	"strconv"
	"time"

	"go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"
	"go.uber.org/zap"

	"github.com/raftwire/raftd/internal/codec"
	"github.com/raftwire/raftd/internal/membership"
	"github.com/raftwire/raftd/internal/metrics"
	"github.com/raftwire/raftd/internal/storage"
	"github.com/raftwire/raftd/internal/transport"
	"github.com/raftwire/raftd/internal/wait"
)

// StateMachine is the external, user-supplied application this driver
// replicates commands against. Apply and Snapshot/Restore are called
// only from the node's own goroutine, so implementations need no
// internal locking against this driver.
type StateMachine interface {
	Apply(data []byte) ([]byte, error)
	Snapshot() ([]byte, error)
	Restore(data []byte) error
}

// Config bundles everything needed to bring up a Node.
type Config struct {
	ID            uint64
	ElectionTick  int
	HeartbeatTick int

	Heartbeat        time.Duration
	SnapshotInterval time.Duration

	Storage *storage.Storage
	SM      StateMachine
	Sender  *transport.Sender
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

func (c *Config) setDefaults() {
	if c.ElectionTick == 0 {
		c.ElectionTick = 10
	}
	if c.HeartbeatTick == 0 {
		c.HeartbeatTick = 3
	}
	if c.Heartbeat == 0 {
		c.Heartbeat = 100 * time.Millisecond
	}
	if c.SnapshotInterval == 0 {
		c.SnapshotInterval = 15 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

func (c *Config) raftConfig() *raft.Config {
	return &raft.Config{
		ID:              c.ID,
		ElectionTick:    c.ElectionTick,
		HeartbeatTick:   c.HeartbeatTick,
		Storage:         c.Storage,
		MaxSizePerMsg:   1024 * 1024,
		MaxInflightMsgs: 256,
	}
}

// Node is a single running raft member.
type Node struct {
	cfg     Config
	rawNode *raft.RawNode
	storage *storage.Storage
	sm      StateMachine
	peers   *membership.Registry
	sender  *transport.Sender
	metrics *metrics.Metrics
	logger  *zap.Logger

	seq  *codec.Sequencer
	wait wait.Wait

	// pendingSince tracks in-flight proposals/conf changes for the
	// propose_pending gauge and propose_duration_seconds histogram. Only
	// ever touched from the Run goroutine, so it needs no lock of its own.
	pendingSince map[uint64]time.Time

	inbound      chan interface{}
	shouldQuit   bool
	lastSnapTime time.Time
}

// NewLeader bootstraps a brand-new single-node cluster: it seeds storage
// with a snapshot at (index=1, term=1, voters={id}) so that any follower
// joining later catches up through a normal snapshot install rather than
// a special-cased empty log, then immediately campaigns — a single-voter
// cluster wins its own election without any peer traffic.
func NewLeader(cfg Config) (*Node, error) {
	cfg.setDefaults()

	snap := raftpb.Snapshot{}
	snap.Metadata.Index = 1
	snap.Metadata.Term = 1
	snap.Metadata.ConfState = raftpb.ConfState{Voters: []uint64{cfg.ID}}
	if err := cfg.Storage.ApplySnapshot(snap); err != nil {
		return nil, err
	}

	rawNode, err := raft.NewRawNode(cfg.raftConfig())
	if err != nil {
		return nil, err
	}

	n := newNode(cfg, rawNode)

	if err := rawNode.Campaign(); err != nil {
		return nil, err
	}
	n.onReady()

	return n, nil
}

// NewFollower bootstraps a node that is not yet a voter: it waits to be
// added to the cluster (or to receive a snapshot) before it participates.
func NewFollower(cfg Config) (*Node, error) {
	cfg.setDefaults()

	rawNode, err := raft.NewRawNode(cfg.raftConfig())
	if err != nil {
		return nil, err
	}

	n := newNode(cfg, rawNode)
	n.onReady()
	return n, nil
}

func newNode(cfg Config, rawNode *raft.RawNode) *Node {
	return &Node{
		cfg:          cfg,
		rawNode:      rawNode,
		storage:      cfg.Storage,
		sm:           cfg.SM,
		peers:        membership.New(cfg.ID),
		sender:       cfg.Sender,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		seq:          codec.NewSequencer(cfg.ID),
		wait:         wait.New(),
		pendingSince: make(map[uint64]time.Time),
		inbound:      make(chan interface{}, 256),
		lastSnapTime: time.Now(),
	}
}

// Inbound is the channel callers (the HTTP layer, the mailbox, the
// transport's unreachable reports) push requests onto.
func (n *Node) Inbound() chan<- interface{} { return n.inbound }

// ID returns this node's raft id.
func (n *Node) ID() uint64 { return n.cfg.ID }

// IsLeader reports whether this node currently believes itself leader.
func (n *Node) IsLeader() bool {
	return n.rawNode.Status().Lead == n.cfg.ID
}

// Leader returns the current known leader id, or 0 if unknown.
func (n *Node) Leader() uint64 {
	return n.rawNode.Status().Lead
}

// PeerAddrs returns a snapshot of the known peer address table.
func (n *Node) PeerAddrs() map[uint64]string {
	return n.peers.Addrs()
}

// Run is the main event loop. It blocks until the node is told to quit
// (via self-removal from the cluster) or ctx-equivalent shutdown is
// requested by closing done.
func (n *Node) Run(done <-chan struct{}) {
	ticker := time.NewTicker(n.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		if n.shouldQuit {
			n.logger.Warn("quitting raft", zap.Uint64("id", n.cfg.ID))
			return
		}

		select {
		case <-done:
			return

		case <-ticker.C:

		case msg := <-n.inbound:
			n.dispatch(msg)
		}

		n.rawNode.Tick()
		n.onReady()
	}
}

func (n *Node) dispatch(msg interface{}) {
	switch m := msg.(type) {
	case ConfChangeRequest:
		n.handleConfChangeRequest(m)

	case ProposeRequest:
		if !n.IsLeader() {
			n.sendWrongLeader(m.Reply)
			return
		}
		seq := n.seq.Next()
		n.replyRoute(seq, m.Reply)
		n.proposalStarted(seq)
		if err := n.rawNode.Propose(codec.EncodeUint64(seq), m.Data); err != nil {
			n.wait.Cancel(seq)
			n.proposalFinished(seq, true)
			n.logger.Warn("propose failed", zap.Error(err))
		}

	case RequestIDRequest:
		if !n.IsLeader() {
			n.sendWrongLeader(m.Reply)
			return
		}
		m.Reply <- RespIDReserved{ID: n.peers.ReserveNextID()}

	case StepRequest:
		n.logger.Debug("raft message", zap.Uint64("to", n.cfg.ID), zap.Uint64("from", m.Message.From))
		if err := n.rawNode.Step(m.Message); err != nil {
			n.logger.Debug("step error", zap.Error(err))
		}

	case ReportUnreachableRequest:
		n.rawNode.ReportUnreachable(m.ID)
		n.recordUnreachable(m.ID)

	case transport.Unreachable:
		n.rawNode.ReportUnreachable(m.To)
		n.recordUnreachable(m.To)

	default:
		n.logger.Warn("unknown inbound message", zap.Any("message", m))
	}
}

func (n *Node) handleConfChangeRequest(m ConfChangeRequest) {
	if m.Change.NodeID == 0 {
		m.Change.NodeID = n.cfg.ID
	}

	if !n.IsLeader() {
		n.sendWrongLeader(m.Reply)
		return
	}

	seq := n.seq.Next()
	n.replyRoute(seq, m.Reply)
	n.proposalStarted(seq)
	if err := n.rawNode.ProposeConfChange(codec.EncodeUint64(seq), m.Change); err != nil {
		n.wait.Cancel(seq)
		n.proposalFinished(seq, true)
		n.logger.Warn("propose conf change failed", zap.Error(err))
	}
}

// proposalStarted records seq as in flight for the propose_pending gauge
// and propose_duration_seconds histogram.
func (n *Node) proposalStarted(seq uint64) {
	n.pendingSince[seq] = time.Now()
	if n.metrics != nil {
		n.metrics.ProposePending.Inc()
	}
}

// proposalFinished retires seq from the in-flight set, whether it
// committed or failed before that.
func (n *Node) proposalFinished(seq uint64, failed bool) {
	start, ok := n.pendingSince[seq]
	if !ok {
		return
	}
	delete(n.pendingSince, seq)
	if n.metrics == nil {
		return
	}
	n.metrics.ProposePending.Dec()
	n.metrics.ProposeDurations.Observe(time.Since(start).Seconds())
	if failed {
		n.metrics.ProposeFailed.Inc()
	}
}

func (n *Node) recordUnreachable(id uint64) {
	if n.metrics != nil {
		n.metrics.PeerUnreachable.WithLabelValues(strconv.FormatUint(id, 10)).Inc()
	}
}

// replyRoute forwards the eventual wait.Trigger value for seq onto reply,
// without blocking the event loop: the wait channel already fires
// exactly once, so a short-lived goroutine per in-flight proposal is
// sufficient and keeps the dispatch path itself non-blocking.
func (n *Node) replyRoute(seq uint64, reply chan interface{}) {
	ch := n.wait.Register(seq)
	go func() {
		if v, ok := <-ch; ok {
			reply <- v
		}
	}()
}

func (n *Node) sendWrongLeader(reply chan interface{}) {
	leaderID := n.Leader()
	if leaderID == 0 {
		reply <- RespNoLeader{}
		return
	}
	addr, _ := n.peers.Get(leaderID)
	reply <- RespWrongLeader{LeaderID: leaderID, LeaderAddr: addr.Addr}
}

// onReady runs the readiness cycle: if RawNode has nothing to report,
// it's a no-op. Otherwise it installs any snapshot, applies committed
// entries, persists the new log tail and hard state, only then sends
// outbound messages, and finally advances the raw node so it can make
// further progress. Messages must go out after Entries and HardState are
// durable, never before: go.etcd.io/raft/v3's own Ready doc says outbound
// messages are to be sent "AFTER Entries are committed to stable
// storage", since a peer receiving one of these messages may act as
// though the vote/append it carries already happened — if this node
// crashes before the matching write lands, it would recover into a state
// it already told a peer it was in. go.etcd.io/raft/v3's classic RawNode
// folds the source two-phase advance()/advance_apply() split into one
// Advance(rd) call; this cycle preserves the same ordering guarantees
// within that single call. A storage write failure here is fatal: this
// node's on-disk state and its in-memory raft state would otherwise
// diverge, so it aborts rather than advancing past a write it can't
// trust (storage.Error's Corrupt/Io kinds are both treated as fatal).
func (n *Node) onReady() {
	if !n.rawNode.HasReady() {
		return
	}
	rd := n.rawNode.Ready()

	if !raft.IsEmptySnap(rd.Snapshot) {
		if err := n.sm.Restore(rd.Snapshot.Data); err != nil {
			n.logger.Error("state machine restore failed", zap.Error(err))
		}
		if err := n.storage.ApplySnapshot(rd.Snapshot); err != nil {
			n.logger.Fatal("apply snapshot failed, aborting", zap.Error(err))
		}
	}

	n.handleCommittedEntries(rd.CommittedEntries)

	if len(rd.Entries) > 0 {
		if err := n.storage.Append(rd.Entries); err != nil {
			n.logger.Fatal("append failed, aborting", zap.Error(err))
		}
	}

	if !raft.IsEmptyHardState(rd.HardState) {
		if err := n.storage.SetHardState(rd.HardState); err != nil {
			n.logger.Fatal("set hard state failed, aborting", zap.Error(err))
		}
	}

	if n.sender != nil {
		n.sender.Send(rd.Messages)
	}

	n.rawNode.Advance(rd)
}

func (n *Node) handleCommittedEntries(entries []raftpb.Entry) {
	for _, entry := range entries {
		if len(entry.Data) == 0 {
			continue
		}

		switch entry.Type {
		case raftpb.EntryNormal:
			n.handleNormal(entry)
		case raftpb.EntryConfChange:
			n.handleConfChange(entry)
		case raftpb.EntryConfChangeV2:
			n.logger.Warn("EntryConfChangeV2 is not implemented")
		}
	}
}

func (n *Node) handleNormal(entry raftpb.Entry) {
	seq := codec.DecodeUint64(entry.Context)

	result, err := n.sm.Apply(entry.Data)
	if err != nil {
		n.logger.Error("state machine apply failed", zap.Error(err))
	}

	if seq != 0 {
		n.wait.Trigger(seq, RespData{Data: result})
		n.proposalFinished(seq, false)
	}

	n.maybeSnapshot(entry.Index)
}

func (n *Node) handleConfChange(entry raftpb.Entry) {
	seq := codec.DecodeUint64(entry.Context)

	var cc raftpb.ConfChange
	if err := cc.Unmarshal(entry.Data); err != nil {
		n.logger.Error("conf change decode failed", zap.Error(err))
		return
	}

	id := cc.NodeID

	switch cc.Type {
	case raftpb.ConfChangeAddNode:
		addr := string(cc.Context)
		n.logger.Info("adding peer", zap.Uint64("id", id), zap.String("addr", addr))
		n.peers.Put(id, addr)
		if n.sender != nil {
			n.sender.SetAddr(id, addr)
		}

	case raftpb.ConfChangeRemoveNode:
		n.logger.Info("removing peer", zap.Uint64("id", id), zap.ByteString("addrs", cc.Context))
		if id == n.cfg.ID {
			n.shouldQuit = true
			n.logger.Warn("removed from cluster, quitting")
		} else {
			n.peers.Remove(id)
			if n.sender != nil {
				n.sender.RemoveAddr(id)
			}
		}

	default:
		n.logger.Error("unsupported conf change type", zap.Stringer("type", cc.Type))
	}

	if cs := n.rawNode.ApplyConfChange(cc); cs != nil {
		n.snapshotNow(entry.Index, cs)
	}

	if seq == 0 {
		return
	}

	switch cc.Type {
	case raftpb.ConfChangeAddNode:
		n.wait.Trigger(seq, RespJoinSuccess{AssignedID: id, PeerAddrs: n.peers.Addrs()})
	case raftpb.ConfChangeRemoveNode:
		n.wait.Trigger(seq, RespOK{})
	}
	n.proposalFinished(seq, false)
}

func (n *Node) maybeSnapshot(lastApplied uint64) {
	if time.Since(n.lastSnapTime) < n.cfg.SnapshotInterval {
		return
	}
	n.lastSnapTime = time.Now()
	n.snapshotNow(lastApplied, nil)
}

func (n *Node) snapshotNow(lastApplied uint64, cs *raftpb.ConfState) {
	data, err := n.sm.Snapshot()
	if err != nil {
		n.logger.Error("state machine snapshot failed", zap.Error(err))
		return
	}

	if _, err := n.storage.CreateSnapshot(lastApplied, cs, data); err != nil {
		n.logger.Error("create snapshot failed", zap.Error(err))
		return
	}
	if err := n.storage.Compact(lastApplied); err != nil {
		n.logger.Error("compact failed", zap.Error(err))
	}
	if cs != nil {
		if err := n.storage.SetConfState(*cs); err != nil {
			n.logger.Error("set conf state failed", zap.Error(err))
		}
	}
	if n.metrics != nil {
		n.metrics.SnapshotsTaken.Inc()
	}
}
