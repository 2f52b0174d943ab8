// Package mailbox is the client-facing façade onto a running node: it
// turns a Propose/Leave/RequestId call into an inbound request on the
// node's event loop, waits for the correlated reply, and — if the local
// node isn't leader — reroutes the request to the current leader exactly
// once before giving up.
package mailbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.etcd.io/raft/v3/raftpb"

	"github.com/raftwire/raftd/internal/node"
)

// ErrLeadershipUnstable is returned when a request is redirected to the
// peer believed to be leader and that peer also reports it isn't
// leader — the cluster is mid-election and the caller should back off
// and retry later rather than loop on redirects forever.
var ErrLeadershipUnstable = errors.New("mailbox: leadership unstable")

// ErrTimeout is returned when ctx expires before a reply arrives.
var ErrTimeout = errors.New("mailbox: timeout waiting for reply")

const defaultProposeTimeout = 2 * time.Second

// Mailbox is attached to one local node. A 409 Conflict response from a
// peer's HTTP handler is this driver's wire signal that the peer also
// isn't leader — callers rerouted to it stop there instead of chasing a
// second hop.
type Mailbox struct {
	selfID  uint64
	inbound chan<- interface{}
	client  *http.Client

	mu         sync.Mutex
	leaderAddr string
}

// New builds a Mailbox over the given node's inbound channel. A zero
// timeout falls back to defaultProposeTimeout.
func New(selfID uint64, inbound chan<- interface{}, timeout time.Duration) *Mailbox {
	if timeout == 0 {
		timeout = defaultProposeTimeout
	}
	return &Mailbox{
		selfID:  selfID,
		inbound: inbound,
		client:  &http.Client{Timeout: timeout},
	}
}

// SelfID returns the id of the node this Mailbox is attached to.
func (m *Mailbox) SelfID() uint64 { return m.selfID }

// Send proposes data to the replicated log and returns the state
// machine's reply once committed. If the local node isn't leader, the
// request is rerouted once to the node believed to be leader.
func (m *Mailbox) Send(ctx context.Context, data []byte) ([]byte, error) {
	reply, err := m.proposeLocal(ctx, data)
	if err == nil {
		return reply, nil
	}
	if !errors.Is(err, errWrongLeader) {
		return nil, err
	}

	addr, ok := m.wrongLeaderAddr()
	if !ok {
		return nil, ErrLeadershipUnstable
	}
	return m.proposeRemote(ctx, addr, data)
}

// Leave proposes removing nodeID from the cluster. addr is carried in
// the conf change's context purely for the leader's log line — removal
// itself is keyed by nodeID.
func (m *Mailbox) Leave(ctx context.Context, nodeID uint64, addr string) error {
	_, err := m.confChangeLocal(ctx, raftpb.ConfChange{
		NodeID:  nodeID,
		Type:    raftpb.ConfChangeRemoveNode,
		Context: marshalAddrList([]string{addr}),
	})
	if err == nil {
		return nil
	}
	if !errors.Is(err, errWrongLeader) {
		return err
	}

	remoteAddr, ok := m.wrongLeaderAddr()
	if !ok {
		return ErrLeadershipUnstable
	}
	return m.leaveRemote(ctx, remoteAddr, nodeID, addr)
}

// RequestID asks the leader to reserve the next peer id, rerouting once
// if the local node isn't leader.
func (m *Mailbox) RequestID(ctx context.Context) (uint64, error) {
	reply := make(chan interface{}, 1)
	if err := m.push(ctx, node.RequestIDRequest{Reply: reply}); err != nil {
		return 0, err
	}

	resp, err := m.await(ctx, reply)
	if err != nil {
		return 0, err
	}

	switch r := resp.(type) {
	case node.RespIDReserved:
		return r.ID, nil
	case node.RespWrongLeader:
		m.rememberLeader(r)
		addr, ok := m.wrongLeaderAddr()
		if !ok {
			return 0, ErrLeadershipUnstable
		}
		return m.requestIDRemote(ctx, addr)
	case node.RespNoLeader:
		return 0, ErrLeadershipUnstable
	default:
		return 0, fmt.Errorf("mailbox: unexpected response %T", resp)
	}
}

// AddNode proposes an AddNode conf change for id at addr, rerouting once
// if necessary, and returns the committed peer address table.
func (m *Mailbox) AddNode(ctx context.Context, id uint64, addr string) (map[uint64]string, error) {
	resp, err := m.confChangeLocal(ctx, raftpb.ConfChange{
		NodeID:  id,
		Type:    raftpb.ConfChangeAddNode,
		Context: []byte(addr),
	})
	if err == nil {
		j, ok := resp.(node.RespJoinSuccess)
		if !ok {
			return nil, fmt.Errorf("mailbox: unexpected response %T", resp)
		}
		return j.PeerAddrs, nil
	}
	if !errors.Is(err, errWrongLeader) {
		return nil, err
	}

	remoteAddr, ok := m.wrongLeaderAddr()
	if !ok {
		return nil, ErrLeadershipUnstable
	}
	return m.addNodeRemote(ctx, remoteAddr, id, addr)
}

// Join reserves the next peer id and admits addr under it, as one
// logical client operation. Each of its two steps gets its own
// single-reroute budget; a leadership change between them surfaces as
// ErrLeadershipUnstable, same as any other redirect failure.
func (m *Mailbox) Join(ctx context.Context, addr string) (uint64, map[uint64]string, error) {
	id, err := m.RequestID(ctx)
	if err != nil {
		return 0, nil, err
	}
	peers, err := m.AddNode(ctx, id, addr)
	if err != nil {
		return 0, nil, err
	}
	return id, peers, nil
}

var errWrongLeader = errors.New("mailbox: wrong leader")

func (m *Mailbox) rememberLeader(r node.RespWrongLeader) {
	if r.LeaderAddr == "" {
		return
	}
	m.mu.Lock()
	m.leaderAddr = r.LeaderAddr
	m.mu.Unlock()
}

func (m *Mailbox) wrongLeaderAddr() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.leaderAddr == "" {
		return "", false
	}
	return m.leaderAddr, true
}

func (m *Mailbox) proposeLocal(ctx context.Context, data []byte) ([]byte, error) {
	reply := make(chan interface{}, 1)
	if err := m.push(ctx, node.ProposeRequest{Data: data, Reply: reply}); err != nil {
		return nil, err
	}

	resp, err := m.await(ctx, reply)
	if err != nil {
		return nil, err
	}

	switch r := resp.(type) {
	case node.RespData:
		return r.Data, nil
	case node.RespWrongLeader:
		m.rememberLeader(r)
		return nil, errWrongLeader
	case node.RespNoLeader:
		return nil, ErrLeadershipUnstable
	default:
		return nil, fmt.Errorf("mailbox: unexpected response %T", resp)
	}
}

func (m *Mailbox) confChangeLocal(ctx context.Context, cc raftpb.ConfChange) (interface{}, error) {
	reply := make(chan interface{}, 1)
	if err := m.push(ctx, node.ConfChangeRequest{Change: cc, Reply: reply}); err != nil {
		return nil, err
	}

	resp, err := m.await(ctx, reply)
	if err != nil {
		return nil, err
	}

	switch r := resp.(type) {
	case node.RespWrongLeader:
		m.rememberLeader(r)
		return nil, errWrongLeader
	case node.RespNoLeader:
		return nil, ErrLeadershipUnstable
	default:
		return resp, nil
	}
}

func (m *Mailbox) push(ctx context.Context, req interface{}) error {
	select {
	case m.inbound <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Mailbox) await(ctx context.Context, reply <-chan interface{}) (interface{}, error) {
	select {
	case v, ok := <-reply:
		if !ok {
			return nil, ErrTimeout
		}
		return v, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

func marshalAddrList(addrs []string) []byte {
	b, _ := json.Marshal(addrs)
	return b
}

// --- remote reroute (HTTP) ---

func (m *Mailbox) proposeRemote(ctx context.Context, addr string, data []byte) ([]byte, error) {
	body, status, err := m.doPost(ctx, addr, "/raft/propose", data)
	if err != nil {
		return nil, err
	}
	if status == http.StatusConflict {
		return nil, ErrLeadershipUnstable
	}
	return body, nil
}

func (m *Mailbox) leaveRemote(ctx context.Context, addr string, nodeID uint64, peerAddr string) error {
	payload, _ := json.Marshal(map[string]interface{}{"node_id": nodeID, "addr": peerAddr})
	_, status, err := m.doPost(ctx, addr, "/raft/leave", payload)
	if err != nil {
		return err
	}
	if status == http.StatusConflict {
		return ErrLeadershipUnstable
	}
	return nil
}

func (m *Mailbox) requestIDRemote(ctx context.Context, addr string) (uint64, error) {
	body, status, err := m.doPost(ctx, addr, "/raft/request-id", nil)
	if err != nil {
		return 0, err
	}
	if status == http.StatusConflict {
		return 0, ErrLeadershipUnstable
	}
	var out struct {
		ID uint64 `json:"id"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, err
	}
	return out.ID, nil
}

func (m *Mailbox) addNodeRemote(ctx context.Context, addr string, id uint64, peerAddr string) (map[uint64]string, error) {
	payload, _ := json.Marshal(map[string]interface{}{"id": id, "addr": peerAddr})
	body, status, err := m.doPost(ctx, addr, "/raft/add-node", payload)
	if err != nil {
		return nil, err
	}
	if status == http.StatusConflict {
		return nil, ErrLeadershipUnstable
	}
	var out map[uint64]string
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Mailbox) doPost(ctx context.Context, addr, path string, payload []byte) ([]byte, int, error) {
	url := fmt.Sprintf("http://%s%s", addr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}
