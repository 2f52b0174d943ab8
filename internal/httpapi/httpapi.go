// Package httpapi exposes the cluster control surface (spec.md §6:
// GET /peers, POST /join, POST /leave) plus the peer-message ingress the
// transport package targets, all multiplexed on one listener with
// gorilla/mux.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"go.etcd.io/raft/v3/raftpb"

	"github.com/raftwire/raftd/internal/mailbox"
	"github.com/raftwire/raftd/internal/node"
)

// API wires a node and its mailbox to HTTP.
type API struct {
	node    *node.Node
	mailbox *mailbox.Mailbox
	logger  *zap.Logger
}

// New builds an API for the given node and mailbox.
func New(n *node.Node, mb *mailbox.Mailbox, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{node: n, mailbox: mb, logger: logger}
}

// Router builds the mux.Router serving every route this node exposes.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(a.requestIDMiddleware)

	r.HandleFunc("/peers", a.handlePeers).Methods(http.MethodGet)
	r.HandleFunc("/join", a.handleJoin).Methods(http.MethodPost)
	r.HandleFunc("/leave", a.handleLeave).Methods(http.MethodPost)

	r.HandleFunc("/raft/message", a.handleRaftMessage).Methods(http.MethodPost)
	r.HandleFunc("/raft/propose", a.handleRaftPropose).Methods(http.MethodPost)
	r.HandleFunc("/raft/leave", a.handleRaftLeave).Methods(http.MethodPost)
	r.HandleFunc("/raft/request-id", a.handleRaftRequestID).Methods(http.MethodPost)
	r.HandleFunc("/raft/add-node", a.handleRaftAddNode).Methods(http.MethodPost)

	return r
}

func (a *API) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.New().String()
		a.logger.Debug("http request", zap.String("request_id", reqID), zap.String("path", r.URL.Path))
		next.ServeHTTP(w, r)
	})
}

func (a *API) handlePeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.node.PeerAddrs())
}

type joinRequest struct {
	Addr string `json:"addr"`
}

type joinResponse struct {
	ID    uint64            `json:"id"`
	Peers map[uint64]string `json:"peers"`
}

func (a *API) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id, peers, err := a.mailbox.Join(r.Context(), req.Addr)
	if a.writeMailboxError(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, joinResponse{ID: id, Peers: peers})
}

type leaveRequest struct {
	NodeID uint64 `json:"node_id"`
	Addr   string `json:"addr"`
}

func (a *API) handleLeave(w http.ResponseWriter, r *http.Request) {
	var req leaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err := a.mailbox.Leave(r.Context(), req.NodeID, req.Addr)
	if a.writeMailboxError(w, err) {
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleRaftMessage is the peer-to-peer wire ingress: a raftpb.Message,
// marshaled by another node's transport.Sender, arrives here and is
// stepped into this node's RawNode.
func (a *API) handleRaftMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var msg raftpb.Message
	if err := msg.Unmarshal(body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	select {
	case a.node.Inbound() <- node.StepRequest{Message: msg}:
		w.WriteHeader(http.StatusOK)
	case <-r.Context().Done():
		http.Error(w, r.Context().Err().Error(), http.StatusRequestTimeout)
	}
}

// handleRaftPropose is the reroute target mailbox.Send posts to when a
// client's local node wasn't leader.
func (a *API) handleRaftPropose(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	data, err := a.mailbox.Send(r.Context(), body)
	if a.writeMailboxError(w, err) {
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (a *API) handleRaftLeave(w http.ResponseWriter, r *http.Request) {
	var req leaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err := a.mailbox.Leave(r.Context(), req.NodeID, req.Addr)
	if a.writeMailboxError(w, err) {
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *API) handleRaftRequestID(w http.ResponseWriter, r *http.Request) {
	id, err := a.mailbox.RequestID(r.Context())
	if a.writeMailboxError(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"id": id})
}

type addNodeRequest struct {
	ID   uint64 `json:"id"`
	Addr string `json:"addr"`
}

func (a *API) handleRaftAddNode(w http.ResponseWriter, r *http.Request) {
	var req addNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	peers, err := a.mailbox.AddNode(r.Context(), req.ID, req.Addr)
	if a.writeMailboxError(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, peers)
}

// writeMailboxError translates a mailbox error into the right HTTP
// status, writing a response and reporting true if it did so (callers
// should return immediately in that case). ErrLeadershipUnstable maps to
// 409 Conflict, the wire signal a peer one hop further uses to stop
// redirecting rather than chase a second hop.
func (a *API) writeMailboxError(w http.ResponseWriter, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, mailbox.ErrLeadershipUnstable) {
		w.WriteHeader(http.StatusConflict)
		return true
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
