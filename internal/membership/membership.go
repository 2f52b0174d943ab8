// Package membership tracks the cluster's peer set: known addresses,
// reserved-but-unpopulated ids, and the arithmetic for admitting new
// members.
package membership

import "sync"

// Peer is one entry in the cluster's peer table. Addr is empty while the
// id is reserved but not yet populated by a committed AddNode entry.
type Peer struct {
	ID   uint64
	Addr string
}

// Registry is the in-process peer table, guarded for concurrent reads
// from the HTTP control surface and writes from the node's event loop.
type Registry struct {
	mu     sync.RWMutex
	selfID uint64
	peers  map[uint64]*Peer
}

// New returns a Registry for a node with the given id. The node's own id
// is never added to the peer table — Addrs() never includes self,
// matching the source's peers dict semantics.
func New(selfID uint64) *Registry {
	return &Registry{selfID: selfID, peers: make(map[uint64]*Peer)}
}

// ReserveNextID allocates the next peer id without an address, following
// max(existing peer ids ∪ {self id}) + 1.
func (r *Registry) ReserveNextID() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := uint64(1)
	for id := range r.peers {
		if id+1 > next {
			next = id + 1
		}
	}
	if next <= r.selfID {
		next = r.selfID + 1
	}
	r.peers[next] = &Peer{ID: next}
	return next
}

// Put records addr for id, overwriting any prior reservation or address.
// Putting this node's own id is a no-op.
func (r *Registry) Put(id uint64, addr string) {
	if id == r.selfID {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[id] = &Peer{ID: id, Addr: addr}
}

// Remove deletes id from the registry. Removing an id that was never
// present is a no-op.
func (r *Registry) Remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, id)
}

// Get returns the peer entry for id, if any.
func (r *Registry) Get(id uint64) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// Addrs returns a snapshot of id -> address for every peer with a
// populated address (reserved-but-empty entries are omitted).
func (r *Registry) Addrs() map[uint64]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[uint64]string, len(r.peers))
	for id, p := range r.peers {
		if p.Addr != "" {
			out[id] = p.Addr
		}
	}
	return out
}

// Has reports whether id has any entry, reserved or populated.
func (r *Registry) Has(id uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.peers[id]
	return ok
}
