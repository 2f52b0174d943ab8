package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raftwire/raftd/internal/mailbox"
	"github.com/raftwire/raftd/internal/node"
	"github.com/raftwire/raftd/internal/statemachine"
	"github.com/raftwire/raftd/internal/storage"
)

func newTestAPI(t *testing.T) (*httptest.Server, *node.Node) {
	t.Helper()
	st, err := storage.Open(filepath.Join(t.TempDir(), "raft.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	n, err := node.NewLeader(node.Config{ID: 1, Storage: st, SM: statemachine.NewMemKV()})
	require.NoError(t, err)

	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	go n.Run(done)

	mb := mailbox.New(n.ID(), n.Inbound(), 0)
	api := New(n, mb, nil)
	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)

	return srv, n
}

func TestGetPeersStartsEmpty(t *testing.T) {
	srv, _ := newTestAPI(t)

	resp, err := http.Get(srv.URL + "/peers")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var peers map[uint64]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&peers))
	assert.Empty(t, peers)
}

func TestJoinAddsPeerVisibleInPeers(t *testing.T) {
	srv, _ := newTestAPI(t)

	body, _ := json.Marshal(joinRequest{Addr: "127.0.0.1:9001"})
	resp, err := http.Post(srv.URL+"/join", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var joined joinResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&joined))
	assert.Equal(t, uint64(2), joined.ID)

	assert.Eventually(t, func() bool {
		r, err := http.Get(srv.URL + "/peers")
		require.NoError(t, err)
		defer r.Body.Close()
		var peers map[uint64]string
		_ = json.NewDecoder(r.Body).Decode(&peers)
		return peers[2] == "127.0.0.1:9001"
	}, 2*time.Second, 20*time.Millisecond)
}
