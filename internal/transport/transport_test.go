package transport

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/raft/v3/raftpb"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestSendUnknownPeerIsDropped(t *testing.T) {
	inbound := make(chan interface{}, 1)
	s := New(inbound, nil, 0, 0)
	s.Send([]raftpb.Message{{To: 99}})

	select {
	case <-inbound:
		t.Fatal("expected no unreachable report for an unknown peer")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSendUnknownPeerLogsDebugDrop(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	s := New(nil, zap.New(core), 0, 0)
	s.Send([]raftpb.Message{{To: 99}})

	entries := logs.FilterMessage("dropping message to unknown peer").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zap.DebugLevel, entries[0].Level)
}

func TestSendDeliversToRegisteredPeer(t *testing.T) {
	received := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(buf)
		received <- buf
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := New(nil, nil, 0, 0)
	s.SetAddr(2, srv.Listener.Addr().String())

	msg := raftpb.Message{To: 2, From: 1, Term: 1}
	s.Send([]raftpb.Message{msg})

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestSendReportsUnreachableAfterRetriesExhausted(t *testing.T) {
	inbound := make(chan interface{}, 1)
	s := New(inbound, nil, 5*time.Millisecond, 2)
	s.SetAddr(3, "127.0.0.1:1")

	s.Send([]raftpb.Message{{To: 3}})

	select {
	case ev := <-inbound:
		u, ok := ev.(Unreachable)
		require.True(t, ok)
		assert.Equal(t, uint64(3), u.To)
	case <-time.After(2 * time.Second):
		t.Fatal("expected an Unreachable report")
	}
}
