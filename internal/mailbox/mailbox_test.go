package mailbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raftwire/raftd/internal/node"
)

func TestSendReturnsDataOnDirectCommit(t *testing.T) {
	inbound := make(chan interface{}, 1)
	mb := New(1, inbound, 0)

	go func() {
		req := (<-inbound).(node.ProposeRequest)
		req.Reply <- node.RespData{Data: []byte("ok")}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	data, err := mb.Send(ctx, []byte("cmd"))
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), data)
}

func TestSendWithoutKnownLeaderReturnsLeadershipUnstable(t *testing.T) {
	inbound := make(chan interface{}, 1)
	mb := New(1, inbound, 0)

	go func() {
		req := (<-inbound).(node.ProposeRequest)
		req.Reply <- node.RespNoLeader{}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := mb.Send(ctx, []byte("cmd"))
	assert.ErrorIs(t, err, ErrLeadershipUnstable)
}

func TestSendTimesOutWhenNoReplyArrives(t *testing.T) {
	inbound := make(chan interface{}, 1)
	mb := New(1, inbound, 0)

	go func() { <-inbound }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := mb.Send(ctx, []byte("cmd"))
	assert.Error(t, err)
}
