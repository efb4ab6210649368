package grpcmsg

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/szmyd/graft/pkg/msg"
	"github.com/szmyd/graft/pkg/raft"
)

func TestExchangeLoopback(t *testing.T) {
	lis, err := NewListener("127.0.0.1:0")
	require.NoError(t, err)

	lis.Listen(func(req *msg.Request) (*msg.Response, error) {
		resp := msg.NewResponse(req.Type.ResponseType(), req.Term, req.Dst, req.Src)
		resp.Accept(req.LastLogIdx + 1)
		resp.Ctx = []byte("pong")
		return resp, nil
	})
	defer lis.Stop()

	client, err := NewFactory().CreateClient(lis.Endpoint())
	require.NoError(t, err)
	defer client.Close()

	req := msg.NewRequest(msg.TypeAppendEntriesRequest, 5, 1, 2)
	req.LastLogIdx = 10
	req.Entries = []*msg.LogEntry{
		msg.NewLogEntry(5, msg.ValueAppLog, []byte("payload")),
	}

	done := make(chan struct{})
	var resp *msg.Response
	var sendErr error
	client.Send(req, 5*time.Second, func(r *msg.Response, err error) {
		resp, sendErr = r, err
		close(done)
	})

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("no response from loopback exchange")
	}

	require.NoError(t, sendErr)
	require.Equal(t, msg.TypeAppendEntriesResponse, resp.Type)
	require.True(t, resp.Accepted)
	require.Equal(t, uint64(11), resp.NextIdx)
	require.Equal(t, []byte("pong"), resp.Ctx)
}

func TestSendAfterClose(t *testing.T) {
	lis, err := NewListener("127.0.0.1:0")
	require.NoError(t, err)
	lis.Listen(func(req *msg.Request) (*msg.Response, error) {
		return msg.NewResponse(req.Type.ResponseType(), req.Term, req.Dst, req.Src), nil
	})
	defer lis.Stop()

	client, err := NewFactory().CreateClient(lis.Endpoint())
	require.NoError(t, err)
	require.NoError(t, client.Close())
	require.True(t, client.IsAbandoned())

	done := make(chan error, 1)
	client.Send(msg.NewRequest(msg.TypeAppendEntriesRequest, 1, 1, 2), time.Second,
		func(r *msg.Response, err error) { done <- err })
	require.Error(t, <-done)
}

var _ raft.Listener = (*Listener)(nil)
var _ raft.ClientFactory = (*Factory)(nil)
