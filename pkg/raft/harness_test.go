package raft_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/szmyd/graft/pkg/calc"
	"github.com/szmyd/graft/pkg/msg"
	"github.com/szmyd/graft/pkg/raft"
	"github.com/szmyd/graft/pkg/rpc"
	"github.com/szmyd/graft/pkg/store"
)

// fastParams keeps cluster tests quick while honoring the 10x
// heartbeat/election sanity rule.
func fastParams() *raft.Params {
	p := raft.DefaultParams()
	p.ElectionTimeoutMin = 100 * time.Millisecond
	p.ElectionTimeoutMax = 200 * time.Millisecond
	p.HeartbeatInterval = 10 * time.Millisecond
	p.ClientReqTimeout = 2 * time.Second
	p.AutoForwardingReqTimeout = 2 * time.Second
	p.NewServerCatchUpTimeout = 10 * time.Second
	return p
}

func endpointOf(id int32) string { return fmt.Sprintf("srv%d", id) }

type testNode struct {
	id       int32
	endpoint string
	sm       *calc.StateMachine
	mgr      *store.InMemStateManager
	server   *raft.Server
	stopped  bool
}

type testCluster struct {
	t      *testing.T
	net    *rpc.Network
	params *raft.Params
	nodes  map[int32]*testNode

	// factory lets tests wrap the per-node client factory.
	factory func(n *testNode) raft.ClientFactory

	callbacks func(id int32) raft.CallbackFunc
}

func newTestCluster(t *testing.T, ids []int32, tune func(*raft.Params)) *testCluster {
	return newTestClusterWithConfig(t, ids, nil, tune)
}

// newTestClusterWithConfig additionally lets the caller adjust the shared
// initial configuration (priorities, learner flags) before servers start.
func newTestClusterWithConfig(t *testing.T, ids []int32, confTune func(*msg.ClusterConfig), tune func(*raft.Params)) *testCluster {
	return newTestClusterFull(t, ids, confTune, tune, nil)
}

// newTestClusterFull is the most general constructor: factoryWrap (when
// non-nil) decorates each node's client factory, e.g. to count created
// connections.
func newTestClusterFull(t *testing.T, ids []int32, confTune func(*msg.ClusterConfig), tune func(*raft.Params), factoryWrap func(id int32, inner raft.ClientFactory) raft.ClientFactory) *testCluster {
	t.Helper()
	c := &testCluster{
		t:      t,
		net:    rpc.NewNetwork(),
		params: fastParams(),
		nodes:  make(map[int32]*testNode),
	}
	if tune != nil {
		tune(c.params)
	}
	c.factory = func(n *testNode) raft.ClientFactory {
		inner := c.net.Factory(n.endpoint)
		if factoryWrap != nil {
			return factoryWrap(n.id, inner)
		}
		return inner
	}

	conf := msg.NewClusterConfig(0, 0)
	for _, id := range ids {
		conf.Servers = append(conf.Servers, msg.NewSrvConfig(id, endpointOf(id)))
	}
	if confTune != nil {
		confTune(conf)
	}
	for _, id := range ids {
		c.addNode(id, conf)
	}

	t.Cleanup(c.shutdownAll)
	return c
}

// addNode builds and starts one server with the given initial config.
func (c *testCluster) addNode(id int32, conf *msg.ClusterConfig) *testNode {
	c.t.Helper()
	n := &testNode{
		id:       id,
		endpoint: endpointOf(id),
		sm:       calc.New(),
		mgr:      store.NewInMemStateManager(id, conf),
	}
	c.startNode(n)
	c.nodes[id] = n
	return n
}

func (c *testCluster) startNode(n *testNode) {
	c.t.Helper()
	var cb raft.CallbackFunc
	if c.callbacks != nil {
		cb = c.callbacks(n.id)
	}
	server, err := raft.NewServer(raft.ServerOptions{
		StateMachine:  n.sm,
		StateManager:  n.mgr,
		ClientFactory: c.factory(n),
		Listener:      c.net.Listener(n.endpoint),
		Params:        c.params.Clone(),
		Logger:        zap.NewNop().Sugar(),
		Callback:      cb,
	})
	require.NoError(c.t, err)
	n.server = server
	n.stopped = false
	server.Start()
}

func (c *testCluster) stop(id int32) {
	n := c.nodes[id]
	if n == nil || n.stopped {
		return
	}
	n.stopped = true
	n.server.Shutdown(2 * time.Second)
}

// restart brings a stopped node back with its persisted state and the same
// state machine instance.
func (c *testCluster) restart(id int32) {
	c.t.Helper()
	n := c.nodes[id]
	require.NotNil(c.t, n)
	require.True(c.t, n.stopped)
	c.net.Heal(n.endpoint)
	c.startNode(n)
}

func (c *testCluster) shutdownAll() {
	for id := range c.nodes {
		c.stop(id)
	}
}

func (c *testCluster) leader() *testNode {
	for _, n := range c.nodes {
		if !n.stopped && n.server.IsLeader() {
			return n
		}
	}
	return nil
}

func (c *testCluster) waitLeader(timeout time.Duration) *testNode {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if n := c.leader(); n != nil {
			return n
		}
		time.Sleep(10 * time.Millisecond)
	}
	c.t.Fatal("no leader elected in time")
	return nil
}

func (c *testCluster) waitNewLeader(exclude int32, timeout time.Duration) *testNode {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if n := c.leader(); n != nil && n.id != exclude {
			return n
		}
		time.Sleep(10 * time.Millisecond)
	}
	c.t.Fatalf("no leader other than %d elected in time", exclude)
	return nil
}

// submit replicates one calculator op through the given node and returns
// the state machine result.
func (c *testCluster) submit(n *testNode, op calc.Op, operand int64) (int64, error) {
	res := n.server.AppendEntries([][]byte{calc.EncodeCommand(op, operand)})
	data, err := res.Await(5 * time.Second)
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, nil
	}
	return calc.DecodeResult(data)
}

// waitValue polls until every running node's state machine reaches v.
func (c *testCluster) waitValue(v int64, timeout time.Duration) {
	c.t.Helper()
	require.Eventually(c.t, func() bool {
		for _, n := range c.nodes {
			if n.stopped {
				continue
			}
			if n.sm.Value() != v {
				return false
			}
		}
		return true
	}, timeout, 10*time.Millisecond, "state machines did not converge on %d", v)
}

// assertLeaderUniquePerTerm checks that no two running servers claim
// leadership in the same term.
func (c *testCluster) assertLeaderUniquePerTerm() {
	c.t.Helper()
	leadersByTerm := make(map[uint64][]int32)
	for _, n := range c.nodes {
		if !n.stopped && n.server.IsLeader() {
			term := n.server.Term()
			leadersByTerm[term] = append(leadersByTerm[term], n.id)
		}
	}
	for term, ids := range leadersByTerm {
		require.Len(c.t, ids, 1, "multiple leaders in term %d: %v", term, ids)
	}
}
