package raft_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/szmyd/graft/pkg/calc"
	"github.com/szmyd/graft/pkg/raft"
)

func TestThreeNodeHappyPath(t *testing.T) {
	c := newTestCluster(t, []int32{1, 2, 3}, nil)
	leader := c.waitLeader(10 * time.Second)

	v, err := c.submit(leader, calc.OpAdd, 3)
	require.NoError(t, err)
	require.Equal(t, int64(3), v)

	v, err = c.submit(leader, calc.OpAdd, 5)
	require.NoError(t, err)
	require.Equal(t, int64(8), v)

	c.waitValue(8, 5*time.Second)
	c.assertLeaderUniquePerTerm()

	// Commit progress is identical everywhere once replication settles.
	require.Eventually(t, func() bool {
		want := leader.server.CommittedIndex()
		for _, n := range c.nodes {
			if n.server.CommittedIndex() != want {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
}

func TestLeaderKillAndRecovery(t *testing.T) {
	c := newTestCluster(t, []int32{1, 2, 3}, nil)
	leader := c.waitLeader(10 * time.Second)
	firstTerm := leader.server.Term()

	v, err := c.submit(leader, calc.OpAdd, 3)
	require.NoError(t, err)
	require.Equal(t, int64(3), v)
	v, err = c.submit(leader, calc.OpAdd, 5)
	require.NoError(t, err)
	require.Equal(t, int64(8), v)
	c.waitValue(8, 5*time.Second)

	oldID := leader.id
	c.stop(oldID)

	newLeader := c.waitNewLeader(oldID, 10*time.Second)
	require.GreaterOrEqual(t, newLeader.server.Term(), firstTerm+1)

	v, err = c.submit(newLeader, calc.OpMul, 2)
	require.NoError(t, err)
	require.Equal(t, int64(16), v)

	// The restarted server catches up and converges on the same value.
	c.restart(oldID)
	require.Eventually(t, func() bool {
		return c.nodes[oldID].sm.Value() == 16
	}, 10*time.Second, 10*time.Millisecond)
	c.assertLeaderUniquePerTerm()
}

func TestTermIsMonotonicAcrossRestart(t *testing.T) {
	c := newTestCluster(t, []int32{1, 2, 3}, nil)
	leader := c.waitLeader(10 * time.Second)
	termBefore := leader.server.Term()

	id := leader.id
	c.stop(id)
	c.waitNewLeader(id, 10*time.Second)

	c.restart(id)
	require.GreaterOrEqual(t, c.nodes[id].server.Term(), termBefore)
}

func TestNotLeaderWithoutForwarding(t *testing.T) {
	c := newTestCluster(t, []int32{1, 2, 3}, nil) // auto-forwarding off by default
	leader := c.waitLeader(10 * time.Second)

	var follower *testNode
	for _, n := range c.nodes {
		if n.id != leader.id {
			follower = n
			break
		}
	}

	res := follower.server.AppendEntries([][]byte{calc.EncodeCommand(calc.OpAdd, 1)})
	_, err := res.Await(2 * time.Second)
	require.ErrorIs(t, err, raft.ErrNotLeader)
}

func TestEmptyBatchIsBadRequest(t *testing.T) {
	c := newTestCluster(t, []int32{1}, nil)
	leader := c.waitLeader(10 * time.Second)

	res := leader.server.AppendEntries(nil)
	_, err := res.Await(time.Second)
	require.ErrorIs(t, err, raft.ErrBadRequest)
	require.Equal(t, raft.ResultBadRequest, res.Code())
}

func TestDivideByZeroIsBadRequest(t *testing.T) {
	c := newTestCluster(t, []int32{1, 2, 3}, nil)
	leader := c.waitLeader(10 * time.Second)

	_, err := c.submit(leader, calc.OpAdd, 10)
	require.NoError(t, err)

	res := leader.server.AppendEntries([][]byte{calc.EncodeCommand(calc.OpDiv, 0)})
	_, err = res.Await(2 * time.Second)
	require.ErrorIs(t, err, raft.ErrBadRequest)

	// The rejected command never reached any state machine.
	c.waitValue(10, 5*time.Second)
}

func TestSingleNodeCluster(t *testing.T) {
	c := newTestCluster(t, []int32{1}, nil)
	leader := c.waitLeader(5 * time.Second)
	require.Equal(t, int32(1), leader.id)

	v, err := c.submit(leader, calc.OpSet, 41)
	require.NoError(t, err)
	require.Equal(t, int64(41), v)

	v, err = c.submit(leader, calc.OpAdd, 1)
	require.NoError(t, err)
	require.Equal(t, int64(42), v)
}

func TestPreVoteKeepsTermStableUnderPartition(t *testing.T) {
	c := newTestCluster(t, []int32{1, 2, 3}, nil)
	leader := c.waitLeader(10 * time.Second)

	_, err := c.submit(leader, calc.OpAdd, 1)
	require.NoError(t, err)

	// Isolate one follower long enough for many election timeouts.
	var isolated *testNode
	for _, n := range c.nodes {
		if n.id != leader.id {
			isolated = n
			break
		}
	}
	c.net.Partition(isolated.endpoint)
	termBefore := leader.server.Term()
	time.Sleep(1 * time.Second)

	// Pre-vote cannot gather a quorum, so the isolated server must not
	// have inflated its term; healing it must not dethrone the leader.
	c.net.Heal(isolated.endpoint)
	time.Sleep(500 * time.Millisecond)

	require.Equal(t, termBefore, leader.server.Term())
	require.True(t, leader.server.IsLeader())
	c.assertLeaderUniquePerTerm()
}

func TestPendingRequestCancelledOnLeadershipLoss(t *testing.T) {
	c := newTestCluster(t, []int32{1, 2, 3}, func(p *raft.Params) {
		p.ReturnMethod = raft.AsyncHandler
	})
	leader := c.waitLeader(10 * time.Second)

	// Cut the leader off so the request cannot commit, then watch the
	// pending future resolve with CANCELLED when it steps down.
	c.net.Partition(leader.endpoint)
	res := leader.server.AppendEntries([][]byte{calc.EncodeCommand(calc.OpAdd, 1)})

	c.waitNewLeader(leader.id, 10*time.Second)
	c.net.Heal(leader.endpoint)

	_, err := res.Await(10 * time.Second)
	require.ErrorIs(t, err, raft.ErrCancelled)
}
