package raft_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/szmyd/graft/pkg/calc"
	"github.com/szmyd/graft/pkg/raft"
)

func TestParallelLogAppending(t *testing.T) {
	c := newTestCluster(t, []int32{1, 2, 3}, func(p *raft.Params) {
		p.ParallelLogAppending = true
	})
	leader := c.waitLeader(10 * time.Second)

	// With parallel appending the leader's own contribution to the
	// quorum is bounded by its durable index; commits still proceed
	// because the followers flush before acknowledging.
	for i := 1; i <= 5; i++ {
		v, err := c.submit(leader, calc.OpAdd, 1)
		require.NoError(t, err)
		require.Equal(t, int64(i), v)
	}
	c.waitValue(5, 5*time.Second)
}

func TestUrgentCommitOnDedicatedWorker(t *testing.T) {
	c := newTestCluster(t, []int32{1, 2, 3}, func(p *raft.Params) {
		p.UseBgThreadForUrgentCommit = true
	})
	leader := c.waitLeader(10 * time.Second)

	for i := 1; i <= 3; i++ {
		v, err := c.submit(leader, calc.OpAdd, 2)
		require.NoError(t, err)
		require.Equal(t, int64(2*i), v)
	}
	c.waitValue(6, 5*time.Second)
}

func TestBatchHintPausesAndResumesReplication(t *testing.T) {
	c := newTestCluster(t, []int32{1, 2, 3}, func(p *raft.Params) {
		p.ReturnMethod = raft.AsyncHandler
	})
	leader := c.waitLeader(10 * time.Second)

	_, err := c.submit(leader, calc.OpAdd, 1)
	require.NoError(t, err)
	waitAll := func(v int64) {
		c.waitValue(v, 10*time.Second)
	}
	// submit is async here; wait for the first write to land everywhere.
	waitAll(1)

	// A negative hint pauses entry shipping; the next write must not
	// reach the followers while paused.
	leader.sm.SetBatchHint(-1)
	res := leader.server.AppendEntries([][]byte{calc.EncodeCommand(calc.OpAdd, 1)})

	time.Sleep(500 * time.Millisecond)
	for _, n := range c.nodes {
		if n.id == leader.id {
			continue
		}
		require.Equal(t, int64(1), n.sm.Value(), "entries replicated while paused")
	}

	// Lifting the hint drains the backlog and the pending write commits.
	leader.sm.SetBatchHint(0)
	_, err = res.Await(10 * time.Second)
	require.NoError(t, err)
	waitAll(2)
}
