package raft_test

import (
	"sync"
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

// TestOutOfLogFollowerRecoversViaSnapshot seeds a leader whose log starts
// at 1000 (everything earlier folded into a snapshot) and a follower with
// an empty log. The follower must get the out-of-log warning, then a full
// logical snapshot transfer, and finally converge through normal appends.
func TestOutOfLogFollowerRecoversViaSnapshot(t *testing.T) {
	net := rpc.NewNetwork()

	conf := msg.NewClusterConfig(0, 0)
	sv1 := msg.NewSrvConfig(1, "srv1")
	sv1.Priority = 100
	sv2 := msg.NewSrvConfig(2, "srv2")
	sv2.Priority = 1
	conf.Servers = append(conf.Servers, sv1, sv2)

	// Seed server 1: entries 1..1200 (each +1), snapshot at 999, log
	// compacted so start_index is 1000.
	mgr1 := store.NewInMemStateManager(1, conf)
	log1 := mgr1.LoadLogStore()
	for i := 1; i <= 1200; i++ {
		_, err := log1.Append(msg.NewLogEntry(1, msg.ValueAppLog, calc.EncodeCommand(calc.OpAdd, 1)))
		require.NoError(t, err)
	}
	require.NoError(t, log1.Flush())
	require.NoError(t, log1.Compact(999))
	require.NoError(t, mgr1.SaveState(&raft.SrvState{Term: 1, VotedFor: raft.NoVote, ElectionTimerAllowed: true}))

	sm1 := calc.New()
	for i := uint64(1); i <= 999; i++ {
		_, err := sm1.Commit(i, calc.EncodeCommand(calc.OpAdd, 1))
		require.NoError(t, err)
	}
	snp := msg.NewSnapshot(999, 1, conf.Clone(), 0)
	sm1.CreateSnapshot(snp, func(err error) { require.NoError(t, err) })

	// Server 2 starts empty and records the out-of-log warning.
	mgr2 := store.NewInMemStateManager(2, conf)
	sm2 := calc.New()

	var warnMu sync.Mutex
	var warnedStartIdx uint64
	cb2 := func(p *raft.CallbackParam) {
		if p.Type == raft.CbOutOfLogRangeWarning {
			if args, ok := p.Ctx.(*raft.OutOfLogRangeArgs); ok {
				warnMu.Lock()
				warnedStartIdx = args.StartIdxOfLeader
				warnMu.Unlock()
			}
		}
	}

	params := fastParams()
	newSrv := func(mgr *store.InMemStateManager, sm *calc.StateMachine, endpoint string, cb raft.CallbackFunc) *raft.Server {
		s, err := raft.NewServer(raft.ServerOptions{
			StateMachine:  sm,
			StateManager:  mgr,
			ClientFactory: net.Factory(endpoint),
			Listener:      net.Listener(endpoint),
			Params:        params.Clone(),
			Logger:        zap.NewNop().Sugar(),
			Callback:      cb,
		})
		require.NoError(t, err)
		return s
	}

	s1 := newSrv(mgr1, sm1, "srv1", nil)
	s2 := newSrv(mgr2, sm2, "srv2", cb2)
	defer s1.Shutdown(2 * time.Second)
	defer s2.Shutdown(2 * time.Second)
	s1.Start()
	s2.Start()

	require.Eventually(t, func() bool {
		return s1.IsLeader()
	}, 15*time.Second, 10*time.Millisecond, "high-priority seeded server did not take leadership")

	// The follower observes the warning with the leader's start index.
	require.Eventually(t, func() bool {
		warnMu.Lock()
		defer warnMu.Unlock()
		return warnedStartIdx == 1000
	}, 15*time.Second, 10*time.Millisecond, "out-of-log warning not observed")

	require.Eventually(t, func() bool {
		return s2.OutOfLogRange() || s2.CommittedIndex() >= 999
	}, 15*time.Second, 10*time.Millisecond)

	// Snapshot install brings the follower to 999, then appends carry it
	// to the leader's tip: 999 from the snapshot plus entries 1000..1200.
	require.Eventually(t, func() bool {
		return s2.CommittedIndex() >= 999
	}, 15*time.Second, 10*time.Millisecond, "snapshot was not installed")

	require.Eventually(t, func() bool {
		return sm2.Value() == 1200 && sm1.Value() == 1200
	}, 15*time.Second, 10*time.Millisecond, "follower did not converge after snapshot")

	// Every snapshot reader context handed out was released.
	require.Eventually(t, func() bool {
		allocs, frees := sm1.ReadCtxBalance()
		return allocs > 0 && allocs == frees
	}, 10*time.Second, 10*time.Millisecond, "snapshot reader contexts leaked")
}

func TestAutomaticSnapshotCreationAndCompaction(t *testing.T) {
	c := newTestCluster(t, []int32{1}, func(p *raft.Params) {
		p.SnapshotDistance = 10
		p.ReservedLogItems = 2
	})
	leader := c.waitLeader(10 * time.Second)

	for i := 0; i < 30; i++ {
		_, err := c.submit(leader, calc.OpAdd, 1)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return leader.sm.LastSnapshot() != nil
	}, 10*time.Second, 10*time.Millisecond, "no snapshot was created")

	require.Eventually(t, func() bool {
		return leader.mgr.LoadLogStore().StartIndex() > 1
	}, 10*time.Second, 10*time.Millisecond, "log was not compacted after snapshot")

	require.Equal(t, int64(30), leader.sm.Value())
}

func TestAsyncSnapshotCreationInCluster(t *testing.T) {
	net := rpc.NewNetwork()
	conf := msg.NewClusterConfig(0, 0)
	conf.Servers = append(conf.Servers, msg.NewSrvConfig(1, "srv1"))

	mgr := store.NewInMemStateManager(1, conf)
	sm := calc.NewAsync()

	params := fastParams()
	params.SnapshotDistance = 5
	params.ReservedLogItems = 1

	s, err := raft.NewServer(raft.ServerOptions{
		StateMachine:  sm,
		StateManager:  mgr,
		ClientFactory: net.Factory("srv1"),
		Listener:      net.Listener("srv1"),
		Params:        params,
		Logger:        zap.NewNop().Sugar(),
	})
	require.NoError(t, err)
	s.Start()
	defer s.Shutdown(2 * time.Second)

	require.Eventually(t, func() bool { return s.IsLeader() }, 10*time.Second, 10*time.Millisecond)

	for i := 0; i < 20; i++ {
		res := s.AppendEntries([][]byte{calc.EncodeCommand(calc.OpAdd, 1)})
		_, err := res.Await(5 * time.Second)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return sm.LastSnapshot() != nil
	}, 10*time.Second, 10*time.Millisecond)
}
