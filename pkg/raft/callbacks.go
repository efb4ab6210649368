package raft

// CallbackType identifies an engine event surfaced to the embedding
// application.
type CallbackType int

const (
	// CbBecomeLeader fires after this server wins an election.
	CbBecomeLeader CallbackType = iota

	// CbBecomeFollower fires after a step-down.
	CbBecomeFollower

	// CbBecomeResigned fires when a server that was leading shuts down.
	CbBecomeResigned

	// CbOutOfLogRangeWarning fires when the leader reports that this
	// server's log ends before the leader's start index.
	CbOutOfLogRangeWarning

	// CbConfigChange fires when a new cluster configuration commits.
	CbConfigChange

	// CbSnapshotCreated fires after a snapshot creation completes.
	CbSnapshotCreated
)

func (t CallbackType) String() string {
	switch t {
	case CbBecomeLeader:
		return "become_leader"
	case CbBecomeFollower:
		return "become_follower"
	case CbBecomeResigned:
		return "become_resigned"
	case CbOutOfLogRangeWarning:
		return "out_of_log_range_warning"
	case CbConfigChange:
		return "config_change"
	case CbSnapshotCreated:
		return "snapshot_created"
	default:
		return "unknown"
	}
}

// CallbackParam carries event context. Ctx depends on the type:
// CbOutOfLogRangeWarning passes *OutOfLogRangeArgs, CbConfigChange passes
// *msg.ClusterConfig.
type CallbackParam struct {
	Type     CallbackType
	ServerID int32
	LeaderID int32
	Term     uint64
	Ctx      interface{}
}

// OutOfLogRangeArgs accompanies CbOutOfLogRangeWarning.
type OutOfLogRangeArgs struct {
	StartIdxOfLeader uint64
}

// CallbackFunc observes engine events. It runs on engine goroutines and
// must not call back into the server.
type CallbackFunc func(p *CallbackParam)
