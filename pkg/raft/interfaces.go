package raft

import (
	"time"

	"github.com/szmyd/graft/pkg/msg"
)

// StateMachine is the application the engine replicates. Commit is invoked
// for every committed app_log entry in strictly increasing index order with
// no gaps; the returned bytes become the client's result payload.
//
// Snapshots are logical: the engine reads and writes them as an ordered
// sequence of opaque objects, where object 0 carries metadata. The ctx value
// returned by ReadSnapshotObj is threaded through subsequent reads of the
// same transfer and released with FreeSnapshotCtx on every exit path.
type StateMachine interface {
	// PreCommit runs on the leader before an entry is appended. An error
	// rejects the request as BAD_REQUEST without touching the log.
	PreCommit(logIdx uint64, data []byte) ([]byte, error)

	// Commit applies a committed entry and returns the result payload.
	Commit(logIdx uint64, data []byte) ([]byte, error)

	// Rollback undoes a pre-committed entry that lost its slot to a
	// conflicting leader.
	Rollback(logIdx uint64, data []byte)

	// CommitConfig observes a committed cluster configuration.
	CommitConfig(logIdx uint64, conf *msg.ClusterConfig)

	// CreateSnapshot captures state up to snp's position. Implementations
	// may complete asynchronously; done is invoked exactly once.
	CreateSnapshot(snp *msg.Snapshot, done func(err error))

	// ApplySnapshot replaces local state with a fully received snapshot.
	ApplySnapshot(snp *msg.Snapshot) bool

	// ReadSnapshotObj yields the object with the given id. ctx is nil on
	// the first call of a transfer; the returned ctx is passed to later
	// calls and eventually to FreeSnapshotCtx.
	ReadSnapshotObj(snp *msg.Snapshot, ctx interface{}, objID uint64) (newCtx interface{}, data []byte, isLast bool, err error)

	// SaveSnapshotObj stores one received object and returns the id the
	// follower wants next.
	SaveSnapshotObj(snp *msg.Snapshot, objID uint64, data []byte, isFirst, isLast bool) (nextObjID uint64, err error)

	// FreeSnapshotCtx releases reader resources for a transfer.
	FreeSnapshotCtx(ctx interface{})

	// LastSnapshot returns the most recent snapshot, or nil.
	LastSnapshot() *msg.Snapshot

	// LastCommitIndex returns the highest index the machine has applied.
	LastCommitIndex() uint64

	// NextBatchSizeHint caps the payload bytes of the next AppendEntries
	// batch. Zero means no preference; a negative value asks the engine to
	// pause replication to this machine's followers until a later hint
	// lifts it.
	NextBatchSizeHint() int64

	// AdjustCommitIndex may lower the quorum-computed commit index, e.g.
	// to wait for specific followers. Values above quorumIdx are clamped.
	AdjustCommitIndex(currentIdx, quorumIdx uint64, peerIdx map[int32]uint64) uint64
}

// LogStore holds the replicated log. Indices are 1-based; the slot before
// StartIndex has been compacted away.
type LogStore interface {
	// NextSlot is the index the next appended entry will occupy.
	NextSlot() uint64

	// StartIndex is the first index still present (1 when never compacted).
	StartIndex() uint64

	// LastEntry returns the entry at NextSlot-1, or a zero app_log entry
	// when the store is empty.
	LastEntry() *msg.LogEntry

	// Append stores the entry at NextSlot and returns that index.
	Append(entry *msg.LogEntry) (uint64, error)

	// WriteAt stores the entry at idx and discards everything after it.
	WriteAt(idx uint64, entry *msg.LogEntry) error

	// EndOfAppendBatch is called after a batch of Append/WriteAt calls.
	EndOfAppendBatch(start uint64, cnt uint64)

	// LogEntries returns entries in [start, end).
	LogEntries(start, end uint64) ([]*msg.LogEntry, error)

	// EntryAt returns the entry at idx, or an error when idx is compacted
	// away or past the end of the log.
	EntryAt(idx uint64) (*msg.LogEntry, error)

	// TermAt returns the term of the entry at idx.
	TermAt(idx uint64) (uint64, error)

	// Pack serializes cnt entries starting at idx for shipping to a new
	// server; ApplyPack installs such a package, overwriting the range.
	Pack(idx uint64, cnt int32) ([]byte, error)
	ApplyPack(idx uint64, pack []byte) error

	// Compact discards entries up to and including lastIdx.
	Compact(lastIdx uint64) error

	// CompactAsync schedules compaction; done is invoked exactly once.
	CompactAsync(lastIdx uint64, done func(err error))

	// Flush makes all appended entries durable.
	Flush() error

	// LastDurableIndex is the highest index known flushed to stable media.
	LastDurableIndex() uint64
}

// StateManager persists a server's durable identity: current term and vote,
// plus the latest cluster configuration.
type StateManager interface {
	LoadConfig() (*msg.ClusterConfig, error)
	SaveConfig(conf *msg.ClusterConfig) error

	// SaveState must be durable before the vote or term it records is
	// externalized in any message.
	SaveState(st *SrvState) error
	ReadState() (*SrvState, error)

	LoadLogStore() LogStore
	ServerID() int32

	// SystemExit is invoked on unrecoverable faults such as fsync failure.
	SystemExit(code int)
}

// RPCHandler receives the outcome of an asynchronous send: exactly one of
// resp or err is non-nil.
type RPCHandler func(resp *msg.Response, err error)

// RPCClient is a unicast connection to one peer. Send never blocks on the
// network; the handler is invoked exactly once, from any goroutine.
type RPCClient interface {
	Send(req *msg.Request, timeout time.Duration, handler RPCHandler)

	// IsAbandoned reports a connection the transport has given up on;
	// pooled clients are replaced instead of reused.
	IsAbandoned() bool

	Close() error
}

// ClientFactory mints RPC clients for peer endpoints.
type ClientFactory interface {
	CreateClient(endpoint string) (RPCClient, error)
}

// RequestHandler processes one inbound request and produces its response.
type RequestHandler func(req *msg.Request) (*msg.Response, error)

// Listener accepts inbound requests and feeds them to a handler.
type Listener interface {
	Listen(h RequestHandler)
	Stop() error
}
