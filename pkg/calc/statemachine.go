// Package calc is the replicated-calculator state machine: a single int64
// register mutated by add/sub/mul/div/set commands. It exercises the full
// state machine surface, including logical snapshots and pre-commit
// validation, and doubles as the fixture for cluster tests.
package calc

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/szmyd/graft/pkg/codec"
	"github.com/szmyd/graft/pkg/msg"
	"github.com/szmyd/graft/pkg/raft"
)

var _ raft.StateMachine = (*StateMachine)(nil)

// Op is a calculator operation.
type Op uint8

const (
	OpAdd Op = iota
	OpSub
	OpMul
	OpDiv
	OpSet
)

func (o Op) String() string {
	switch o {
	case OpAdd:
		return "+"
	case OpSub:
		return "-"
	case OpMul:
		return "*"
	case OpDiv:
		return "/"
	case OpSet:
		return "="
	default:
		return "?"
	}
}

var ErrDivideByZero = errors.New("calc: divide by zero")

// EncodeCommand builds the replicated payload for one operation.
func EncodeCommand(op Op, operand int64) []byte {
	w := codec.NewWriter()
	w.PutU8(uint8(op))
	w.PutU64(uint64(operand))
	return w.Bytes()
}

// DecodeCommand parses a replicated payload.
func DecodeCommand(data []byte) (Op, int64, error) {
	r := codec.NewReader(data)
	op := Op(r.U8())
	operand := int64(r.U64())
	if err := r.Err(); err != nil {
		return 0, 0, err
	}
	if op > OpSet {
		return 0, 0, fmt.Errorf("calc: unknown op %d", op)
	}
	return op, operand, nil
}

// EncodeResult frames the register value returned from Commit.
func EncodeResult(v int64) []byte {
	w := codec.NewWriter()
	w.PutU64(uint64(v))
	return w.Bytes()
}

// DecodeResult parses a Commit result payload.
func DecodeResult(data []byte) (int64, error) {
	r := codec.NewReader(data)
	v := int64(r.U64())
	return v, r.Err()
}

// heldSnapshot is a fully captured snapshot: descriptor plus the register
// value at that point.
type heldSnapshot struct {
	snp   *msg.Snapshot
	value int64
}

// snapshotReader is the per-transfer context handed back from
// ReadSnapshotObj; the engine must release every one of them.
type snapshotReader struct {
	value int64
}

// StateMachine implements raft.StateMachine over the calculator register.
type StateMachine struct {
	mu         sync.Mutex
	value      int64
	lastCommit uint64
	lastConfig *msg.ClusterConfig
	snapshot   *heldSnapshot

	// pending transfer state on the receiving side
	pendingSnapshot *msg.Snapshot
	pendingValue    int64

	asyncSnapshots bool
	batchHint      int64

	readCtxAllocs uint64
	readCtxFrees  uint64
}

func New() *StateMachine { return &StateMachine{} }

// NewAsync creates a machine that captures snapshots on a background
// goroutine.
func NewAsync() *StateMachine { return &StateMachine{asyncSnapshots: true} }

// Value returns the current register value.
func (m *StateMachine) Value() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value
}

// SetBatchHint adjusts the replication batch size hint returned to the
// engine. Negative values pause replication.
func (m *StateMachine) SetBatchHint(v int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batchHint = v
}

// PreCommit validates a command before it enters the log; divide by zero
// is the application-level bad request.
func (m *StateMachine) PreCommit(logIdx uint64, data []byte) ([]byte, error) {
	op, operand, err := DecodeCommand(data)
	if err != nil {
		return nil, err
	}
	if op == OpDiv && operand == 0 {
		return nil, ErrDivideByZero
	}
	return nil, nil
}

func (m *StateMachine) Commit(logIdx uint64, data []byte) ([]byte, error) {
	op, operand, err := DecodeCommand(data)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	switch op {
	case OpAdd:
		m.value += operand
	case OpSub:
		m.value -= operand
	case OpMul:
		m.value *= operand
	case OpDiv:
		if operand == 0 {
			return nil, ErrDivideByZero
		}
		m.value /= operand
	case OpSet:
		m.value = operand
	}
	m.lastCommit = logIdx
	return EncodeResult(m.value), nil
}

func (m *StateMachine) Rollback(logIdx uint64, data []byte) {
	// Nothing applied before commit, nothing to undo.
}

func (m *StateMachine) CommitConfig(logIdx uint64, conf *msg.ClusterConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastConfig = conf
	if logIdx > m.lastCommit {
		m.lastCommit = logIdx
	}
}

func (m *StateMachine) CreateSnapshot(snp *msg.Snapshot, done func(error)) {
	m.mu.Lock()
	captured := &heldSnapshot{snp: snp.Clone(), value: m.value}
	async := m.asyncSnapshots
	m.mu.Unlock()

	finish := func() {
		m.mu.Lock()
		m.snapshot = captured
		m.mu.Unlock()
		done(nil)
	}
	if async {
		go finish()
	} else {
		finish()
	}
}

func (m *StateMachine) ApplySnapshot(snp *msg.Snapshot) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pendingSnapshot == nil || m.pendingSnapshot.LastLogIdx != snp.LastLogIdx {
		return false
	}
	m.value = m.pendingValue
	m.lastCommit = snp.LastLogIdx
	m.snapshot = &heldSnapshot{snp: snp.Clone(), value: m.pendingValue}
	m.pendingSnapshot = nil
	return true
}

// ReadSnapshotObj serves object 0 as metadata and object 1 as the register
// value, which is also the last object.
func (m *StateMachine) ReadSnapshotObj(snp *msg.Snapshot, ctx interface{}, objID uint64) (interface{}, []byte, bool, error) {
	m.mu.Lock()
	held := m.snapshot
	m.mu.Unlock()
	if held == nil || held.snp.LastLogIdx != snp.LastLogIdx {
		return ctx, nil, false, fmt.Errorf("calc: no snapshot at index %d", snp.LastLogIdx)
	}

	reader, ok := ctx.(*snapshotReader)
	if !ok || reader == nil {
		reader = &snapshotReader{value: held.value}
		atomic.AddUint64(&m.readCtxAllocs, 1)
	}

	switch objID {
	case 0:
		w := codec.NewWriter()
		w.PutU64(snp.LastLogIdx)
		w.PutU64(snp.LastLogTerm)
		return reader, w.Bytes(), false, nil
	default:
		return reader, EncodeResult(reader.value), true, nil
	}
}

func (m *StateMachine) SaveSnapshotObj(snp *msg.Snapshot, objID uint64, data []byte, isFirst, isLast bool) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if isFirst {
		r := codec.NewReader(data)
		lastIdx := r.U64()
		_ = r.U64()
		if err := r.Err(); err != nil {
			return 0, err
		}
		if lastIdx != snp.LastLogIdx {
			return 0, fmt.Errorf("calc: snapshot metadata mismatch: %d vs %d", lastIdx, snp.LastLogIdx)
		}
		m.pendingSnapshot = snp.Clone()
		return objID + 1, nil
	}

	v, err := DecodeResult(data)
	if err != nil {
		return 0, err
	}
	m.pendingValue = v
	return objID + 1, nil
}

func (m *StateMachine) FreeSnapshotCtx(ctx interface{}) {
	if _, ok := ctx.(*snapshotReader); ok {
		atomic.AddUint64(&m.readCtxFrees, 1)
	}
}

// ReadCtxBalance reports allocated and freed snapshot reader contexts, for
// verifying every transfer releases its reader.
func (m *StateMachine) ReadCtxBalance() (allocs, frees uint64) {
	return atomic.LoadUint64(&m.readCtxAllocs), atomic.LoadUint64(&m.readCtxFrees)
}

func (m *StateMachine) LastSnapshot() *msg.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snapshot == nil {
		return nil
	}
	return m.snapshot.snp.Clone()
}

func (m *StateMachine) LastCommitIndex() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCommit
}

func (m *StateMachine) NextBatchSizeHint() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batchHint
}

func (m *StateMachine) AdjustCommitIndex(currentIdx, quorumIdx uint64, peerIdx map[int32]uint64) uint64 {
	return quorumIdx
}
