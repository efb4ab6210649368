package calc

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/szmyd/graft/pkg/msg"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func commit(t *testing.T, m *StateMachine, idx uint64, op Op, operand int64) int64 {
	t.Helper()
	out, err := m.Commit(idx, EncodeCommand(op, operand))
	require.NoError(t, err)
	v, err := DecodeResult(out)
	require.NoError(t, err)
	return v
}

func TestOperations(t *testing.T) {
	m := New()
	require.Equal(t, int64(3), commit(t, m, 1, OpAdd, 3))
	require.Equal(t, int64(8), commit(t, m, 2, OpAdd, 5))
	require.Equal(t, int64(16), commit(t, m, 3, OpMul, 2))
	require.Equal(t, int64(12), commit(t, m, 4, OpSub, 4))
	require.Equal(t, int64(4), commit(t, m, 5, OpDiv, 3))
	require.Equal(t, int64(100), commit(t, m, 6, OpSet, 100))
	require.Equal(t, uint64(6), m.LastCommitIndex())
}

func TestCommandRoundTrip(t *testing.T) {
	for _, op := range []Op{OpAdd, OpSub, OpMul, OpDiv, OpSet} {
		data := EncodeCommand(op, -17)
		gotOp, gotOperand, err := DecodeCommand(data)
		require.NoError(t, err)
		require.Equal(t, op, gotOp)
		require.Equal(t, int64(-17), gotOperand)
	}
	_, _, err := DecodeCommand([]byte{99, 0, 0, 0, 0, 0, 0, 0, 0})
	require.Error(t, err)
}

func TestPreCommitRejectsDivideByZero(t *testing.T) {
	m := New()
	_, err := m.PreCommit(1, EncodeCommand(OpDiv, 0))
	require.ErrorIs(t, err, ErrDivideByZero)

	_, err = m.PreCommit(1, EncodeCommand(OpDiv, 2))
	require.NoError(t, err)

	_, err = m.PreCommit(1, []byte{1})
	require.Error(t, err)
}

func TestSnapshotTransferCycle(t *testing.T) {
	src := New()
	commit(t, src, 1, OpAdd, 40)
	commit(t, src, 2, OpAdd, 2)

	snp := msg.NewSnapshot(2, 1, msg.NewClusterConfig(0, 0), 0)
	created := false
	src.CreateSnapshot(snp, func(err error) {
		require.NoError(t, err)
		created = true
	})
	require.True(t, created)
	require.Equal(t, uint64(2), src.LastSnapshot().LastLogIdx)

	// Leader-side read: object 0 is metadata, object 1 the value.
	ctx, meta, last, err := src.ReadSnapshotObj(snp, nil, 0)
	require.NoError(t, err)
	require.False(t, last)
	require.NotNil(t, ctx)

	ctx, data, last, err := src.ReadSnapshotObj(snp, ctx, 1)
	require.NoError(t, err)
	require.True(t, last)
	src.FreeSnapshotCtx(ctx)

	allocs, frees := src.ReadCtxBalance()
	require.Equal(t, allocs, frees)

	// Follower-side save and apply.
	dst := New()
	next, err := dst.SaveSnapshotObj(snp, 0, meta, true, false)
	require.NoError(t, err)
	require.Equal(t, uint64(1), next)

	_, err = dst.SaveSnapshotObj(snp, 1, data, false, true)
	require.NoError(t, err)

	require.True(t, dst.ApplySnapshot(snp))
	require.Equal(t, int64(42), dst.Value())
	require.Equal(t, uint64(2), dst.LastCommitIndex())
	require.Equal(t, uint64(2), dst.LastSnapshot().LastLogIdx)
}

func TestApplySnapshotWithoutTransferFails(t *testing.T) {
	m := New()
	snp := msg.NewSnapshot(5, 1, nil, 0)
	require.False(t, m.ApplySnapshot(snp))
}

func TestAsyncSnapshotCreation(t *testing.T) {
	m := NewAsync()
	commit(t, m, 1, OpAdd, 7)

	snp := msg.NewSnapshot(1, 1, nil, 0)
	done := make(chan error, 1)
	m.CreateSnapshot(snp, func(err error) { done <- err })
	require.NoError(t, <-done)
	require.NotNil(t, m.LastSnapshot())
}

func TestBatchHint(t *testing.T) {
	m := New()
	require.Equal(t, int64(0), m.NextBatchSizeHint())
	m.SetBatchHint(-1)
	require.Equal(t, int64(-1), m.NextBatchSizeHint())
}

func TestAdjustCommitIndexClampsNothing(t *testing.T) {
	m := New()
	require.Equal(t, uint64(9), m.AdjustCommitIndex(3, 9, nil))
}
