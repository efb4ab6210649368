package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/szmyd/graft/pkg/msg"
	"github.com/szmyd/graft/pkg/raft"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestLogStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	l, err := OpenLogStore(dir)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := l.Append(msg.NewLogEntry(3, msg.ValueAppLog, []byte{byte(i)}))
		require.NoError(t, err)
	}
	require.NoError(t, l.Flush())
	require.Equal(t, uint64(5), l.LastDurableIndex())
	require.NoError(t, l.Close())

	l2, err := OpenLogStore(dir)
	require.NoError(t, err)
	defer l2.Close()

	require.Equal(t, uint64(6), l2.NextSlot())
	require.Equal(t, uint64(1), l2.StartIndex())
	e, err := l2.EntryAt(3)
	require.NoError(t, err)
	require.Equal(t, []byte{2}, e.Data)
	require.Equal(t, uint64(3), e.Term)
}

func TestLogStoreCompactionPersists(t *testing.T) {
	dir := t.TempDir()

	l, err := OpenLogStore(dir)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err := l.Append(msg.NewLogEntry(1, msg.ValueAppLog, []byte{byte(i)}))
		require.NoError(t, err)
	}
	require.NoError(t, l.Compact(7))
	require.NoError(t, l.Close())

	l2, err := OpenLogStore(dir)
	require.NoError(t, err)
	defer l2.Close()

	require.Equal(t, uint64(8), l2.StartIndex())
	require.Equal(t, uint64(11), l2.NextSlot())
}

func TestLogStoreRejectsCorruptImage(t *testing.T) {
	dir := t.TempDir()

	l, err := OpenLogStore(dir)
	require.NoError(t, err)
	_, err = l.Append(msg.NewLogEntry(1, msg.ValueAppLog, []byte("x")))
	require.NoError(t, err)
	require.NoError(t, l.Flush())
	require.NoError(t, l.Close())

	path := filepath.Join(dir, logFileName)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = OpenLogStore(dir)
	require.Error(t, err)
}

func TestStateManagerRoundTrip(t *testing.T) {
	dir := t.TempDir()

	initial := msg.NewClusterConfig(0, 0)
	initial.Servers = append(initial.Servers, msg.NewSrvConfig(7, "h:1"))

	m, err := OpenStateManager(dir, 7, initial)
	require.NoError(t, err)
	require.Equal(t, int32(7), m.ServerID())

	st, err := m.ReadState()
	require.NoError(t, err)
	require.Nil(t, st)

	require.NoError(t, m.SaveState(&raft.SrvState{Term: 9, VotedFor: 3, ElectionTimerAllowed: true}))

	conf := initial.Clone()
	conf.LogIdx = 4
	require.NoError(t, m.SaveConfig(conf))
	require.NoError(t, m.Close())

	// Reopen: state, config and log all come back; the seed config must
	// not overwrite the saved one.
	m2, err := OpenStateManager(dir, 7, initial)
	require.NoError(t, err)
	defer m2.Close()

	st, err = m2.ReadState()
	require.NoError(t, err)
	require.Equal(t, uint64(9), st.Term)
	require.Equal(t, int32(3), st.VotedFor)
	require.True(t, st.ElectionTimerAllowed)

	got, err := m2.LoadConfig()
	require.NoError(t, err)
	require.Equal(t, uint64(4), got.LogIdx)
}

func TestApplyPackRebasesBehindStart(t *testing.T) {
	dir := t.TempDir()
	src, err := OpenLogStore(dir)
	require.NoError(t, err)
	defer src.Close()

	for i := 0; i < 6; i++ {
		_, err := src.Append(msg.NewLogEntry(2, msg.ValueAppLog, []byte{byte(i)}))
		require.NoError(t, err)
	}
	pack, err := src.Pack(1, 6)
	require.NoError(t, err)

	dst, err := OpenLogStore(t.TempDir())
	require.NoError(t, err)
	defer dst.Close()

	require.NoError(t, dst.Compact(3)) // empty store, start moves to 4
	require.Equal(t, uint64(4), dst.StartIndex())
	require.NoError(t, dst.ApplyPack(1, pack))
	require.Equal(t, uint64(7), dst.NextSlot())
}
