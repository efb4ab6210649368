package msg

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func rnd(r *rand.Rand) int32 { return int32(r.Intn(10000) + 1) }

func longVal(r *rand.Rand) uint64 {
	return uint64(1)<<32 + uint64(r.Intn(1_000_000))
}

func randomBytes(r *rand.Rand, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(r.Intn(256))
	}
	return b
}

func randomConfig(r *rand.Rand) *ClusterConfig {
	conf := NewClusterConfig(longVal(r), longVal(r))
	for i := 1; i <= 5; i++ {
		sv := NewSrvConfig(rnd(r), "server "+string(rune('0'+i)))
		sv.DCID = int32(r.Intn(3))
		sv.Aux = "aux"
		sv.Learner = r.Intn(2) == 0
		sv.Priority = int32(r.Intn(100))
		conf.Servers = append(conf.Servers, sv)
	}
	return conf
}

func randomSnapshot(r *rand.Rand) *Snapshot {
	return NewSnapshot(longVal(r), longVal(r), randomConfig(r), longVal(r))
}

func TestSrvConfigRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	sv := &SrvConfig{
		ID:       42,
		DCID:     0,
		Endpoint: "host:9000",
		Aux:      "",
		Learner:  false,
		Priority: 1,
	}
	got, err := DecodeSrvConfig(sv.Encode())
	require.NoError(t, err)
	require.Equal(t, sv, got)

	for i := 0; i < 20; i++ {
		sv := NewSrvConfig(rnd(r), "endpoint")
		sv.DCID = rnd(r)
		sv.Aux = "user data"
		sv.Learner = r.Intn(2) == 0
		sv.Priority = int32(r.Intn(101))
		got, err := DecodeSrvConfig(sv.Encode())
		require.NoError(t, err)
		require.Equal(t, sv, got)
	}
}

func TestClusterConfigRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	conf := randomConfig(r)
	got, err := DecodeClusterConfig(conf.Encode())
	require.NoError(t, err)
	require.Equal(t, conf, got)
}

func TestSnapshotRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	snp := randomSnapshot(r)
	got, err := DecodeSnapshot(snp.Encode())
	require.NoError(t, err)
	require.Equal(t, snp, got)
}

func TestSnapshotSyncReqRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(4))
	for _, done := range []bool{true, false} {
		sr := NewSnapshotSyncReq(randomSnapshot(r), longVal(r), randomBytes(r, r.Intn(300)+1), done)
		got, err := DecodeSnapshotSyncReq(sr.Encode())
		require.NoError(t, err)
		require.Equal(t, sr.Offset, got.Offset)
		require.Equal(t, sr.Done, got.Done)
		require.Equal(t, sr.Data, got.Data)
		require.Equal(t, sr.Snapshot, got.Snapshot)
	}
}

func TestSnapshotSyncReqZeroBuffer(t *testing.T) {
	r := rand.New(rand.NewSource(5))
	for _, done := range []bool{true, false} {
		sr := NewSnapshotSyncReq(randomSnapshot(r), longVal(r), nil, done)
		got, err := DecodeSnapshotSyncReq(sr.Encode())
		require.NoError(t, err)
		require.Equal(t, sr.Offset, got.Offset)
		require.Equal(t, sr.Done, got.Done)
		require.Empty(t, got.Data)
		require.Equal(t, sr.Snapshot, got.Snapshot)
	}
}

func TestLogEntryRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(6))
	for i := 0; i < 20; i++ {
		e := NewLogEntry(longVal(r), ValueType(1+r.Intn(6)), randomBytes(r, 24+r.Intn(100)))
		if r.Intn(2) == 0 {
			e.Timestamp = longVal(r)
		}
		if r.Intn(2) == 0 {
			e.CRCPrev = uint32(r.Intn(1 << 30)) // may be 0: field then omitted
		}
		got, err := DecodeLogEntry(e.Encode())
		require.NoError(t, err)
		require.Equal(t, e, got)
	}
}

func TestCustomNotificationRoundTrip(t *testing.T) {
	for _, emptyCtx := range []bool{true, false} {
		n := &CustomNotification{Type: NotifyOutOfLogRangeWarning}
		if !emptyCtx {
			n.Ctx = []byte("test_message")
		}
		got, err := DecodeCustomNotification(n.Encode())
		require.NoError(t, err)
		require.Equal(t, n.Type, got.Type)
		if emptyCtx {
			require.Nil(t, got.Ctx)
		} else {
			require.Equal(t, n.Ctx, got.Ctx)
		}
	}
}

func TestOutOfLogMsgRoundTrip(t *testing.T) {
	m := &OutOfLogMsg{StartIdxOfLeader: 1234}
	got, err := DecodeOutOfLogMsg(m.Encode())
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestForceVoteMsgRoundTrip(t *testing.T) {
	m := &ForceVoteMsg{}
	got, err := DecodeForceVoteMsg(m.Encode())
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestRequestRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	req := NewRequest(TypeAppendEntriesRequest, longVal(r), rnd(r), rnd(r))
	req.Flags = FlagForceVote
	req.LastLogTerm = longVal(r)
	req.LastLogIdx = longVal(r)
	req.CommitIdx = longVal(r)
	for i := 0; i < 3; i++ {
		req.Entries = append(req.Entries,
			NewLogEntry(longVal(r), ValueAppLog, randomBytes(r, 16)))
	}
	got, err := DecodeRequest(req.Encode())
	require.NoError(t, err)
	require.Equal(t, req, got)
}

func TestRequestRejectsResponseType(t *testing.T) {
	req := NewRequest(TypeAppendEntriesRequest, 1, 1, 2)
	buf := req.Encode()
	buf[0] = byte(TypeAppendEntriesResponse)
	_, err := DecodeRequest(buf)
	require.Error(t, err)
}

func TestResponseRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(8))
	resp := NewResponse(TypeAppendEntriesResponse, longVal(r), rnd(r), rnd(r))
	resp.Accept(longVal(r))
	resp.Result = 3
	resp.Ctx = randomBytes(r, 32)
	got, err := DecodeResponse(resp.Encode())
	require.NoError(t, err)
	require.Equal(t, resp, got)
}

func TestResponseTypePairing(t *testing.T) {
	require.Equal(t, TypeAppendEntriesResponse, TypeAppendEntriesRequest.ResponseType())
	require.Equal(t, TypePreVoteResponse, TypePreVoteRequest.ResponseType())
	require.Equal(t, TypeUnknown, TypeAppendEntriesResponse.ResponseType())
}

func TestQuorumAndVoters(t *testing.T) {
	conf := NewClusterConfig(0, 0)
	for i := int32(1); i <= 4; i++ {
		conf.Servers = append(conf.Servers, NewSrvConfig(i, "e"))
	}
	conf.Servers[3].Learner = true

	require.Len(t, conf.Voters(), 3)
	require.Equal(t, 2, conf.Quorum())

	conf.Servers[3].Learner = false
	require.Equal(t, 3, conf.Quorum())
}
