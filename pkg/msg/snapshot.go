package msg

import (
	"github.com/szmyd/graft/pkg/codec"
)

// Snapshot describes a logical state-machine snapshot: the log position it
// covers and the cluster config in force at that position. The state itself
// is transferred separately as object-addressed chunks.
type Snapshot struct {
	LastLogIdx  uint64
	LastLogTerm uint64
	LastConfig  *ClusterConfig
	Size        uint64
}

func NewSnapshot(lastIdx, lastTerm uint64, conf *ClusterConfig, size uint64) *Snapshot {
	return &Snapshot{LastLogIdx: lastIdx, LastLogTerm: lastTerm, LastConfig: conf, Size: size}
}

func (s *Snapshot) Clone() *Snapshot {
	cp := *s
	if s.LastConfig != nil {
		cp.LastConfig = s.LastConfig.Clone()
	}
	return &cp
}

func (s *Snapshot) Encode() []byte {
	w := codec.NewWriter()
	s.EncodeTo(w)
	return w.Bytes()
}

func (s *Snapshot) EncodeTo(w *codec.Writer) {
	w.PutU64(s.LastLogIdx)
	w.PutU64(s.LastLogTerm)
	w.PutU64(s.Size)
	if s.LastConfig != nil {
		w.PutBytes(s.LastConfig.Encode())
	} else {
		w.PutBytes(nil)
	}
}

func DecodeSnapshot(b []byte) (*Snapshot, error) {
	r := codec.NewReader(b)
	s, err := DecodeSnapshotFrom(r)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func DecodeSnapshotFrom(r *codec.Reader) (*Snapshot, error) {
	s := &Snapshot{}
	s.LastLogIdx = r.U64()
	s.LastLogTerm = r.U64()
	s.Size = r.U64()
	confBytes := r.Bytes()
	if err := r.Err(); err != nil {
		return nil, err
	}
	if len(confBytes) > 0 {
		conf, err := DecodeClusterConfig(confBytes)
		if err != nil {
			return nil, err
		}
		s.LastConfig = conf
	}
	return s, nil
}

// SnapshotSyncReq is one chunk of a logical snapshot transfer. Offset is the
// object id; object 0 carries the snapshot's own metadata.
type SnapshotSyncReq struct {
	Snapshot *Snapshot
	Offset   uint64
	Data     []byte
	Done     bool
}

func NewSnapshotSyncReq(snp *Snapshot, offset uint64, data []byte, done bool) *SnapshotSyncReq {
	return &SnapshotSyncReq{Snapshot: snp, Offset: offset, Data: data, Done: done}
}

func (sr *SnapshotSyncReq) Encode() []byte {
	w := codec.NewWriter()
	if sr.Snapshot != nil {
		w.PutBytes(sr.Snapshot.Encode())
	} else {
		w.PutBytes(nil)
	}
	w.PutU64(sr.Offset)
	w.PutBool(sr.Done)
	w.PutBytes(sr.Data)
	return w.Bytes()
}

func DecodeSnapshotSyncReq(b []byte) (*SnapshotSyncReq, error) {
	r := codec.NewReader(b)
	sr := &SnapshotSyncReq{}
	snpBytes := r.Bytes()
	sr.Offset = r.U64()
	sr.Done = r.Bool()
	sr.Data = r.Bytes()
	if err := r.Err(); err != nil {
		return nil, err
	}
	if len(snpBytes) > 0 {
		snp, err := DecodeSnapshot(snpBytes)
		if err != nil {
			return nil, err
		}
		sr.Snapshot = snp
	}
	return sr, nil
}
