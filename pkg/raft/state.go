package raft

import (
	"github.com/szmyd/graft/pkg/codec"
)

// NoVote marks an empty voted_for slot.
const NoVote int32 = -1

// SrvState is the durable per-server state. It must be persisted before a
// vote is granted or an incremented term leaves the server.
type SrvState struct {
	Term                 uint64
	VotedFor             int32
	ElectionTimerAllowed bool
}

func NewSrvState() *SrvState {
	return &SrvState{VotedFor: NoVote, ElectionTimerAllowed: true}
}

func (s *SrvState) Clone() *SrvState {
	cp := *s
	return &cp
}

// IncTerm bumps the term and clears the vote.
func (s *SrvState) IncTerm() {
	s.Term++
	s.VotedFor = NoVote
}

func (s *SrvState) Encode() []byte {
	w := codec.NewWriter()
	w.PutU64(s.Term)
	w.PutI32(s.VotedFor)
	w.PutBool(s.ElectionTimerAllowed)
	return w.Bytes()
}

func DecodeSrvState(b []byte) (*SrvState, error) {
	r := codec.NewReader(b)
	s := &SrvState{}
	s.Term = r.U64()
	s.VotedFor = r.I32()
	s.ElectionTimerAllowed = r.Bool()
	if err := r.Err(); err != nil {
		return nil, err
	}
	return s, nil
}
