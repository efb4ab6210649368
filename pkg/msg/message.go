package msg

import (
	"fmt"

	"github.com/szmyd/graft/pkg/codec"
)

// Request flag bits.
const (
	// FlagForceVote marks a vote request that bypasses priority gating.
	FlagForceVote = 1 << 0
)

// Request is the common envelope for every inbound RPC.
type Request struct {
	Type  MsgType
	Flags uint8
	Term  uint64
	Src   int32
	Dst   int32

	// LastLogTerm/LastLogIdx describe the sender's log position; for
	// append_entries they are the prev-entry coordinates.
	LastLogTerm uint64
	LastLogIdx  uint64

	// CommitIdx is the sender's commit index (leader_commit on appends).
	CommitIdx uint64

	Entries []*LogEntry
}

func NewRequest(t MsgType, term uint64, src, dst int32) *Request {
	return &Request{Type: t, Term: term, Src: src, Dst: dst}
}

func (q *Request) ForceVote() bool { return q.Flags&FlagForceVote != 0 }

func (q *Request) String() string {
	return fmt.Sprintf("req{%s term=%d src=%d dst=%d last=(%d,%d) commit=%d entries=%d}",
		q.Type, q.Term, q.Src, q.Dst, q.LastLogTerm, q.LastLogIdx, q.CommitIdx, len(q.Entries))
}

func (q *Request) Encode() []byte {
	w := codec.NewWriter()
	w.PutU8(uint8(q.Type))
	w.PutU8(q.Flags)
	w.PutU64(q.Term)
	w.PutI32(q.Src)
	w.PutI32(q.Dst)
	w.PutU64(q.LastLogTerm)
	w.PutU64(q.LastLogIdx)
	w.PutU64(q.CommitIdx)
	w.PutU32(uint32(len(q.Entries)))
	for _, e := range q.Entries {
		w.PutBytes(e.Encode())
	}
	return w.Bytes()
}

func DecodeRequest(b []byte) (*Request, error) {
	r := codec.NewReader(b)
	q := &Request{}
	q.Type = MsgType(r.U8())
	q.Flags = r.U8()
	q.Term = r.U64()
	q.Src = r.I32()
	q.Dst = r.I32()
	q.LastLogTerm = r.U64()
	q.LastLogIdx = r.U64()
	q.CommitIdx = r.U64()
	n := r.U32()
	for i := uint32(0); i < n && r.Err() == nil; i++ {
		eb := r.Bytes()
		if r.Err() != nil {
			break
		}
		e, err := DecodeLogEntry(eb)
		if err != nil {
			return nil, err
		}
		q.Entries = append(q.Entries, e)
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	if !q.Type.IsRequest() {
		return nil, fmt.Errorf("msg: %s is not a request type", q.Type)
	}
	return q, nil
}

// Response is the common envelope for every RPC reply. NextIdx carries the
// responder's expected next log index; on a rejected append it doubles as
// the conflict hint (first index of the last divergent term).
type Response struct {
	Type     MsgType
	Term     uint64
	Src      int32
	Dst      int32
	NextIdx  uint64
	Accepted bool

	// Result is an engine result code forwarded to remote clients.
	Result int32

	// Ctx is an opaque result payload (state-machine output on client
	// requests, sub-message bytes on custom notifications).
	Ctx []byte
}

func NewResponse(t MsgType, term uint64, src, dst int32) *Response {
	return &Response{Type: t, Term: term, Src: src, Dst: dst}
}

// Accept marks the response accepted and records the next expected index.
func (p *Response) Accept(nextIdx uint64) {
	p.Accepted = true
	p.NextIdx = nextIdx
}

func (p *Response) String() string {
	return fmt.Sprintf("resp{%s term=%d src=%d dst=%d next=%d accepted=%v}",
		p.Type, p.Term, p.Src, p.Dst, p.NextIdx, p.Accepted)
}

func (p *Response) Encode() []byte {
	w := codec.NewWriter()
	w.PutU8(uint8(p.Type))
	w.PutU64(p.Term)
	w.PutI32(p.Src)
	w.PutI32(p.Dst)
	w.PutU64(p.NextIdx)
	w.PutBool(p.Accepted)
	w.PutI32(p.Result)
	w.PutBytes(p.Ctx)
	return w.Bytes()
}

func DecodeResponse(b []byte) (*Response, error) {
	r := codec.NewReader(b)
	p := &Response{}
	p.Type = MsgType(r.U8())
	p.Term = r.U64()
	p.Src = r.I32()
	p.Dst = r.I32()
	p.NextIdx = r.U64()
	p.Accepted = r.Bool()
	p.Result = r.I32()
	p.Ctx = r.Bytes()
	if err := r.Err(); err != nil {
		return nil, err
	}
	return p, nil
}
