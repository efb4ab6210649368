package msg

import (
	"github.com/szmyd/graft/pkg/codec"
)

const (
	entryFlagTimestamp = 1 << 0
	entryFlagCRC       = 1 << 1
)

// LogEntry is one replicated record. Index is positional and therefore not
// part of the encoded form; stores address entries by index.
type LogEntry struct {
	Term uint64
	Type ValueType
	Data []byte

	// Timestamp is an optional wall-clock tag in microseconds, 0 if unset.
	Timestamp uint64

	// CRCPrev optionally carries a checksum of the previous entry's payload
	// so stores can detect torn prefixes. 0 means absent.
	CRCPrev uint32
}

func NewLogEntry(term uint64, vt ValueType, data []byte) *LogEntry {
	return &LogEntry{Term: term, Type: vt, Data: data}
}

// Clone returns a deep copy. Entries handed to stores or peers are cloned so
// the engine never shares payload buffers across goroutines.
func (e *LogEntry) Clone() *LogEntry {
	cp := *e
	if e.Data != nil {
		cp.Data = make([]byte, len(e.Data))
		copy(cp.Data, e.Data)
	}
	return &cp
}

// Encode lays out term, value type, an optional-field bitmap, the optional
// fields, then the length-prefixed payload.
func (e *LogEntry) Encode() []byte {
	w := codec.NewWriter()
	e.EncodeTo(w)
	return w.Bytes()
}

func (e *LogEntry) EncodeTo(w *codec.Writer) {
	w.PutU64(e.Term)
	w.PutU8(uint8(e.Type))
	var flags uint8
	if e.Timestamp != 0 {
		flags |= entryFlagTimestamp
	}
	if e.CRCPrev != 0 {
		flags |= entryFlagCRC
	}
	w.PutU8(flags)
	if flags&entryFlagTimestamp != 0 {
		w.PutU64(e.Timestamp)
	}
	if flags&entryFlagCRC != 0 {
		w.PutU32(e.CRCPrev)
	}
	w.PutBytes(e.Data)
}

func DecodeLogEntry(b []byte) (*LogEntry, error) {
	r := codec.NewReader(b)
	e, err := DecodeLogEntryFrom(r)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func DecodeLogEntryFrom(r *codec.Reader) (*LogEntry, error) {
	e := &LogEntry{}
	e.Term = r.U64()
	e.Type = ValueType(r.U8())
	flags := r.U8()
	if flags&entryFlagTimestamp != 0 {
		e.Timestamp = r.U64()
	}
	if flags&entryFlagCRC != 0 {
		e.CRCPrev = r.U32()
	}
	e.Data = r.Bytes()
	if err := r.Err(); err != nil {
		return nil, err
	}
	return e, nil
}
