// Package store provides in-memory implementations of the engine's
// persistence interfaces, used by tests, demos and as the baseline for
// durable implementations.
package store

import (
	"fmt"
	"sync"

	"github.com/szmyd/graft/pkg/codec"
	"github.com/szmyd/graft/pkg/msg"
)

// InMemLogStore keeps the replicated log in a slice. It honors the full
// store contract including compaction and pack transfer, which makes it a
// faithful stand-in for durable stores in cluster tests.
type InMemLogStore struct {
	mu         sync.RWMutex
	startIdx   uint64
	entries    []*msg.LogEntry
	durableIdx uint64
}

func NewInMemLogStore() *InMemLogStore {
	return &InMemLogStore{startIdx: 1}
}

func (l *InMemLogStore) NextSlot() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.startIdx + uint64(len(l.entries))
}

func (l *InMemLogStore) StartIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.startIdx
}

func (l *InMemLogStore) LastEntry() *msg.LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return &msg.LogEntry{Type: msg.ValueAppLog}
	}
	return l.entries[len(l.entries)-1].Clone()
}

func (l *InMemLogStore) Append(entry *msg.LogEntry) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry.Clone())
	return l.startIdx + uint64(len(l.entries)) - 1, nil
}

func (l *InMemLogStore) WriteAt(idx uint64, entry *msg.LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if idx < l.startIdx {
		return fmt.Errorf("store: write at compacted index %d (start %d)", idx, l.startIdx)
	}
	pos := idx - l.startIdx
	if pos > uint64(len(l.entries)) {
		return fmt.Errorf("store: write at %d leaves a gap (next %d)",
			idx, l.startIdx+uint64(len(l.entries)))
	}
	l.entries = append(l.entries[:pos], entry.Clone())
	if l.durableIdx >= idx {
		l.durableIdx = idx - 1
	}
	return nil
}

func (l *InMemLogStore) EndOfAppendBatch(start, cnt uint64) {}

func (l *InMemLogStore) LogEntries(start, end uint64) ([]*msg.LogEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if start < l.startIdx {
		return nil, fmt.Errorf("store: range start %d below start index %d", start, l.startIdx)
	}
	next := l.startIdx + uint64(len(l.entries))
	if end > next {
		end = next
	}
	if start >= end {
		return nil, nil
	}
	out := make([]*msg.LogEntry, 0, end-start)
	for i := start; i < end; i++ {
		out = append(out, l.entries[i-l.startIdx].Clone())
	}
	return out, nil
}

func (l *InMemLogStore) EntryAt(idx uint64) (*msg.LogEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if idx < l.startIdx || idx >= l.startIdx+uint64(len(l.entries)) {
		return nil, fmt.Errorf("store: no entry at index %d", idx)
	}
	return l.entries[idx-l.startIdx].Clone(), nil
}

func (l *InMemLogStore) TermAt(idx uint64) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if idx < l.startIdx || idx >= l.startIdx+uint64(len(l.entries)) {
		return 0, fmt.Errorf("store: no entry at index %d", idx)
	}
	return l.entries[idx-l.startIdx].Term, nil
}

// Pack serializes cnt entries starting at idx: start index, count, then
// each entry length-prefixed.
func (l *InMemLogStore) Pack(idx uint64, cnt int32) ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if idx < l.startIdx {
		return nil, fmt.Errorf("store: pack start %d below start index %d", idx, l.startIdx)
	}
	w := codec.NewWriter()
	w.PutU64(idx)
	next := l.startIdx + uint64(len(l.entries))
	end := idx + uint64(cnt)
	if end > next {
		end = next
	}
	if end < idx {
		end = idx
	}
	w.PutU32(uint32(end - idx))
	for i := idx; i < end; i++ {
		w.PutBytes(l.entries[i-l.startIdx].Encode())
	}
	return w.Bytes(), nil
}

// ApplyPack installs a pack produced by Pack, overwriting the covered
// range and truncating anything after it.
func (l *InMemLogStore) ApplyPack(idx uint64, pack []byte) error {
	r := codec.NewReader(pack)
	packStart := r.U64()
	n := r.U32()
	if err := r.Err(); err != nil {
		return err
	}
	if packStart != idx {
		return fmt.Errorf("store: pack start %d does not match apply index %d", packStart, idx)
	}

	entries := make([]*msg.LogEntry, 0, n)
	for i := uint32(0); i < n; i++ {
		eb := r.Bytes()
		if err := r.Err(); err != nil {
			return err
		}
		e, err := msg.DecodeLogEntry(eb)
		if err != nil {
			return err
		}
		entries = append(entries, e)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if idx < l.startIdx {
		// The pack reaches behind our compacted range; rebase on it.
		l.startIdx = idx
		l.entries = entries
	} else {
		pos := idx - l.startIdx
		if pos > uint64(len(l.entries)) {
			return fmt.Errorf("store: pack at %d leaves a gap (next %d)",
				idx, l.startIdx+uint64(len(l.entries)))
		}
		l.entries = append(l.entries[:pos], entries...)
	}
	return nil
}

func (l *InMemLogStore) Compact(lastIdx uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lastIdx < l.startIdx {
		return nil
	}
	drop := lastIdx - l.startIdx + 1
	if drop >= uint64(len(l.entries)) {
		l.entries = nil
	} else {
		l.entries = append([]*msg.LogEntry(nil), l.entries[drop:]...)
	}
	l.startIdx = lastIdx + 1
	return nil
}

func (l *InMemLogStore) CompactAsync(lastIdx uint64, done func(err error)) {
	go done(l.Compact(lastIdx))
}

func (l *InMemLogStore) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.durableIdx = l.startIdx + uint64(len(l.entries)) - 1
	return nil
}

func (l *InMemLogStore) LastDurableIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.durableIdx
}
