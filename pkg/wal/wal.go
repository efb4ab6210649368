// Package wal provides file-backed persistence for the consensus engine: a
// durable log store plus a state manager keeping term, vote and cluster
// configuration on disk. Records are CRC-framed; a corrupt or short file
// fails recovery rather than silently truncating history.
package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/szmyd/graft/pkg/codec"
	"github.com/szmyd/graft/pkg/msg"
)

const (
	logFileName      = "graft.wal"
	recordHeaderSize = 8 // 4 bytes CRC + 4 bytes length
)

// writeRecord frames data with a CRC32-IEEE + length header and writes it
// at the start of the file, truncating what was there.
func writeRecord(file *os.File, data []byte) error {
	crc := crc32.ChecksumIEEE(data)
	header := make([]byte, recordHeaderSize)
	binary.LittleEndian.PutUint32(header[:4], crc)
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(data)))

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("wal: seek: %w", err)
	}
	if err := file.Truncate(0); err != nil {
		return fmt.Errorf("wal: truncate: %w", err)
	}
	if _, err := file.Write(header); err != nil {
		return fmt.Errorf("wal: write header: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("wal: write record: %w", err)
	}
	return file.Sync()
}

// readRecord reads one CRC-framed record from the start of the file.
// Returns nil with no error on an empty file.
func readRecord(file *os.File) ([]byte, error) {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("wal: seek: %w", err)
	}
	header := make([]byte, recordHeaderSize)
	if _, err := io.ReadFull(file, header); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("wal: read header: %w", err)
	}
	crc := binary.LittleEndian.Uint32(header[:4])
	length := binary.LittleEndian.Uint32(header[4:8])
	data := make([]byte, length)
	if _, err := io.ReadFull(file, data); err != nil {
		return nil, fmt.Errorf("wal: read record: %w", err)
	}
	if crc32.ChecksumIEEE(data) != crc {
		return nil, fmt.Errorf("wal: CRC mismatch")
	}
	return data, nil
}

// FileLogStore is a durable raft.LogStore. Entries live in memory for
// serving reads; Flush rewrites the CRC-framed image and fsyncs, and
// LastDurableIndex tracks exactly what that image covers.
type FileLogStore struct {
	mu         sync.RWMutex
	file       *os.File
	startIdx   uint64
	entries    []*msg.LogEntry
	durableIdx uint64
}

func OpenLogStore(dir string) (*FileLogStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: create dir: %w", err)
	}
	file, err := os.OpenFile(filepath.Join(dir, logFileName), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open log: %w", err)
	}
	l := &FileLogStore{file: file, startIdx: 1}
	if err := l.recover(); err != nil {
		file.Close()
		return nil, err
	}
	return l, nil
}

func (l *FileLogStore) recover() error {
	data, err := readRecord(l.file)
	if err != nil {
		return err
	}
	if data == nil {
		return nil
	}
	r := codec.NewReader(data)
	l.startIdx = r.U64()
	n := r.U32()
	for i := uint32(0); i < n; i++ {
		eb := r.Bytes()
		if r.Err() != nil {
			break
		}
		e, derr := msg.DecodeLogEntry(eb)
		if derr != nil {
			return fmt.Errorf("wal: decode entry: %w", derr)
		}
		l.entries = append(l.entries, e)
	}
	if err := r.Err(); err != nil {
		return fmt.Errorf("wal: decode image: %w", err)
	}
	l.durableIdx = l.startIdx + uint64(len(l.entries)) - 1
	return nil
}

// persistLocked rewrites the on-disk image. Callers hold the write lock.
func (l *FileLogStore) persistLocked() error {
	w := codec.NewWriter()
	w.PutU64(l.startIdx)
	w.PutU32(uint32(len(l.entries)))
	for _, e := range l.entries {
		w.PutBytes(e.Encode())
	}
	if err := writeRecord(l.file, w.Bytes()); err != nil {
		return err
	}
	l.durableIdx = l.startIdx + uint64(len(l.entries)) - 1
	return nil
}

func (l *FileLogStore) NextSlot() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.startIdx + uint64(len(l.entries))
}

func (l *FileLogStore) StartIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.startIdx
}

func (l *FileLogStore) LastEntry() *msg.LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return &msg.LogEntry{Type: msg.ValueAppLog}
	}
	return l.entries[len(l.entries)-1].Clone()
}

func (l *FileLogStore) Append(entry *msg.LogEntry) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry.Clone())
	return l.startIdx + uint64(len(l.entries)) - 1, nil
}

func (l *FileLogStore) WriteAt(idx uint64, entry *msg.LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if idx < l.startIdx {
		return fmt.Errorf("wal: write at compacted index %d", idx)
	}
	pos := idx - l.startIdx
	if pos > uint64(len(l.entries)) {
		return fmt.Errorf("wal: write at %d leaves a gap", idx)
	}
	l.entries = append(l.entries[:pos], entry.Clone())
	if l.durableIdx >= idx {
		l.durableIdx = idx - 1
	}
	return nil
}

func (l *FileLogStore) EndOfAppendBatch(start, cnt uint64) {}

func (l *FileLogStore) LogEntries(start, end uint64) ([]*msg.LogEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if start < l.startIdx {
		return nil, fmt.Errorf("wal: range start %d below start index %d", start, l.startIdx)
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

func (l *FileLogStore) EntryAt(idx uint64) (*msg.LogEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if idx < l.startIdx || idx >= l.startIdx+uint64(len(l.entries)) {
		return nil, fmt.Errorf("wal: no entry at index %d", idx)
	}
	return l.entries[idx-l.startIdx].Clone(), nil
}

func (l *FileLogStore) TermAt(idx uint64) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if idx < l.startIdx || idx >= l.startIdx+uint64(len(l.entries)) {
		return 0, fmt.Errorf("wal: no entry at index %d", idx)
	}
	return l.entries[idx-l.startIdx].Term, nil
}

func (l *FileLogStore) Pack(idx uint64, cnt int32) ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if idx < l.startIdx {
		return nil, fmt.Errorf("wal: pack start %d below start index %d", idx, l.startIdx)
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

func (l *FileLogStore) ApplyPack(idx uint64, pack []byte) error {
	r := codec.NewReader(pack)
	packStart := r.U64()
	n := r.U32()
	if err := r.Err(); err != nil {
		return err
	}
	if packStart != idx {
		return fmt.Errorf("wal: pack start %d does not match apply index %d", packStart, idx)
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
		l.startIdx = idx
		l.entries = entries
	} else {
		pos := idx - l.startIdx
		if pos > uint64(len(l.entries)) {
			return fmt.Errorf("wal: pack at %d leaves a gap", idx)
		}
		l.entries = append(l.entries[:pos], entries...)
	}
	return l.persistLocked()
}

func (l *FileLogStore) Compact(lastIdx uint64) error {
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
	return l.persistLocked()
}

func (l *FileLogStore) CompactAsync(lastIdx uint64, done func(err error)) {
	go done(l.Compact(lastIdx))
}

func (l *FileLogStore) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.persistLocked()
}

func (l *FileLogStore) LastDurableIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.durableIdx
}

func (l *FileLogStore) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}
