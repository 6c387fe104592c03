package trustledger

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// FileStore is an append-only JSON-lines Store. Each entry is one line,
// fsynced before Append returns. A torn final line left by a crash is
// discarded on open.
type FileStore struct {
	mu      sync.RWMutex
	f       *os.File
	offsets []int64
	size    int64
	tail    *LogEntry
}

// OpenFileStore opens (or creates) the ledger file at path and indexes it.
func OpenFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open ledger file: %w", err)
	}
	s := &FileStore{f: f}
	if err := s.load(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	r := bufio.NewReader(s.f)
	var off int64
	for {
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			if len(line) > 0 {
				if err := s.f.Truncate(off); err != nil {
					return fmt.Errorf("truncate torn ledger line: %w", err)
				}
			}
			break
		}
		if err != nil {
			return fmt.Errorf("read ledger file: %w", err)
		}

		var e LogEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("decode ledger line at offset %d: %w", off, err)
		}
		if e.Sequence != int64(len(s.offsets)) {
			return fmt.Errorf("ledger file out of order at offset %d: sequence %d", off, e.Sequence)
		}
		s.offsets = append(s.offsets, off)
		s.tail = &e
		off += int64(len(line))
	}
	s.size = off
	return nil
}

// Append implements Store.
func (s *FileStore) Append(_ context.Context, e *LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !extends(s.tail, e) {
		return ErrSequenceConflict
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e); err != nil {
		return fmt.Errorf("encode ledger entry: %w", err)
	}

	if _, err := s.f.WriteAt(buf.Bytes(), s.size); err != nil {
		s.rollback()
		return fmt.Errorf("write ledger entry: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		s.rollback()
		return fmt.Errorf("sync ledger file: %w", err)
	}

	s.offsets = append(s.offsets, s.size)
	s.size += int64(buf.Len())
	s.tail = e.clone()
	return nil
}

// rollback drops any partially written bytes past the last durable entry.
func (s *FileStore) rollback() {
	_ = s.f.Truncate(s.size)
}

// Tail implements Store.
func (s *FileStore) Tail(_ context.Context) (*LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tail == nil {
		return nil, nil
	}
	return s.tail.clone(), nil
}

// Range implements Store.
func (s *FileStore) Range(_ context.Context, from int64, limit int) ([]*LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := int64(len(s.offsets))
	if from < 0 || from >= n || limit <= 0 {
		return nil, nil
	}
	end := min(from+int64(limit), n)
	out := make([]*LogEntry, 0, end-from)
	for seq := from; seq < end; seq++ {
		e, err := s.readAt(seq)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Get implements Store.
func (s *FileStore) Get(_ context.Context, seq int64) (*LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if seq < 0 || seq >= int64(len(s.offsets)) {
		return nil, ErrNotFound
	}
	return s.readAt(seq)
}

// readAt decodes the line for seq. Callers hold s.mu.
func (s *FileStore) readAt(seq int64) (*LogEntry, error) {
	start := s.offsets[seq]
	end := s.size
	if seq+1 < int64(len(s.offsets)) {
		end = s.offsets[seq+1]
	}
	line := make([]byte, end-start)
	if _, err := s.f.ReadAt(line, start); err != nil {
		return nil, fmt.Errorf("read ledger entry %d: %w", seq, err)
	}
	var e LogEntry
	if err := json.Unmarshal(line, &e); err != nil {
		return nil, fmt.Errorf("decode ledger entry %d: %w", seq, err)
	}
	return &e, nil
}

// Close closes the underlying file.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
