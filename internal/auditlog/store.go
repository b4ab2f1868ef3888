package auditlog

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Store is an append-only sequence of newline-delimited records.
type Store interface {
	// Last returns the final non-blank record, or nil for an empty or absent store.
	Last(ctx context.Context) ([]byte, error)
	// Write appends one record. The line must not contain a newline.
	Write(ctx context.Context, line []byte) error
	// Scan calls fn for every non-blank record with its 1-based physical line number.
	Scan(ctx context.Context, fn func(lineNo int, line []byte) error) error
}

// FileStore keeps records in a JSONL file. A missing file is an empty store.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore returns a store for path, creating the parent directory.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, &StorageError{Op: "open", Err: os.ErrInvalid}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &StorageError{Op: "mkdir", Path: path, Err: err}
	}
	return &FileStore{path: path}, nil
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Write(ctx context.Context, line []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if bytes.ContainsAny(line, "\r\n") {
		return &EncodingError{Err: errors.New("record contains a line break")}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return &StorageError{Op: "open", Path: s.path, Err: err}
	}
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := f.Write(buf); err != nil {
		_ = f.Close()
		return &StorageError{Op: "write", Path: s.path, Err: err}
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return &StorageError{Op: "sync", Path: s.path, Err: err}
	}
	if err := f.Close(); err != nil {
		return &StorageError{Op: "close", Path: s.path, Err: err}
	}
	return nil
}

func (s *FileStore) Last(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, &StorageError{Op: "open", Path: s.path, Err: err}
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, &StorageError{Op: "stat", Path: s.path, Err: err}
	}
	line, err := lastLine(f, info.Size())
	if err != nil {
		return nil, &StorageError{Op: "read", Path: s.path, Err: err}
	}
	return line, nil
}

// lastLine reads backwards from the end of the file so appends stay cheap on
// long logs.
func lastLine(r io.ReaderAt, size int64) ([]byte, error) {
	const chunk = 4096
	var tail []byte
	pos := size
	for pos > 0 {
		n := int64(chunk)
		if pos < n {
			n = pos
		}
		pos -= n
		buf := make([]byte, n)
		if _, err := r.ReadAt(buf, pos); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		tail = append(buf, tail...)
		trimmed := bytes.TrimRight(tail, " \t\r\n")
		if len(trimmed) == 0 {
			continue
		}
		if i := bytes.LastIndexByte(trimmed, '\n'); i >= 0 {
			return bytes.TrimSpace(trimmed[i+1:]), nil
		}
	}
	trimmed := bytes.TrimSpace(tail)
	if len(trimmed) == 0 {
		return nil, nil
	}
	return trimmed, nil
}

func (s *FileStore) Scan(ctx context.Context, fn func(lineNo int, line []byte) error) error {
	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return &StorageError{Op: "open", Path: s.path, Err: err}
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	lineNo := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, readErr := reader.ReadBytes('\n')
		if len(raw) > 0 {
			lineNo++
			line := bytes.TrimSpace(raw)
			if len(line) > 0 {
				if err := fn(lineNo, line); err != nil {
					return err
				}
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return &StorageError{Op: "read", Path: s.path, Err: readErr}
		}
	}
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu    sync.RWMutex
	lines [][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Write(_ context.Context, line []byte) error {
	if bytes.ContainsAny(line, "\r\n") {
		return &EncodingError{Err: errors.New("record contains a line break")}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lines = append(m.lines, append([]byte(nil), line...))
	return nil
}

func (m *MemoryStore) Last(_ context.Context) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.lines) == 0 {
		return nil, nil
	}
	return append([]byte(nil), m.lines[len(m.lines)-1]...), nil
}

func (m *MemoryStore) Scan(ctx context.Context, fn func(lineNo int, line []byte) error) error {
	m.mu.RLock()
	lines := make([][]byte, len(m.lines))
	copy(lines, m.lines)
	m.mu.RUnlock()
	for i, line := range lines {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(i+1, line); err != nil {
			return err
		}
	}
	return nil
}

// Lines returns a copy of the stored records.
func (m *MemoryStore) Lines() [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([][]byte, len(m.lines))
	for i, line := range m.lines {
		out[i] = append([]byte(nil), line...)
	}
	return out
}
