package violation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// StoreError wraps a failed read or write of the backing store.
type StoreError struct {
	Op   string
	Path string
	Err  error
}

func (e *StoreError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("violation store: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("violation store: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// JSONFileStore keeps all records in memory and rewrites the whole file on
// every change, through a temp file and rename.
type JSONFileStore struct {
	path string

	mu      sync.Mutex
	records map[string]Record
}

// OpenJSONFileStore loads path. A missing or empty file is an empty ledger;
// an unparsable file is an error, since rewriting it would lose counts.
func OpenJSONFileStore(path string) (*JSONFileStore, error) {
	s := &JSONFileStore{path: path, records: make(map[string]Record)}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, &StoreError{Op: "read", Path: path, Err: err}
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.records); err != nil {
		return nil, &StoreError{Op: "decode", Path: path, Err: err}
	}
	if s.records == nil {
		s.records = make(map[string]Record)
	}
	for id, rec := range s.records {
		if rec.PrincipalID == "" {
			rec.PrincipalID = id
			s.records[id] = rec
		}
	}
	return s, nil
}

func (s *JSONFileStore) Path() string { return s.path }

func (s *JSONFileStore) Get(ctx context.Context, principalID string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[principalID]
	return rec, ok, nil
}

// Increment bumps the counter and persists before returning. On a write
// failure the in-memory state is rolled back.
func (s *JSONFileStore) Increment(ctx context.Context, principalID string, at time.Time) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.records[principalID]
	rec := prev
	rec.PrincipalID = principalID
	rec.Violations++
	ts := at.UTC()
	rec.LastViolation = &ts
	s.records[principalID] = rec

	if err := s.save(); err != nil {
		if existed {
			s.records[principalID] = prev
		} else {
			delete(s.records, principalID)
		}
		return Record{}, err
	}
	return rec, nil
}

func (s *JSONFileStore) save() error {
	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return &StoreError{Op: "encode", Path: s.path, Err: err}
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &StoreError{Op: "mkdir", Path: dir, Err: err}
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return &StoreError{Op: "create temp", Path: s.path, Err: err}
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return &StoreError{Op: "write", Path: tmpName, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return &StoreError{Op: "sync", Path: tmpName, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &StoreError{Op: "close", Path: tmpName, Err: err}
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return &StoreError{Op: "rename", Path: s.path, Err: err}
	}
	return nil
}
