package auditlog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/yourorg/agentguard/internal/canonical"
)

// Appender links each new entry to the current head of its store.
//
// Read-head, hash and write happen under one mutex, so entries appended
// through the same Appender never share a prevHash. Two Appenders (or two
// processes) writing one store are not coordinated.
type Appender struct {
	mu     sync.Mutex
	store  Store
	sealer Sealer
}

// Sealer signs an entry after its PrevHash is set and before its Hash is
// computed, so the signature binds the entry to its chain position and the
// hash covers the signature.
type Sealer interface {
	Seal(entry Entry) (Entry, error)
}

// SealError means sealing failed and the entry was persisted unsigned.
type SealError struct {
	Err error
}

func (e *SealError) Error() string { return "entry persisted unsigned: " + e.Err.Error() }

func (e *SealError) Unwrap() error { return e.Err }

type AppenderOption func(*Appender)

// WithSealer signs every appended entry with s. A nil s disables signing.
func WithSealer(s Sealer) AppenderOption {
	return func(a *Appender) { a.sealer = s }
}

func NewAppender(store Store, opts ...AppenderOption) *Appender {
	a := &Appender{store: store}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Appender) Store() Store { return a.store }

// Append sets PrevHash and Hash on entry, persists it as one line and returns
// the persisted entry. Nothing is written when an error is returned, except a
// *SealError, which comes back with the unsigned entry that was written.
func (a *Appender) Append(ctx context.Context, entry Entry) (Entry, error) {
	if a == nil || a.store == nil {
		return Entry{}, &StorageError{Op: "append", Err: errors.New("store is not configured")}
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	prev, err := a.headHash(ctx)
	if err != nil {
		return Entry{}, err
	}
	entry.PrevHash = prev
	entry.Hash = ""
	entry.Signature = ""

	var sealErr error
	if a.sealer != nil {
		sealed, err := a.sealer.Seal(entry)
		if err != nil {
			sealErr = &SealError{Err: err}
		} else {
			sealed.PrevHash, sealed.Hash = prev, ""
			entry = sealed
		}
	}

	doc, err := entry.Document()
	if err != nil {
		return Entry{}, err
	}
	hash, err := ComputeHash(doc)
	if err != nil {
		return Entry{}, &EncodingError{Err: err}
	}
	entry.Hash = hash
	doc[FieldHash] = hash

	line, err := canonical.Marshal(doc)
	if err != nil {
		return Entry{}, &EncodingError{Err: err}
	}
	if err := a.store.Write(ctx, line); err != nil {
		return Entry{}, err
	}
	return entry, sealErr
}

func (a *Appender) headHash(ctx context.Context) (*string, error) {
	last, err := a.store.Last(ctx)
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, nil
	}
	doc, err := canonical.Parse(last)
	if err != nil {
		return nil, &EncodingError{Err: fmt.Errorf("chain head: %w", err)}
	}
	hash, ok := doc[FieldHash].(string)
	if !ok || hash == "" {
		return nil, &EncodingError{Err: errors.New("chain head has no hash")}
	}
	return strPtr(hash), nil
}
