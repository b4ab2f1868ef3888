package violation

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Store persists violation records. Increment must be atomic per principal
// within one process.
type Store interface {
	Get(ctx context.Context, principalID string) (Record, bool, error)
	Increment(ctx context.Context, principalID string, at time.Time) (Record, error)
}

// Ledger records violations and answers restriction queries.
type Ledger struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*principalLock
}

// principalLock is dropped from Ledger.locks once no caller holds or waits
// on it, so the map only grows with concurrent principals.
type principalLock struct {
	sync.Mutex
	refs int
}

// NewLedger returns a ledger over store. A nil logger falls back to
// slog.Default().
func NewLedger(store Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		locks:  make(map[string]*principalLock),
	}
}

func (l *Ledger) lock(id string) func() {
	l.mu.Lock()
	pl, ok := l.locks[id]
	if !ok {
		pl = &principalLock{}
		l.locks[id] = pl
	}
	pl.refs++
	l.mu.Unlock()

	pl.Lock()
	return func() {
		pl.Unlock()
		l.mu.Lock()
		pl.refs--
		if pl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

func (l *Ledger) lockCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// AddViolation increments the principal's counter, persists it and returns
// the resulting restriction.
func (l *Ledger) AddViolation(ctx context.Context, principalID string) (Restriction, error) {
	id := strings.TrimSpace(principalID)
	if id == "" {
		return None, ErrPrincipalRequired
	}
	unlock := l.lock(id)
	defer unlock()

	rec, err := l.store.Increment(ctx, id, l.now())
	if err != nil {
		l.logger.Error("failed to record violation", "principalId", id, "error", err)
		return None, err
	}
	restriction := rec.Restriction()
	l.logger.Warn("violation recorded",
		"principalId", id,
		"violations", rec.Violations,
		"restriction", restriction.String(),
	)
	return restriction, nil
}

// GetRestriction returns the principal's current restriction. Unknown
// principals have None.
func (l *Ledger) GetRestriction(ctx context.Context, principalID string) (Restriction, error) {
	rec, err := l.Record(ctx, principalID)
	if err != nil {
		return None, err
	}
	return rec.Restriction(), nil
}

// Record returns the principal's stored record, or a zero-count record for
// unknown principals.
func (l *Ledger) Record(ctx context.Context, principalID string) (Record, error) {
	id := strings.TrimSpace(principalID)
	if id == "" {
		return Record{}, ErrPrincipalRequired
	}
	rec, ok, err := l.store.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if !ok {
		return Record{PrincipalID: id}, nil
	}
	return rec, nil
}
