package httpapi

import (
	"sync"
	"time"
)

// RateLimiter counts calls per principal in fixed windows. Windows that
// have expired are swept at most once per window length, so the table holds
// only principals seen in the last two windows.
type RateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu        sync.Mutex
	windows   map[string]*callWindow
	lastSweep time.Time
}

type callWindow struct {
	start time.Time
	calls int
}

// NewRateLimiter allows limit calls per window. limit <= 0 disables the
// default limit; per-key limits passed to AllowN still apply.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		windows: map[string]*callWindow{},
	}
}

// Allow is AllowN with the default limit.
func (r *RateLimiter) Allow(principal string) (bool, time.Duration) {
	return r.AllowN(principal, 0)
}

// AllowN counts one call for principal against limit, or against the
// default limit when limit <= 0. When the window is exhausted it returns
// false and the time until the window resets.
func (r *RateLimiter) AllowN(principal string, limit int) (bool, time.Duration) {
	if r == nil {
		return true, 0
	}
	if limit <= 0 {
		limit = r.limit
	}
	if limit <= 0 {
		return true, 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	r.sweep(now)

	w, ok := r.windows[principal]
	if !ok || now.Sub(w.start) >= r.window {
		w = &callWindow{start: now}
		r.windows[principal] = w
	}
	if w.calls >= limit {
		return false, w.start.Add(r.window).Sub(now)
	}
	w.calls++
	return true, 0
}

func (r *RateLimiter) sweep(now time.Time) {
	if now.Sub(r.lastSweep) < r.window {
		return
	}
	r.lastSweep = now
	for principal, w := range r.windows {
		if now.Sub(w.start) >= r.window {
			delete(r.windows, principal)
		}
	}
}

func (r *RateLimiter) tracked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.windows)
}
