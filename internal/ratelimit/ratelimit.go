// Package ratelimit provides a sliding-window request limiter keyed by
// connection identity (or remote IP before authentication).
package ratelimit

import (
	"sync"
	"time"
)

// Window counts events per key inside a sliding time window. Allow records
// the event and reports whether it stays within the limit; Reset drops a
// key's history when its connection goes away.
//
// All methods are safe for concurrent use.
type Window struct {
	mu     sync.Mutex
	window time.Duration
	limit  int
	events map[string][]time.Time

	// now is replaceable for tests.
	now func() time.Time
}

// New creates a limiter allowing at most limit events per window per key.
func New(limit int, window time.Duration) *Window {
	return &Window{
		window: window,
		limit:  limit,
		events: make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Allow records an event for key and reports whether it is within the
// limit. Rejected events are not recorded, so a rejected burst does not
// extend the lockout on its own.
func (w *Window) Allow(key string) bool {
	now := w.now()
	cutoff := now.Add(-w.window)

	w.mu.Lock()
	defer w.mu.Unlock()

	kept := w.events[key][:0]
	for _, ts := range w.events[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= w.limit {
		w.events[key] = kept
		return false
	}
	w.events[key] = append(kept, now)
	return true
}

// Blocked reports whether key is at its limit without recording anything.
// Used when the event should only count on a specific outcome, like a
// failed login: check with Blocked first, Record the failure after.
func (w *Window) Blocked(key string) bool {
	now := w.now()
	cutoff := now.Add(-w.window)

	w.mu.Lock()
	defer w.mu.Unlock()

	kept := w.events[key][:0]
	for _, ts := range w.events[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.events[key] = kept
	return len(kept) >= w.limit
}

// Record adds an event for key unconditionally.
func (w *Window) Record(key string) {
	w.mu.Lock()
	w.events[key] = append(w.events[key], w.now())
	w.mu.Unlock()
}

// Reset discards the recorded events for key.
func (w *Window) Reset(key string) {
	w.mu.Lock()
	delete(w.events, key)
	w.mu.Unlock()
}
