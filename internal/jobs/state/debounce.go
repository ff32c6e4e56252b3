package state

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Debouncer admits at most one update per key per interval.
// A key's window restarts whenever the update's fingerprint changes, so only repeats are held back.
// An empty fingerprint throttles every update for the key.
type Debouncer struct {
	interval time.Duration

	mu      sync.Mutex
	entries map[string]*debounceEntry
}

type debounceEntry struct {
	limiter     *rate.Limiter
	fingerprint string
}

// NewDebouncer creates a debouncer. A non-positive interval admits everything.
func NewDebouncer(interval time.Duration) *Debouncer {
	return &Debouncer{
		interval: interval,
		entries:  make(map[string]*debounceEntry),
	}
}

// Allow reports whether an update for key with the given fingerprint should be applied at now
func (d *Debouncer) Allow(key, fingerprint string, now time.Time) bool {
	if d.interval <= 0 {
		return true
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.entries[key]
	if !ok || entry.fingerprint != fingerprint {
		entry = &debounceEntry{
			limiter:     rate.NewLimiter(rate.Every(d.interval), 1),
			fingerprint: fingerprint,
		}
		d.entries[key] = entry
	}
	return entry.limiter.AllowN(now, 1)
}

// Forget drops the window for key
func (d *Debouncer) Forget(key string) {
	d.mu.Lock()
	delete(d.entries, key)
	d.mu.Unlock()
}
